package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mediabot/internal/app"
	"mediabot/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
		stopTO  time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file loaded before the environment")
	flag.DurationVar(&stopTO, "stop-timeout", 30*time.Second, "graceful shutdown budget")
	flag.Parse()

	os.Exit(run(cfgPath, envPath, stopTO))
}

func run(cfgPath, envPath string, stopTO time.Duration) int {
	var opts []config.Option
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			opts = append(opts, config.WithDotEnv(envPath))
		}
	}

	a, err := app.New(cfgPath, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	ctx := context.Background()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, cancel := context.WithTimeout(ctx, stopTO)
		_ = a.Stop(stopCtx, app.StopFatalError)
		cancel()
		return 1
	}
	// Not running under systemd is fine.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonFromSignal(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(ctx, stopTO)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "stop:", stopErr)
		return 1
	}
	return 0
}
