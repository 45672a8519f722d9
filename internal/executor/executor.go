// Package executor runs an external downloader command for one task attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"mediabot/internal/task/engine"
	"mediabot/pkg/logx"
)

const stderrTail = 8 << 10

// Config describes the downloader invocation.
//
// Command arguments may contain placeholders:
//
//	{url} {kind} {out} {quality} {bitrate} {start} {end} {max_size} {proxy} {cookies}
//
// {max_size} is the plan's output cap in bytes, e.g. "--max-filesize {max_size}".
//
// An argument whose optional placeholder expands to nothing is dropped, together
// with a bare flag directly in front of it ("--proxy {proxy}").
type Config struct {
	Command     []string
	OutputDir   string
	Timeout     time.Duration
	Proxy       string
	CookiesFile string
}

// Hooks report conditions that need the operator.
type Hooks struct {
	CredentialsExpired func(ctx context.Context, cat Category, detail string)
	DiskFull           func(ctx context.Context, path string, detail string)
	// Unavailable fires when the downloader binary cannot be started.
	Unavailable func(ctx context.Context, err error)
}

type Executor struct {
	cfg   Config
	hooks Hooks
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, hooks Hooks, log logx.Logger) (*Executor, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("executor: command is required")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "mediabot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, hooks: hooks, log: log.With(logx.String("comp", "executor")), now: time.Now}, nil
}

var _ engine.Executor = (*Executor)(nil)
var _ engine.Describer = (*Executor)(nil)

// Execute runs the command for t. Output goes to OutputDir/<task id>; the
// outcome size is the sum of the files written there.
func (x *Executor) Execute(ctx context.Context, t engine.Task) (engine.Outcome, error) {
	if x.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.cfg.Timeout)
		defer cancel()
	}

	out := filepath.Join(x.cfg.OutputDir, t.ID)
	if err := os.MkdirAll(out, 0o755); err != nil {
		if isNoSpace(err) {
			x.diskFull(ctx, err.Error())
			return engine.Outcome{}, &Error{Cat: CategoryDiskFull, Err: err}
		}
		return engine.Outcome{}, fmt.Errorf("create output dir: %w", err)
	}

	args := expand(x.cfg.Command, x.vars(t, out))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = out
	stderr := newTail(stderrTail)
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	start := x.now()
	err := cmd.Run()
	dur := x.now().Sub(start)
	if err != nil {
		return engine.Outcome{}, x.failure(ctx, t, err, stderr.String(), out)
	}

	n, err := dirSize(out)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("measure output: %w", err)
	}
	if n == 0 {
		return engine.Outcome{}, &Error{Cat: CategoryUnknown, Detail: "downloaded file is empty"}
	}
	if t.MaxBytes > 0 && n > t.MaxBytes {
		_ = os.RemoveAll(out)
		x.log.Info("download over plan size",
			logx.String("id", t.ID),
			logx.String("bytes", humanize.IBytes(uint64(n))),
			logx.String("max", humanize.IBytes(uint64(t.MaxBytes))),
		)
		return engine.Outcome{}, &Error{
			Cat:    CategoryTooLarge,
			Detail: fmt.Sprintf("output %s exceeds %s", humanize.IBytes(uint64(n)), humanize.IBytes(uint64(t.MaxBytes))),
		}
	}
	x.log.Debug("download finished",
		logx.String("id", t.ID),
		logx.String("bytes", humanize.IBytes(uint64(n))),
		logx.Duration("dur", dur),
	)
	return engine.Outcome{Path: out, Bytes: n}, nil
}

func (x *Executor) failure(ctx context.Context, t engine.Task, err error, stderr, out string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		xe := &Error{Cat: CategoryMissingBinary, Err: err}
		x.log.Error("downloader cannot start", logx.String("command", x.cfg.Command[0]), logx.Err(err))
		if x.hooks.Unavailable != nil {
			x.hooks.Unavailable(context.WithoutCancel(ctx), xe)
		}
		return xe
	}
	// Cancellation is not a downloader fault.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &Error{Cat: CategoryTimeout, Err: ctxErr}
		}
		return ctxErr
	}

	xe := &Error{Cat: Classify(stderr), Detail: truncate(lastLine(stderr), 300), Err: err}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		xe.ExitCode = ee.ExitCode()
	}
	x.log.Warn("download failed",
		logx.String("id", t.ID),
		logx.String("category", string(xe.Cat)),
		logx.Int("exit_code", xe.ExitCode),
		logx.String("detail", xe.Detail),
	)

	switch xe.Cat {
	case CategoryBotCheck, CategoryCredentials:
		if x.hooks.CredentialsExpired != nil {
			x.hooks.CredentialsExpired(context.WithoutCancel(ctx), xe.Cat, xe.Detail)
		}
	case CategoryDiskFull:
		x.diskFull(ctx, xe.Detail)
	}
	// Partial output of a failed attempt is never delivered.
	_ = os.RemoveAll(out)
	return xe
}

func (x *Executor) diskFull(ctx context.Context, detail string) {
	if x.hooks.DiskFull != nil {
		x.hooks.DiskFull(context.WithoutCancel(ctx), x.cfg.OutputDir, detail)
	}
}

func (x *Executor) vars(t engine.Task, out string) map[string]string {
	v := map[string]string{
		"url":      t.URL,
		"kind":     string(t.Kind),
		"out":      out,
		"quality":  t.Quality,
		"bitrate":  t.Bitrate,
		"proxy":    x.cfg.Proxy,
		"cookies":  x.cfg.CookiesFile,
		"start":    "",
		"end":      "",
		"max_size": "",
	}
	if t.MaxBytes > 0 {
		v["max_size"] = strconv.FormatInt(t.MaxBytes, 10)
	}
	if t.Range != nil {
		v["start"] = seconds(t.Range.Start)
		if t.Range.End > 0 {
			v["end"] = seconds(t.Range.End)
		}
	}
	return v
}

// Describe summarizes proxy and cookie state for operator reports.
func (x *Executor) Describe() string {
	var parts []string
	if x.cfg.Proxy == "" {
		parts = append(parts, "Proxy: none")
	} else {
		parts = append(parts, "Proxy: "+redact(x.cfg.Proxy))
	}
	switch fi, err := os.Stat(x.cfg.CookiesFile); {
	case x.cfg.CookiesFile == "":
		parts = append(parts, "Cookies: none")
	case err != nil:
		parts = append(parts, "Cookies: missing")
	default:
		parts = append(parts, fmt.Sprintf("Cookies: updated %s (%s)",
			humanize.RelTime(fi.ModTime(), x.now(), "ago", "from now"), humanize.Bytes(uint64(fi.Size()))))
	}
	return strings.Join(parts, "\n")
}

// expand substitutes placeholders in cmd.
func expand(cmd []string, vars map[string]string) []string {
	out := make([]string, 0, len(cmd))
	for i, arg := range cmd {
		s, empty := substitute(arg, vars)
		if empty {
			// Drop a bare flag ("--proxy") that only existed for this value.
			if n := len(out); n > 0 && i > 0 && out[n-1] == cmd[i-1] && isBareFlag(cmd[i-1]) {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// substitute reports empty when arg referenced a placeholder whose value is
// empty.
func substitute(arg string, vars map[string]string) (string, bool) {
	var b strings.Builder
	empty := false
	for {
		i := strings.IndexByte(arg, '{')
		if i < 0 {
			b.WriteString(arg)
			break
		}
		j := strings.IndexByte(arg[i:], '}')
		if j < 0 {
			b.WriteString(arg)
			break
		}
		name := arg[i+1 : i+j]
		v, ok := vars[name]
		if !ok {
			b.WriteString(arg[:i+j+1])
			arg = arg[i+j+1:]
			continue
		}
		if v == "" {
			empty = true
		}
		b.WriteString(arg[:i])
		b.WriteString(v)
		arg = arg[i+j+1:]
	}
	return b.String(), empty
}

func isBareFlag(s string) bool {
	return strings.HasPrefix(s, "-") && !strings.Contains(s, "=") && !strings.Contains(s, "{")
}

func dirSize(dir string) (int64, error) {
	var n int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			n += fi.Size()
		}
		return nil
	})
	return n, err
}

func isNoSpace(err error) bool { return errors.Is(err, syscall.ENOSPC) }

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func redact(proxy string) string {
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return "configured"
	}
	return u.Redacted()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
