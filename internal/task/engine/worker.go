package engine

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"strings"
	"time"

	"mediabot/internal/retry"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

const (
	staleNotice = "⌛ Your request waited too long in the queue and was dropped. Please try again."
	stopNotice  = "⛔ The bot is restarting and your queued download was canceled. Please send the link again in a minute."
)

func (s *Service) worker(ctx context.Context, idx int) {
	for {
		e := s.next()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.runOne(ctx, e, idx)
		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the best queued task and marks it running.
func (s *Service) next() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	e := s.queue.pop()
	if e == nil {
		return nil
	}
	e.task.State = StateRunning
	e.task.Attempts++
	if s.queue.Len() > 0 {
		// More work: hand the baton to another idle worker.
		s.signal()
	}
	return e
}

func (s *Service) runOne(ctx context.Context, e *entry, idx int) {
	cfg := s.config()
	start := s.now()
	wait := max(start.Sub(e.enqueuedAt), 0)
	s.metrics.ObserveQueueWait(wait)

	if cfg.MaxQueueDelay > 0 && wait > cfg.MaxQueueDelay {
		s.mu.Lock()
		// It never ran.
		e.task.Attempts--
		chat := e.task.Chat
		s.mu.Unlock()
		s.log.Warn("task dropped: stale queue",
			logx.String("id", e.task.ID),
			logx.Duration("queue_delay", wait),
		)
		s.notify(chat, staleNotice, transport.SeverityWarning)
		s.fail(e, cfg, retry.WithCategory(ErrStale, "stale"), false)
		return
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	e.cancel = cancel
	canceledEarly := e.canceled
	t := e.task
	s.mu.Unlock()
	if canceledEarly {
		cancel()
	}

	s.publish("task.started", t, TaskEvent{QueueDelay: wait})
	s.log.Debug("task.started",
		logx.String("id", t.ID),
		logx.Int("worker", idx),
		logx.Int("attempt", t.Attempts),
		logx.Duration("queue_delay", wait),
	)

	out, err := s.execute(runCtx, t)
	cancel()
	dur := s.now().Sub(start)

	s.mu.Lock()
	e.cancel = nil
	canceled := e.canceled
	s.mu.Unlock()

	switch tr, fails := s.breaker.record(s.now(), err); tr {
	case opened:
		s.log.Error("downloader looks down", logx.Int("consecutive_failures", fails), logx.Err(err))
		if s.hooks.DownloaderDown != nil {
			s.hooks.DownloaderDown(context.WithoutCancel(ctx), fails, err)
		}
	case closed:
		s.log.Info("downloader recovered")
		if s.hooks.DownloaderUp != nil {
			s.hooks.DownloaderUp(context.WithoutCancel(ctx))
		}
	}

	switch {
	case err == nil:
		s.metrics.ObserveAttempt(string(t.Kind), "success", dur)
		s.succeed(e, out, dur)
	case canceled || ctx.Err() != nil:
		s.metrics.ObserveAttempt(string(t.Kind), "canceled", dur)
		s.mu.Lock()
		s.finishLocked(e, StateCanceled, ErrCanceled)
		s.mu.Unlock()
	default:
		s.metrics.ObserveAttempt(string(t.Kind), "failure", dur)
		s.afterFailure(e, cfg, err)
	}
}

// execute runs one attempt and turns a panic into a permanent failure.
func (s *Service) execute(ctx context.Context, t Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.panic", logx.String("id", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = panicError{v: r}
		}
	}()
	return s.exec.Execute(ctx, t)
}

func (s *Service) succeed(e *entry, out Outcome, dur time.Duration) {
	s.metrics.DownloadSucceeded(string(e.task.Kind), out.Bytes)
	s.mu.Lock()
	attempts := e.task.Attempts
	s.finishLocked(e, StateSucceeded, nil)
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("id", e.task.ID),
		logx.Int("attempts", attempts),
		logx.Int64("bytes", out.Bytes),
		logx.Duration("dur", dur),
	}
	if dur >= 750*time.Millisecond {
		s.log.Info("task.succeeded", fields...)
	} else {
		s.log.Debug("task.succeeded", fields...)
	}
}

func (s *Service) afterFailure(e *entry, cfg Config, err error) {
	s.mu.Lock()
	attempt := e.task.Attempts
	s.mu.Unlock()

	delay, again := retry.Next(cfg.Retry, attempt, err)
	if n, ok := retry.NoticeFor(cfg.Retry, attempt, again, delay, err); ok {
		s.notify(e.task.Chat, userNotice(n, err), transport.SeverityWarning)
	}
	if !again {
		s.fail(e, cfg, err, true)
		return
	}

	s.metrics.ObserveRetry(attempt)
	s.retries.Add(1)

	s.mu.Lock()
	if s.stopped || e.canceled {
		s.finishLocked(e, StateCanceled, ErrCanceled)
		s.mu.Unlock()
		return
	}
	e.task.State = StateRetrying
	e.timer = time.AfterFunc(delay, func() { s.requeue(e) })
	t := e.task
	s.mu.Unlock()

	s.publish("task.retrying", t, TaskEvent{Delay: delay, Error: err.Error()})
	s.log.Info("task retry scheduled",
		logx.String("id", t.ID),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.String("category", retry.Category(err)),
		logx.Err(err),
	)
}

// requeue puts a retrying task back behind queued tasks of equal priority.
func (s *Service) requeue(e *entry) {
	s.mu.Lock()
	if s.stopped || e.canceled || s.tasks[e.task.ID] != e || e.task.State != StateRetrying {
		s.mu.Unlock()
		return
	}
	s.seq++
	e.seq = s.seq
	e.timer = nil
	e.enqueuedAt = s.now()
	e.task.State = StateQueued
	s.queue.push(e)
	t := e.task
	s.mu.Unlock()

	s.publish("task.requeued", t, TaskEvent{})
	s.signal()
}

func (s *Service) fail(e *entry, cfg Config, err error, report bool) {
	cat := retry.Category(err)
	s.metrics.DownloadFailed(string(e.task.Kind), cat)

	s.mu.Lock()
	t := e.task
	s.finishLocked(e, StateFailed, err)
	s.mu.Unlock()

	s.log.Warn("task.failed",
		logx.String("id", t.ID),
		logx.Int64("user_id", t.UserID),
		logx.Int("attempts", t.Attempts),
		logx.String("category", cat),
		logx.Err(err),
	)
	if report && t.Attempts >= cfg.ReportAfterAttempts && !cfg.Admin.IsZero() {
		s.notify(cfg.Admin, s.exhaustedReport(t, err), transport.SeverityCritical)
	}
}

func userNotice(n retry.Notice, err error) string {
	msg := n.Text("Download")
	if n.Kind != retry.NoticeFailed {
		return msg
	}
	var ue UserError
	if errors.As(err, &ue) && ue.UserMessage() != "" {
		return msg + "\n\n" + html.EscapeString(ue.UserMessage())
	}
	return msg
}

func (s *Service) exhaustedReport(t Task, err error) string {
	var b strings.Builder
	b.WriteString("<b>Download exhausted retries</b>\n\n")
	fmt.Fprintf(&b, "<b>Task:</b> <code>%s</code>\n", html.EscapeString(t.ID))
	fmt.Fprintf(&b, "<b>User:</b> <code>%d</code>\n", t.UserID)
	fmt.Fprintf(&b, "<b>Kind:</b> %s\n", html.EscapeString(string(t.Kind)))
	fmt.Fprintf(&b, "<b>URL:</b> %s\n", html.EscapeString(t.URL))
	fmt.Fprintf(&b, "<b>Attempts:</b> %d\n", t.Attempts)
	fmt.Fprintf(&b, "<b>Category:</b> %s\n", html.EscapeString(retry.Category(err)))
	fmt.Fprintf(&b, "<b>Error:</b> <code>%s</code>", html.EscapeString(truncate(err.Error(), 600)))
	if d, ok := s.exec.(Describer); ok {
		if desc := d.Describe(); desc != "" {
			fmt.Fprintf(&b, "\n\n%s", html.EscapeString(desc))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
