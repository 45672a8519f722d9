package engine

import (
	"context"
	"time"

	"mediabot/internal/plan"
	"mediabot/internal/retry"
	"mediabot/internal/transport"
)

// Config controls the download scheduler.
type Config struct {
	Workers int
	// Retry decides which failures are re-queued and after which delay.
	Retry retry.Config

	// TaskTimeout bounds one execution attempt. 0 means no limit.
	TaskTimeout time.Duration

	// MaxQueueDelay fails tasks that waited longer than this before starting.
	// 0 disables the check.
	MaxQueueDelay time.Duration

	// ReportAfterAttempts is the minimum number of attempts a failed task must
	// have used before the operator gets an exhausted-task report.
	ReportAfterAttempts int

	// QueueNoticeAfter tells users their queue position when it is above this
	// value. 0 applies the default, a negative value disables the notice.
	QueueNoticeAfter int

	// Admin receives exhausted-task reports. Zero disables them.
	Admin transport.ChatTarget

	HistorySize int

	// TripFailures is the number of consecutive transient failures after which
	// the downloader is reported down. 0 applies the default, <0 disables.
	TripFailures int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Retry.MaxRetries == 0 && c.Retry.InitialDelay == 0 {
		c.Retry = retry.Network()
	}
	if c.ReportAfterAttempts <= 0 {
		c.ReportAfterAttempts = 3
	}
	if c.QueueNoticeAfter == 0 {
		c.QueueNoticeAfter = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	return c
}

// State is the lifecycle position of a task.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateRetrying
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

func (s State) Terminal() bool { return s >= StateSucceeded }

// TimeRange selects a section of the source media.
type TimeRange struct {
	Start time.Duration
	End   time.Duration
}

// Task is one download request.
type Task struct {
	ID     string
	UserID int64
	// Chat is where user-facing notices go.
	Chat     transport.ChatTarget
	URL      string
	Kind     plan.Kind
	Quality  string
	Bitrate  string
	Range    *TimeRange
	Priority int
	// MaxBytes caps the output size. 0 means no cap.
	MaxBytes int64

	CreatedAt time.Time
	Attempts  int
	State     State
}

// Outcome is what a successful execution produced.
type Outcome struct {
	Path  string
	Bytes int64
}

// Executor performs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, t Task) (Outcome, error)
}

type ExecutorFunc func(ctx context.Context, t Task) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, t Task) (Outcome, error) { return f(ctx, t) }

// Describer is implemented by executors that can summarize their
// environment (proxy, credentials) for exhausted-task reports.
type Describer interface {
	Describe() string
}

// UserError is implemented by errors that carry a message fit for end users.
type UserError interface {
	UserMessage() string
}

// Hooks are optional callbacks into other components.
type Hooks struct {
	// DownloaderDown fires once when consecutive transient failures reach
	// Config.TripFailures.
	DownloaderDown func(ctx context.Context, consecutive int, last error)
	// DownloaderUp fires on the first success after DownloaderDown.
	DownloaderUp func(ctx context.Context)
}

type HistoryItem struct {
	ID         string
	UserID     int64
	Kind       plan.Kind
	State      State
	Attempts   int
	QueueDelay time.Duration
	Duration   time.Duration
	Finished   time.Time
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID         string        `json:"id"`
	UserID     int64         `json:"user_id"`
	Kind       string        `json:"kind"`
	Priority   int           `json:"priority"`
	State      string        `json:"state"`
	Attempts   int           `json:"attempts"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics and reports.
type Snapshot struct {
	Workers  int
	Queued   int
	Running  int
	Retrying int

	Succeeded uint64
	Failed    uint64
	Canceled  uint64
	Retries   uint64

	DownloaderDown bool

	History []HistoryItem
}
