package notifier

import (
	"time"

	"mediabot/internal/retry"
)

// Config controls the async notification pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	Retry      retry.Config
	// SendTimeout bounds a single platform call.
	SendTimeout time.Duration
	// DedupWindow suppresses identical non-critical messages to the same chat.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// DedupExempt chats always get every message. The operator chat is
	// listed here: alerts are already throttled per type.
	DedupExempt []int64
}

type HistoryItem struct {
	At       time.Time
	ChatID   int64
	Severity string
	Text     string
}

// Event is published on the bus for notifier lifecycle changes.
type Event struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Severity string    `json:"severity"`
	Key      string    `json:"key,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
