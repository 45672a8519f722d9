package transport

import "context"

// ChatTarget addresses a chat (and optionally a forum thread) on the messaging platform.
// It is the opaque session reference carried by tasks.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

func (m Message) Target() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

type Update struct {
	Message *Message
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Severity grades a notification. Higher is louder.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Prefix is the marker prepended to operator-facing text.
func (s Severity) Prefix() string {
	switch s {
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// Sender delivers text to a chat. Implemented by platform adapters.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a Sender that also receives inbound updates.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// Notifier is the notification collaborator used by the scheduler, the retry
// engine and the alert manager.
type Notifier interface {
	Notify(ctx context.Context, to ChatTarget, text string, sev Severity) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to ChatTarget, text string, sev Severity) error

func (f NotifierFunc) Notify(ctx context.Context, to ChatTarget, text string, sev Severity) error {
	return f(ctx, to, text, sev)
}
