package engine

import (
	"errors"
	"fmt"

	"mediabot/internal/retry"
)

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrDuplicate = errors.New("task id already scheduled")
	ErrStale     = errors.New("task waited too long in queue")
	ErrCanceled  = errors.New("task canceled")
)

// panicError is never retried.
type panicError struct{ v any }

func (e panicError) Error() string    { return fmt.Sprintf("executor panic: %v", e.v) }
func (e panicError) Retryable() bool  { return false }
func (e panicError) Category() string { return "panic" }

var _ retry.Retryable = panicError{}
