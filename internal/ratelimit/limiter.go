package ratelimit

import (
	"context"
	"fmt"
	"time"

	"mediabot/internal/plan"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonInterval   Reason = "interval"
	ReasonDailyQuota Reason = "daily_quota"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	// UsedToday is the admissions counted today, including this one when allowed.
	UsedToday int
}

// Limiter gates admissions per user according to the user's plan.
type Limiter struct {
	store Store
	now   func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func New(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore(0)
	}
	l := &Limiter{store: store, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow checks whether userID may make a new request under limits. State is
// recorded only when the answer is yes, so a denied user is not penalised.
func (l *Limiter) Allow(ctx context.Context, userID int64, limits plan.Limits) (Decision, error) {
	req := Request{Now: l.now(), Interval: limits.RateLimit, DailyLimit: Unlimited}
	if limits.DailyLimit != nil {
		req.DailyLimit = *limits.DailyLimit
	}
	d, err := l.store.Admit(ctx, userID, req)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: admit user %d: %w", userID, err)
	}
	return d, nil
}

// State returns the stored state of userID.
func (l *Limiter) State(ctx context.Context, userID int64) (State, error) {
	return l.store.Peek(ctx, userID)
}

// Remaining reports today's unused quota for userID, or Unlimited.
func (l *Limiter) Remaining(ctx context.Context, userID int64, limits plan.Limits) (int, error) {
	if limits.DailyLimit == nil {
		return Unlimited, nil
	}
	st, err := l.store.Peek(ctx, userID)
	if err != nil {
		return 0, err
	}
	return max(0, *limits.DailyLimit-st.CountOn(DayKey(l.now()))), nil
}

func (l *Limiter) Reset(ctx context.Context, userID int64) error {
	return l.store.Reset(ctx, userID)
}
