package ratelimit

import (
	"context"
	"time"
)

// Unlimited is the DailyLimit value of a request without a daily quota.
const Unlimited = -1

// Request is one admission check handed to a Store.
type Request struct {
	Now        time.Time
	Interval   time.Duration
	DailyLimit int
}

// State is the per-user record kept by a Store.
type State struct {
	LastAdmitted time.Time
	// Day is the UTC day (yyyymmdd) Count belongs to.
	Day   int
	Count int
}

// CountOn returns the admissions counted for day, treating an older day as zero.
func (s State) CountOn(day int) int {
	if s.Day != day {
		return 0
	}
	return s.Count
}

// Store persists per-user state. Admit must read, decide and write atomically
// per user and must leave the state untouched when the request is denied.
type Store interface {
	Admit(ctx context.Context, userID int64, req Request) (Decision, error)
	Peek(ctx context.Context, userID int64) (State, error)
	Reset(ctx context.Context, userID int64) error
}

// DayKey is the UTC calendar day of t as yyyymmdd. Counters roll over at UTC midnight.
func DayKey(t time.Time) int {
	y, m, d := t.UTC().Date()
	return y*10000 + int(m)*100 + d
}

// untilNextDay is the time left before the UTC day of now ends.
func untilNextDay(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(u)
}

// decide applies req to st. It returns the decision and, when allowed, the new state.
func decide(st State, req Request) (Decision, State) {
	today := DayKey(req.Now)
	if !st.LastAdmitted.IsZero() {
		if elapsed := req.Now.Sub(st.LastAdmitted); elapsed < req.Interval {
			return Decision{Reason: ReasonInterval, RetryAfter: req.Interval - elapsed}, st
		}
	}
	count := st.CountOn(today)
	if req.DailyLimit >= 0 && count >= req.DailyLimit {
		return Decision{Reason: ReasonDailyQuota, RetryAfter: untilNextDay(req.Now), UsedToday: count}, st
	}
	next := State{LastAdmitted: req.Now, Day: today, Count: count + 1}
	return Decision{Allowed: true, UsedToday: next.Count}, next
}
