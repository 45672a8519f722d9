// Package admission decides whether a user request becomes a scheduled task.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediabot/internal/eventbus"
	"mediabot/internal/plan"
	"mediabot/internal/ratelimit"
	"mediabot/internal/task/engine"
	"mediabot/pkg/logx"
)

// Reason explains why a request was not admitted.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonKindNotAllowed Reason = "kind_not_allowed"
	ReasonInterval       Reason = Reason(ratelimit.ReasonInterval)
	ReasonDailyQuota     Reason = Reason(ratelimit.ReasonDailyQuota)
)

// Scheduler accepts admitted tasks.
type Scheduler interface {
	AddTask(t engine.Task) (engine.Task, error)
}

// Result is the outcome of Admit.
type Result struct {
	Admitted   bool
	Reason     Reason
	RetryAfter time.Duration
	UsedToday  int
	Plan       plan.Limits
	// Task is the scheduled task when Admitted.
	Task engine.Task
}

type Gate struct {
	plans   *plan.Registry
	limiter *ratelimit.Limiter
	sched   Scheduler
	log     logx.Logger
	bus     eventbus.Bus
}

type Option func(*Gate)

func WithLogger(l logx.Logger) Option { return func(g *Gate) { g.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(g *Gate) { g.bus = b } }

func New(plans *plan.Registry, limiter *ratelimit.Limiter, sched Scheduler, opts ...Option) *Gate {
	g := &Gate{plans: plans, limiter: limiter, sched: sched}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.log = g.log.With(logx.String("comp", "admission"))
	return g
}

// AddTask admits t under planName and reports whether it was scheduled.
func (g *Gate) AddTask(ctx context.Context, t engine.Task, planName string) bool {
	res, err := g.Admit(ctx, t, planName)
	if err != nil {
		g.log.Warn("task not scheduled", logx.Int64("user_id", t.UserID), logx.Err(err))
		return false
	}
	return res.Admitted
}

// Admit resolves the plan, checks the output kind and the per-user limits,
// stamps the plan priority and schedules the task.
//
// A denial is a normal result, not an error. A limiter failure admits the
// request. Errors come only from the scheduler.
func (g *Gate) Admit(ctx context.Context, t engine.Task, planName string) (Result, error) {
	limits := g.plans.Resolve(planName)
	res := Result{Plan: limits}

	if !limits.Allows(t.Kind) {
		res.Reason = ReasonKindNotAllowed
		g.denied(t, res)
		return res, nil
	}

	d, err := g.limiter.Allow(ctx, t.UserID, limits)
	switch {
	case err != nil:
		g.log.Warn("rate limiter unavailable, admitting", logx.Int64("user_id", t.UserID), logx.Err(err))
	case !d.Allowed:
		res.Reason = Reason(d.Reason)
		res.RetryAfter = d.RetryAfter
		res.UsedToday = d.UsedToday
		g.denied(t, res)
		return res, nil
	default:
		res.UsedToday = d.UsedToday
	}

	t.Priority = limits.Priority
	t.MaxBytes = limits.MaxBytes()
	if !limits.CanChooseQuality {
		t.Quality = ""
	}
	if !limits.CanChooseBitrate {
		t.Bitrate = ""
	}

	scheduled, err := g.sched.AddTask(t)
	if err != nil {
		return res, fmt.Errorf("admission: schedule: %w", err)
	}
	res.Admitted = true
	res.Task = scheduled
	g.log.Debug("task admitted",
		logx.String("id", scheduled.ID),
		logx.Int64("user_id", t.UserID),
		logx.String("plan", limits.Name),
		logx.Int("priority", scheduled.Priority),
		logx.Int("used_today", res.UsedToday),
	)
	g.publish("admission.admitted", t, res)
	return res, nil
}

func (g *Gate) denied(t engine.Task, res Result) {
	g.log.Debug("task denied",
		logx.Int64("user_id", t.UserID),
		logx.String("plan", res.Plan.Name),
		logx.String("reason", string(res.Reason)),
		logx.Duration("retry_after", res.RetryAfter),
	)
	g.publish("admission.denied", t, res)
}

// Event is the payload of admission.* bus events.
type Event struct {
	UserID int64  `json:"user_id"`
	Plan   string `json:"plan"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

func (g *Gate) publish(typ string, t engine.Task, res Result) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: typ, Data: Event{
		UserID: t.UserID,
		Plan:   res.Plan.Name,
		Kind:   string(t.Kind),
		Reason: string(res.Reason),
		TaskID: res.Task.ID,
	}})
}

// Explain renders a denial for the user.
func Explain(res Result) string {
	switch res.Reason {
	case ReasonKindNotAllowed:
		return fmt.Sprintf("Your plan (%s) does not include this format.", res.Plan.Name)
	case ReasonInterval:
		return fmt.Sprintf("⏳ Please wait %s before the next request.", roundUp(res.RetryAfter))
	case ReasonDailyQuota:
		return fmt.Sprintf("You have used all %d downloads for today. The limit resets in %s.", res.UsedToday, roundUp(res.RetryAfter))
	}
	return ""
}

func roundUp(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d < time.Minute {
		return ((d + time.Second - 1) / time.Second) * time.Second
	}
	return ((d + time.Minute - 1) / time.Minute) * time.Minute
}

// IsStopped reports whether err means the scheduler no longer accepts tasks.
func IsStopped(err error) bool { return errors.Is(err, engine.ErrStopped) }
