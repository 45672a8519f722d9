package alerts

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"mediabot/internal/eventbus"
	"mediabot/internal/metrics"
	"mediabot/internal/storage"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

// HistoryStore persists fired and resolved alerts.
type HistoryStore interface {
	AppendAlert(ctx context.Context, r storage.AlertRecord) (int64, error)
	ResolveAlert(ctx context.Context, alertType string, at time.Time) (bool, error)
}

// Manager throttles, sends and resolves alerts.
//
// lastSent and active are guarded by separate locks.
type Manager struct {
	notifier transport.Notifier
	admin    transport.ChatTarget
	store    HistoryStore
	metrics  *metrics.Registry
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	sentMu   sync.Mutex
	lastSent map[Type]time.Time

	activeMu sync.Mutex
	active   map[Type]Alert
}

type Option func(*Manager)

func WithStore(s HistoryStore) Option        { return func(m *Manager) { m.store = s } }
func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }
func WithBus(b eventbus.Bus) Option          { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }

func NewManager(n transport.Notifier, admin transport.ChatTarget, opts ...Option) *Manager {
	m := &Manager{
		notifier: n,
		admin:    admin,
		now:      time.Now,
		lastSent: make(map[Type]time.Time),
		active:   make(map[Type]Alert),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "alerts"))
	return m
}

// ShouldSend reports whether t is outside its throttle window.
func (m *Manager) ShouldSend(t Type) bool {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	return m.dueLocked(t, m.now())
}

func (m *Manager) dueLocked(t Type, now time.Time) bool {
	last, ok := m.lastSent[t]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.ThrottleWindow()
}

// Send notifies the operator about a unless its type is throttled. It reports
// whether a notification went out. A failed notification leaves the type
// unthrottled and inactive. History write failures are logged only.
func (m *Manager) Send(ctx context.Context, a Alert) (bool, error) {
	if !a.Type.Valid() {
		return false, errors.New("alerts: unknown type " + string(a.Type))
	}
	now := m.now()
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = now
	}

	m.sentMu.Lock()
	if !m.dueLocked(a.Type, now) {
		m.sentMu.Unlock()
		m.log.Debug("alert throttled", logx.String("type", string(a.Type)))
		return false, nil
	}
	prev, hadPrev := m.lastSent[a.Type]
	m.lastSent[a.Type] = now
	m.sentMu.Unlock()

	if err := m.deliver(ctx, a.Format(), a.Severity); err != nil {
		m.sentMu.Lock()
		if m.lastSent[a.Type].Equal(now) {
			if hadPrev {
				m.lastSent[a.Type] = prev
			} else {
				delete(m.lastSent, a.Type)
			}
		}
		m.sentMu.Unlock()
		m.log.Error("alert not delivered", logx.String("type", string(a.Type)), logx.Err(err))
		return false, err
	}

	m.activeMu.Lock()
	m.active[a.Type] = a
	m.activeMu.Unlock()

	m.log.Warn("alert.fired",
		logx.String("type", string(a.Type)),
		logx.String("severity", a.Severity.String()),
		logx.String("title", a.Title),
	)
	if m.metrics != nil {
		m.metrics.AlertSent(string(a.Type), a.Severity.String())
	}
	if m.store != nil {
		rec := storage.AlertRecord{
			Type:        string(a.Type),
			Severity:    a.Severity.String(),
			Message:     a.record(),
			TriggeredAt: a.TriggeredAt,
		}
		if _, err := m.store.AppendAlert(context.WithoutCancel(ctx), rec); err != nil {
			m.log.Error("alert history write failed", logx.String("type", string(a.Type)), logx.Err(err))
		}
	}
	m.publish("alert.fired", a)
	return true, nil
}

// Resolve clears the active alert of type t and sends one resolution
// message. It reports whether t was active. Resolution is not throttled.
func (m *Manager) Resolve(ctx context.Context, t Type) (bool, error) {
	m.activeMu.Lock()
	a, ok := m.active[t]
	if ok {
		delete(m.active, t)
	}
	m.activeMu.Unlock()
	if !ok {
		return false, nil
	}

	now := m.now()
	m.log.Info("alert.resolved", logx.String("type", string(t)), logx.Duration("active_for", now.Sub(a.TriggeredAt)))
	if m.store != nil {
		if _, err := m.store.ResolveAlert(context.WithoutCancel(ctx), string(t), now); err != nil {
			m.log.Error("alert history update failed", logx.String("type", string(t)), logx.Err(err))
		}
	}
	m.publish("alert.resolved", a)

	if err := m.deliver(ctx, a.FormatResolved(), transport.SeverityInfo); err != nil {
		m.log.Error("resolution not delivered", logx.String("type", string(t)), logx.Err(err))
		return true, err
	}
	return true, nil
}

// Evaluate fires a when firing is true and resolves its type otherwise.
func (m *Manager) Evaluate(ctx context.Context, firing bool, a Alert) error {
	if firing {
		_, err := m.Send(ctx, a)
		return err
	}
	_, err := m.Resolve(ctx, a.Type)
	return err
}

// IsActive reports whether t has fired and not been resolved.
func (m *Manager) IsActive(t Type) bool {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	_, ok := m.active[t]
	return ok
}

// Active lists active alerts, oldest first.
func (m *Manager) Active() []Alert {
	m.activeMu.Lock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	m.activeMu.Unlock()
	slices.SortFunc(out, func(a, b Alert) int { return a.TriggeredAt.Compare(b.TriggeredAt) })
	return out
}

func (m *Manager) deliver(ctx context.Context, text string, sev transport.Severity) error {
	if m.notifier == nil || m.admin.IsZero() {
		return nil
	}
	return m.notifier.Notify(ctx, m.admin, text, sev)
}

func (m *Manager) publish(typ string, a Alert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: a})
}
