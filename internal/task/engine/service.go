package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mediabot/internal/eventbus"
	"mediabot/internal/metrics"
	rtsup "mediabot/internal/runtime/supervisor"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

// Service is a priority scheduler with a fixed worker pool.
//
// AddTask never blocks. Workers pop the highest priority task (oldest first on
// ties). Retryable failures wait for their backoff off the worker slot and are
// re-queued behind tasks of the same priority.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	exec Executor

	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Registry
	notifier transport.Notifier
	hooks    Hooks
	now      func() time.Time

	queue   taskHeap
	tasks   map[string]*entry
	seq     uint64
	wake    chan struct{}
	sup     *rtsup.Supervisor
	stopped bool

	breaker *breaker

	succeeded atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
	retries   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }

// WithNotifier routes user notices and operator reports.
func WithNotifier(n transport.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithHooks(h Hooks) Option { return func(s *Service) { s.hooks = h } }

// WithClock replaces time.Now for queue-delay accounting.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, exec Executor, opts ...Option) *Service {
	s := &Service{
		exec:  exec,
		log:   logx.Nop(),
		tasks: make(map[string]*entry),
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = cfg.withDefaults()
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(false)
	}
	if s.notifier == nil {
		s.notifier = transport.NotifierFunc(func(context.Context, transport.ChatTarget, string, transport.Severity) error { return nil })
	}
	s.breaker = newBreaker(s.cfg.TripFailures)
	return s
}

// Apply swaps retry, timeout and notice settings. The worker count takes
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the workers. Tasks added before Start wait in the queue.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart0(fmt.Sprintf("engine.worker.%d", idx), func(c context.Context) {
			s.worker(c, idx)
		}, rtsup.WithStopOnCleanExit(true))
	}
	s.signal()
	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queued", s.Len()))
}

// Stop stops intake, cancels queued, waiting and running tasks, and waits
// for the workers to exit. Users whose pending tasks were dropped get one
// notice per chat.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	var dropped []*entry
	for _, e := range s.tasks {
		if e.task.State == StateRunning {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		s.queue.remove(e)
		dropped = append(dropped, e)
	}
	var chats []transport.ChatTarget
	for _, e := range dropped {
		if !slices.Contains(chats, e.task.Chat) {
			chats = append(chats, e.task.Chat)
		}
		s.finishLocked(e, StateCanceled, ErrStopped)
	}
	s.mu.Unlock()

	for _, chat := range chats {
		s.notify(chat, stopNotice, transport.SeverityWarning)
	}

	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("task engine stop incomplete", logx.Err(err))
		return err
	}
	s.log.Info("task engine stopped")
	return nil
}

// AddTask queues t and returns the stored copy (with ID, CreatedAt and State
// filled in). It never blocks.
func (s *Service) AddTask(t Task) (Task, error) {
	now := s.now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Priority = min(max(t.Priority, 0), 100)
	t.Attempts = 0
	t.State = StateQueued

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Task{}, ErrStopped
	}
	if _, ok := s.tasks[t.ID]; ok {
		s.mu.Unlock()
		return Task{}, ErrDuplicate
	}
	s.seq++
	e := &entry{task: t, seq: s.seq, index: -1, enqueuedAt: now, firstQueue: now}
	s.tasks[t.ID] = e
	s.queue.push(e)
	pos := s.queue.position(e)
	noticeAfter := s.cfg.QueueNoticeAfter
	s.mu.Unlock()

	s.metrics.TaskQueued(t.Priority)
	s.publish("task.queued", t, TaskEvent{})
	s.log.Debug("task.queued",
		logx.String("id", t.ID),
		logx.Int64("user_id", t.UserID),
		logx.String("kind", string(t.Kind)),
		logx.Int("priority", t.Priority),
		logx.Int("position", pos),
	)
	if noticeAfter > 0 && pos > noticeAfter {
		s.notify(t.Chat, queueNotice(pos), transport.SeverityInfo)
	}
	s.signal()
	return t, nil
}

func queueNotice(pos int) string {
	return fmt.Sprintf("📋 Your request is queued. Position: %d", pos)
}

// Cancel ends a queued, waiting or running task. It reports whether the task
// was still active.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.cancelLocked(e)
	s.mu.Unlock()
	return true
}

// CancelUser cancels every active task of userID and returns how many.
func (s *Service) CancelUser(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []*entry
	for _, e := range s.tasks {
		if e.task.UserID == userID {
			mine = append(mine, e)
		}
	}
	for _, e := range mine {
		s.cancelLocked(e)
	}
	return len(mine)
}

func (s *Service) cancelLocked(e *entry) {
	e.canceled = true
	switch e.task.State {
	case StateRunning:
		// The worker finishes it once the executor returns.
		if e.cancel != nil {
			e.cancel()
		}
	case StateRetrying:
		if e.timer != nil {
			e.timer.Stop()
		}
		s.finishLocked(e, StateCanceled, ErrCanceled)
	default:
		s.queue.remove(e)
		s.finishLocked(e, StateCanceled, ErrCanceled)
	}
}

// Position is the 1-based queue position of a queued task.
func (s *Service) Position(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok || e.index < 0 {
		return 0, false
	}
	return s.queue.position(e), true
}

// Get returns the current copy of an active task.
func (s *Service) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// Len is the number of tasks waiting for a worker.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Workers: s.cfg.Workers}
	for _, e := range s.tasks {
		switch e.task.State {
		case StateQueued:
			snap.Queued++
		case StateRunning:
			snap.Running++
		case StateRetrying:
			snap.Retrying++
		}
	}
	s.mu.Unlock()

	snap.Succeeded = s.succeeded.Load()
	snap.Failed = s.failed.Load()
	snap.Canceled = s.canceled.Load()
	snap.Retries = s.retries.Load()
	snap.DownloaderDown = s.breaker.isOpen()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// finishLocked moves e to a terminal state and updates gauges and counters.
// Callers hold s.mu.
func (s *Service) finishLocked(e *entry, st State, err error) {
	if s.tasks[e.task.ID] != e {
		return
	}
	delete(s.tasks, e.task.ID)
	e.task.State = st
	e.timer = nil
	e.cancel = nil

	s.metrics.TaskDone(e.task.Priority)
	switch st {
	case StateSucceeded:
		s.succeeded.Add(1)
	case StateFailed:
		s.failed.Add(1)
	case StateCanceled:
		s.canceled.Add(1)
	}

	now := s.now()
	item := HistoryItem{
		ID:       e.task.ID,
		UserID:   e.task.UserID,
		Kind:     e.task.Kind,
		State:    st,
		Attempts: e.task.Attempts,
		Duration: now.Sub(e.firstQueue),
		Finished: now,
	}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()

	ev := TaskEvent{}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish("task."+st.String(), e.task, ev)
}

// signal wakes one idle worker.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, t Task, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	ev.ID = t.ID
	ev.UserID = t.UserID
	ev.Kind = string(t.Kind)
	ev.Priority = t.Priority
	ev.State = t.State.String()
	ev.Attempts = t.Attempts
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Service) notify(to transport.ChatTarget, text string, sev transport.Severity) {
	if to.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, to, text, sev); err != nil {
		s.log.Debug("notice not delivered", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
