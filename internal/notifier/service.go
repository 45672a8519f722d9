package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mediabot/internal/eventbus"
	"mediabot/internal/retry"
	rtsup "mediabot/internal/runtime/supervisor"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

type job struct {
	to   transport.ChatTarget
	text string
	sev  transport.Severity
	key  string
}

// Service implements transport.Notifier with a queue, a worker pool, a token
// bucket, retries and short-window dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ transport.Notifier = (*Service)(nil)

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps pacing and retry settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = retry.RateLimit()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	cfg.DedupExempt = slices.Clone(cfg.DedupExempt)
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes are not delayed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) {
			s.workerLoop(c, q)
		})
	}
}

// Stop blocks intake, then lets workers drain the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	err := sup.Wait(ctx)
	if err != nil {
		sup.Cancel()
	}
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	return err
}

// Notify enqueues text for to. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, to transport.ChatTarget, text string, sev transport.Severity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to.IsZero() || text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	if slices.Contains(s.cfg.DedupExempt, to.ChatID) {
		window = 0
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(to, text)
	if window > 0 && sev < transport.SeverityCritical && !s.dedupAllow(key, window, maxEntries) {
		s.publish("notifier.deduped", to, sev, key, 0, nil)
		return nil
	}

	select {
	case q <- job{to: to, text: withPrefix(text, sev), sev: sev, key: key}:
		s.publish("notifier.queued", to, sev, key, 0, nil)
		return nil
	default:
		s.publish("notifier.dropped", to, sev, key, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(j job) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: j.to.ChatID, Severity: j.sev.String(), Text: j.text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	opts := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	res := retry.Do(ctx, cfg.Retry, func(ctx context.Context) (transport.MessageRef, error) {
		if err := lim.Wait(ctx); err != nil {
			return transport.MessageRef{}, retry.NoRetry(err)
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return sender.SendText(cctx, j.to, j.text, opts)
	})
	if res.OK() {
		s.appendHistory(j)
		s.publish("notifier.sent", j.to, j.sev, j.key, res.Attempts, nil)
		return
	}
	s.log.Warn("notify send failed",
		logx.Int64("chat_id", j.to.ChatID),
		logx.Int("attempts", res.Attempts),
		logx.Err(res.Err),
	)
	s.publish("notifier.failed", j.to, j.sev, j.key, res.Attempts, res.Err)
}

func (s *Service) publish(typ string, to transport.ChatTarget, sev transport.Severity, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := Event{ChatID: to.ChatID, ThreadID: to.ThreadID, Severity: sev.String(), Key: key, Attempts: attempts, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// withPrefix marks warning and critical text unless it already starts with
// the marker.
func withPrefix(text string, sev transport.Severity) string {
	if sev == transport.SeverityInfo {
		return text
	}
	p := sev.Prefix()
	if strings.HasPrefix(text, p) {
		return text
	}
	return p + " " + text
}

func dedupKey(to transport.ChatTarget, text string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", to.ChatID, to.ThreadID)
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}
