package plan

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnknownPlan = errors.New("plan: unknown plan")

// Kind is an output kind a task can produce.
type Kind string

const (
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindSubtitle Kind = "subtitle"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAudio, "mp3":
		return KindAudio, nil
	case KindVideo, "mp4":
		return KindVideo, nil
	case KindSubtitle, "subs", "srt":
		return KindSubtitle, nil
	}
	return "", fmt.Errorf("unknown output kind %q", s)
}

// Limits is the immutable rule set of one plan.
type Limits struct {
	Name string
	// RateLimit is the minimum time between two admitted requests.
	RateLimit time.Duration
	// DailyLimit caps admissions per day. Nil means unlimited.
	DailyLimit *int
	// MaxFileSizeMB caps the output of one download. 0 means no cap.
	MaxFileSizeMB    int
	AllowedKinds     []Kind
	Priority         int
	CanChooseQuality bool
	CanChooseBitrate bool
}

func (l Limits) Allows(k Kind) bool { return slices.Contains(l.AllowedKinds, k) }

// MaxBytes is MaxFileSizeMB in bytes, 0 when uncapped.
func (l Limits) MaxBytes() int64 {
	if l.MaxFileSizeMB <= 0 {
		return 0
	}
	return int64(l.MaxFileSizeMB) << 20
}

// Unlimited reports whether the plan has no daily quota.
func (l Limits) Unlimited() bool { return l.DailyLimit == nil }

func (l Limits) clone() Limits {
	cp := l
	cp.AllowedKinds = slices.Clone(l.AllowedKinds)
	if l.DailyLimit != nil {
		n := *l.DailyLimit
		cp.DailyLimit = &n
	}
	return cp
}

func quota(n int) *int { return &n }

const (
	Free    = "free"
	Premium = "premium"
	VIP     = "vip"
)

// Builtin returns the stock plans.
func Builtin() []Limits {
	all := []Kind{KindAudio, KindVideo, KindSubtitle}
	return []Limits{
		{Name: Free, RateLimit: 30 * time.Second, DailyLimit: quota(5), MaxFileSizeMB: 49, AllowedKinds: []Kind{KindAudio, KindVideo}, Priority: 0},
		{Name: Premium, RateLimit: 10 * time.Second, MaxFileSizeMB: 100, AllowedKinds: all, Priority: 70, CanChooseQuality: true, CanChooseBitrate: true},
		{Name: VIP, RateLimit: 5 * time.Second, MaxFileSizeMB: 200, AllowedKinds: all, Priority: 100, CanChooseQuality: true, CanChooseBitrate: true},
	}
}

// Registry maps plan names to limits. Lookups return copies so callers can
// never edit a plan in place; replacing a plan means registering a new value.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]Limits
	def   string
}

// NewRegistry builds a registry from plans. def is returned for unknown names.
func NewRegistry(def string, plans ...Limits) (*Registry, error) {
	r := &Registry{plans: make(map[string]Limits, len(plans))}
	for _, p := range plans {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	def = strings.ToLower(strings.TrimSpace(def))
	if _, ok := r.plans[def]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownPlan, def)
	}
	r.def = def
	return r, nil
}

func (r *Registry) Register(p Limits) error {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	if name == "" {
		return errors.New("plan: empty name")
	}
	if p.Priority < 0 || p.Priority > 100 {
		return fmt.Errorf("plan %q: priority %d out of range 0..100", name, p.Priority)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("plan %q: negative rate limit", name)
	}
	if p.DailyLimit != nil && *p.DailyLimit < 0 {
		return fmt.Errorf("plan %q: negative daily limit", name)
	}
	p.Name = name
	r.mu.Lock()
	r.plans[name] = p.clone()
	r.mu.Unlock()
	return nil
}

// Get returns the plan called name.
func (r *Registry) Get(name string) (Limits, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return p.clone(), nil
}

// Resolve is Get falling back to the default plan.
func (r *Registry) Resolve(name string) Limits {
	if p, err := r.Get(name); err == nil {
		return p
	}
	p, _ := r.Get(r.def)
	return p
}

func (r *Registry) Default() string { return r.def }

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plans))
	for n := range r.plans {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
