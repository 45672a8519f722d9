package storage

import (
	"context"
	"sync"
	"time"
)

// alertLog is the in-memory row set shared by the memory and file drivers.
// Rows are kept in insertion order; the oldest are dropped past keep.
type alertLog struct {
	rows   []AlertRecord
	nextID int64
	keep   int
}

func (l *alertLog) append(r AlertRecord) AlertRecord {
	if r.ID == 0 {
		l.nextID++
		r.ID = l.nextID
	} else if r.ID > l.nextID {
		l.nextID = r.ID
	}
	l.rows = append(l.rows, r)
	if l.keep > 0 && len(l.rows) > l.keep {
		l.rows = append([]AlertRecord(nil), l.rows[len(l.rows)-l.keep:]...)
	}
	return r
}

// resolve stamps the newest open row of alertType and returns its id.
// resolve stamps every unresolved row of alertType and returns how many.
func (l *alertLog) resolve(alertType string, at time.Time) int {
	n := 0
	for i := range l.rows {
		if l.rows[i].Type == alertType && !l.rows[i].Resolved() {
			l.rows[i].ResolvedAt = at
			n++
		}
	}
	return n
}

func (l *alertLog) recent(limit int) []AlertRecord {
	if limit <= 0 || limit > len(l.rows) {
		limit = len(l.rows)
	}
	out := make([]AlertRecord, 0, limit)
	for i := len(l.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.rows[i])
	}
	return out
}

// MemoryStore keeps alert history in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	log alertLog
}

func NewMemory(keep int) *MemoryStore {
	if keep <= 0 {
		keep = defaultKeepAlerts
	}
	return &MemoryStore{log: alertLog{keep: keep}}
}

func (m *MemoryStore) AppendAlert(_ context.Context, r AlertRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.append(r).ID, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, alertType string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.resolve(alertType, at) > 0, nil
}

func (m *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.recent(limit), nil
}

func (m *MemoryStore) Close() error { return nil }
