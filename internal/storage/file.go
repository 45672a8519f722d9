package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediabot/pkg/logx"
)

// fileStore keeps alert history in <prefix>.alerts.jsonl.
//
// Each line is a fire or resolve record. The journal is replayed on open and
// rewritten from the in-memory rows every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	journal *os.File
	rows    alertLog
	writes  int
}

const compactEvery = 500

type journalRecord struct {
	Op string `json:"op"` // "fire" | "resolve"
	AlertRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journalPath := filepath.Join(dir, base) + ".alerts.jsonl"

	s := &fileStore{log: log, path: journalPath, rows: alertLog{keep: cfg.KeepAlerts}}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	bad := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			bad++
			continue
		}
		switch r.Op {
		case "fire":
			s.rows.append(r.AlertRecord)
		case "resolve":
			s.rows.resolve(r.Type, r.ResolvedAt)
		}
	}
	if bad > 0 {
		s.log.Warn("alert journal has unreadable lines", logx.String("path", s.path), logx.Int("count", bad))
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) writeLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("alert journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("alert journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendAlert(_ context.Context, r AlertRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = 0
	stored := s.rows.append(r)
	return stored.ID, s.writeLocked(journalRecord{Op: "fire", AlertRecord: stored})
}

func (s *fileStore) ResolveAlert(_ context.Context, alertType string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows.resolve(alertType, at) == 0 {
		return false, nil
	}
	return true, s.writeLocked(journalRecord{Op: "resolve", AlertRecord: AlertRecord{Type: alertType, ResolvedAt: at}})
}

func (s *fileStore) RecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.recent(limit), nil
}

// compactLocked rewrites the journal as one fire record per kept row.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.rows.rows {
		if err := enc.Encode(journalRecord{Op: "fire", AlertRecord: r}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	_ = s.journal.Close()
	s.journal, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}
