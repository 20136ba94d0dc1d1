package alerts

import (
	"sync"
	"time"

	"giftguard/internal/model"
)

// Store keeps the most recent alerts for operator queries.
type Store struct {
	mu    sync.RWMutex
	buf   []model.FraudAlert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.FraudAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns up to limit alerts, oldest first.
func (s *Store) List(limit int) []model.FraudAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.FraudAlert, 0, limit)
	out = append(out, s.buf[len(s.buf)-limit:]...)
	return out
}

func (s *Store) Since(ts time.Time) []model.FraudAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FraudAlert, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}
