// Package storagetest opens throwaway sqlite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"giftguard/internal/storage"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// New returns an initialised sqlite store in t.TempDir(). A nil clock uses
// wall time.
func New(t testing.TB, clock *Clock) storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "giftguard.db") + "?_pragma=busy_timeout(5000)"
	var opts []storage.Option
	if clock != nil {
		opts = append(opts, storage.WithClock(clock.Now))
	}
	st, err := storage.NewSQLite(dsn, opts...)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
