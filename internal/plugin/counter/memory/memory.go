// Package memory is the in-process counter store.
//
// This is a degraded mode: counters live in one process only, so with several
// instances each one undercounts independently. Use the redis plugin for
// correct limits across instances.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/plannr/messaging-service/internal/config"
	registrycounter "github.com/plannr/messaging-service/internal/registry/counter"
)

// Duplicate-detection entries are kept at least this long before a sweep evicts them.
const seenRetention = time.Minute

func init() {
	registrycounter.Register(registrycounter.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycounter.CounterStore, error) {
			s := New()
			if cfg := config.FromContext(ctx); cfg != nil && cfg.SpamSweepInterval > 0 {
				s.interval = cfg.SpamSweepInterval
			}
			return s, nil
		},
	})
}

type window struct {
	count     int64
	expiresAt time.Time
}

// Store keeps fixed-window counters and recently seen members in maps.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	interval  time.Duration
	windows   map[string]*window
	seen      map[string]map[string]time.Time
	retention time.Duration
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		now:       time.Now,
		interval:  time.Minute,
		windows:   map[string]*window{},
		seen:      map[string]map[string]time.Time{},
		retention: seenRetention,
	}
}

// WithClock replaces the clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Available() bool {
	return false
}

func (s *Store) IncrWindow(_ context.Context, key string, d time.Duration) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(d)}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (s *Store) SeenRecently(_ context.Context, key, member string, d time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > s.retention {
		s.retention = d
	}
	members, ok := s.seen[key]
	if !ok {
		members = map[string]time.Time{}
		s.seen[key] = members
	}
	last, ok := members[member]
	members[member] = now
	return ok && now.Sub(last) <= d, nil
}

// Sweep evicts elapsed windows and seen entries older than the retention.
// It returns the number of entries removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, k)
			removed++
		}
	}
	for k, members := range s.seen {
		for m, at := range members {
			if now.Sub(at) > s.retention {
				delete(members, m)
				removed++
			}
		}
		if len(members) == 0 {
			delete(s.seen, k)
		}
	}
	return removed
}

// Len returns the number of tracked windows and seen members.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.windows)
	for _, members := range s.seen {
		n += len(members)
	}
	return n
}

// Start runs Sweep periodically in the calling goroutine. Returns when ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug("Counter sweep", "removed", n)
			}
		}
	}
}

var _ registrycounter.CounterStore = (*Store)(nil)
