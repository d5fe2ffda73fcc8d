package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	audit "lookup/pkg/platform/audit"
)

// DefaultCapacity is the number of events kept when no capacity is given.
const DefaultCapacity = 10000

// InMemoryStore keeps the most recent events in process memory. It is meant
// for development and tests; once full, the oldest event is dropped.
type InMemoryStore struct {
	mu       sync.RWMutex
	events   []audit.Event
	capacity int
}

type Option func(*InMemoryStore)

// WithCapacity caps the number of retained events. Non-positive values keep
// the default.
func WithCapacity(n int) Option {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if len(s.events) >= s.capacity {
		n := copy(s.events, s.events[len(s.events)-s.capacity+1:])
		s.events = s.events[:n]
	}
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListByFederationID(_ context.Context, fid string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.FederationID == fid {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListRecent returns the newest limit events, most recent first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	all := append([]audit.Event{}, s.events...)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
