// Package idempotency suppresses re-sends of envelopes the bus already
// acknowledged. Records of a partially failed batch are fetched again on the
// next cycle; the ones that made it the first time are skipped here instead
// of being delivered twice.
package idempotency

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

type Store interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

func PublisherInterceptor(store Store) eventbus.PublisherInterceptor {
	return func(ctx context.Context, md *event.Metadata, data []byte, send eventbus.SendFn) error {
		seen, err := store.Seen(ctx, md.ID)
		if err != nil {
			return fmt.Errorf("checking event [%s] id [%s] idempotency: %w", md.Type, md.ID, err)
		}

		if seen {
			return nil
		}

		if err = send(ctx, md, data); err != nil {
			return err
		}

		// A failed mark only costs a duplicate later.
		_ = store.Mark(ctx, md.ID)

		return nil
	}
}

// MemoryStore remembers the last capacity acknowledged ids.
type MemoryStore struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	ring  []string
	next  int
	limit int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1
	}

	return &MemoryStore{
		ids:   make(map[string]struct{}, capacity),
		ring:  make([]string, capacity),
		limit: capacity,
	}
}

func (s *MemoryStore) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.ids[id]

	return ok, nil
}

func (s *MemoryStore) Mark(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return nil
	}

	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}

	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % s.limit

	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ids)
}
