package tracker

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps programs in process memory. Nothing survives a restart;
// it backs local runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	programs map[string]Program
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs: make(map[string]Program),
		now:      time.Now,
	}
}

func (s *MemoryStore) Watermark(_ context.Context, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.programs[name]
	if !ok || p.LastSuccessfulTime.IsZero() {
		return time.Time{}, false, nil
	}

	return p.LastSuccessfulTime, true, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, name string, run Run) error {
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	p, ok := s.programs[name]
	if !ok {
		p = NewProgram(name, now)
	}

	s.programs[name] = Apply(p, run, now)

	return nil
}

func (s *MemoryStore) Ensure(_ context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.programs[name]; !ok {
		s.programs[name] = NewProgram(name, s.now().UTC())
	}

	return nil
}

func (s *MemoryStore) Program(_ context.Context, name string) (Program, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.programs[name]

	return p, ok, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
