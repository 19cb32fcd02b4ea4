// Package pebblestore keeps program bookkeeping in an embedded pebble
// database, one JSON value per program.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	jsoniter "github.com/json-iterator/go"

	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

const keyPrefix = "program/"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCorrupt marks a stored value that cannot be decoded.
var ErrCorrupt = errors.New("pebblestore: corrupt program record")

type options struct {
	fs  vfs.FS
	now func() time.Time
}

type Option func(o *options)

// WithFS replaces the on-disk filesystem, e.g. with vfs.NewMem().
func WithFS(fs vfs.FS) Option {
	return func(o *options) {
		o.fs = fs
	}
}

type Store struct {
	// mu serializes read-modify-write cycles on a program key.
	mu  sync.Mutex
	db  *pebble.DB
	now func() time.Time
}

func Open(dir string, opts ...Option) (*Store, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	pebbleOpts := &pebble.Options{}
	if o.fs != nil {
		pebbleOpts.FS = o.fs
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", dir, err)
	}

	return &Store{db: db, now: o.now}, nil
}

type record struct {
	Name               string     `json:"name"`
	LastSuccessfulTime *time.Time `json:"last_successful_time,omitempty"`
	LastRunTime        *time.Time `json:"last_run_time,omitempty"`
	Status             string     `json:"status"`
	RecordsProcessed   int64      `json:"records_processed"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	LastRunID          string     `json:"last_run_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func keyFor(name string) []byte {
	return []byte(keyPrefix + name)
}

func (s *Store) get(name string) (tracker.Program, bool, error) {
	val, closer, err := s.db.Get(keyFor(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return tracker.Program{}, false, nil
	}

	if err != nil {
		return tracker.Program{}, false, err
	}
	defer closer.Close()

	var r record
	if err = json.Unmarshal(val, &r); err != nil {
		return tracker.Program{}, false, fmt.Errorf("%w: decode %q: %w", ErrCorrupt, name, err)
	}

	return r.toProgram(), true, nil
}

func (s *Store) put(p tracker.Program) error {
	val, err := json.Marshal(fromProgram(p))
	if err != nil {
		return err
	}

	return s.db.Set(keyFor(p.Name), val, pebble.Sync)
}

func (s *Store) Watermark(_ context.Context, name string) (time.Time, bool, error) {
	p, ok, err := s.get(name)
	if err != nil || !ok || p.LastSuccessfulTime.IsZero() {
		return time.Time{}, false, err
	}

	return p.LastSuccessfulTime, true, nil
}

func (s *Store) SetWatermark(_ context.Context, name string, run tracker.Run) error {
	if name == "" {
		return tracker.ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	p, ok, err := s.get(name)
	if err != nil {
		return err
	}

	if !ok {
		p = tracker.NewProgram(name, now)
	}

	if tracker.Applied(p, run) {
		return nil
	}

	if err = s.put(tracker.Apply(p, run, now)); err != nil {
		return fmt.Errorf("write run of %q: %w", name, err)
	}

	return nil
}

func (s *Store) Ensure(_ context.Context, name string) error {
	if name == "" {
		return tracker.ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.get(name)
	if err != nil || ok {
		return err
	}

	return s.put(tracker.NewProgram(name, s.now().UTC()))
}

func (s *Store) Program(_ context.Context, name string) (tracker.Program, bool, error) {
	return s.get(name)
}

// IsRetryable treats a corrupt value as final.
func IsRetryable(err error) bool {
	return tracker.IsRetryable(err) && !errors.Is(err, ErrCorrupt)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (r record) toProgram() tracker.Program {
	p := tracker.Program{
		Name:             r.Name,
		Status:           tracker.Status(r.Status),
		RecordsProcessed: r.RecordsProcessed,
		ErrorMessage:     r.ErrorMessage,
		LastRunID:        r.LastRunID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}

	if r.LastSuccessfulTime != nil {
		p.LastSuccessfulTime = *r.LastSuccessfulTime
	}

	if r.LastRunTime != nil {
		p.LastRunTime = *r.LastRunTime
	}

	return p
}

func fromProgram(p tracker.Program) record {
	r := record{
		Name:             p.Name,
		Status:           string(p.Status),
		RecordsProcessed: p.RecordsProcessed,
		ErrorMessage:     p.ErrorMessage,
		LastRunID:        p.LastRunID,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}

	if !p.LastSuccessfulTime.IsZero() {
		t := p.LastSuccessfulTime
		r.LastSuccessfulTime = &t
	}

	if !p.LastRunTime.IsZero() {
		t := p.LastRunTime
		r.LastRunTime = &t
	}

	return r
}
