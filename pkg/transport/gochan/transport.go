// Package gochan is an in-process transport backed by a Go channel. It is
// used for local runs and tests; delivery is acknowledged once the message
// is buffered.
package gochan

import (
	"context"
	"errors"
	"sync"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

const (
	defaultChanDepth = 20
)

var (
	ErrNilContext  = errors.New("gochan: nil Context")
	ErrNilMetadata = errors.New("gochan: nil Metadata")
	ErrClosed      = errors.New("gochan: transport closed")
)

type Message struct {
	Meta *event.Metadata
	Data []byte
}

type Transport struct {
	mu     sync.RWMutex
	closed bool
	sender sender
	ch     chan Message
}

// New returns a transport buffering up to depth messages. A depth of zero
// or less uses the default.
func New(depth int) *Transport {
	if depth <= 0 {
		depth = defaultChanDepth
	}

	ch := make(chan Message, depth)

	return &Transport{
		sender: ch,
		ch:     ch,
	}
}

func (t *Transport) Send(ctx context.Context, meta *event.Metadata, data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}

	return t.sender.Send(ctx, meta, data)
}

// Messages is closed after Close.
func (t *Transport) Messages() <-chan Message {
	return t.ch
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.ch)
	}

	return nil
}
