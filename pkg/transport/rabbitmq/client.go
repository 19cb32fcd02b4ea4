package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrNacked         = errors.New("rabbitmq: message nacked by broker")
	ErrConfirmTimeout = errors.New("rabbitmq: confirmation timed out")
	ErrClientClosed   = errors.New("rabbitmq: client closed")
	ErrNoConfirmation = errors.New("rabbitmq: channel returned no confirmation")
)

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type channel interface {
	Confirm(noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	IsClosed() bool
	Close() error
}

type connection interface {
	channel() (channel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}

	if dc == nil {
		return nil, ErrNoConfirmation
	}

	return dc, nil
}

func dialAMQP(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	return amqpConnection{conn}, nil
}

// Client owns one connection and one confirm-mode channel. Both are
// re-established lazily after the broker closes them.
type Client struct {
	config *Config
	logger *zap.Logger

	// mu serializes dialing with Close.
	mu   sync.Mutex
	conn connection
	ch   channel

	stateMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Dial connects, enables publisher confirms and declares the topology.
// A broker that is unreachable within the dial timeout fails the call.
func Dial(config *Config) (*Client, error) {
	c := NewClient(config)

	c.mu.Lock()
	_, err := c.channelLocked()
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	return c, nil
}

// NewClient returns a client that connects on first publish.
func NewClient(config *Config) *Client {
	config.complete()

	return &Client{
		config: config,
		logger: config.Logger,
	}
}

// Publish sends msg and blocks until the broker confirms it, the confirm
// timeout elapses or ctx is done.
func (c *Client) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (err error) {
	if !c.acquire() {
		return ErrClientClosed
	}
	defer c.inflight.Done()

	if c.config.Limiter != nil {
		var done func(error)

		if done, err = c.config.Limiter.Allow(); err != nil {
			return err
		}

		defer func() { done(err) }()
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}

	conf, err := ch.publish(ctx, exchange, key, msg)
	if err != nil {
		c.invalidate(ch, err)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()

	acked, err := conf.WaitContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		return fmt.Errorf("%w after %s", ErrConfirmTimeout, c.config.ConfirmTimeout)
	}

	if !acked {
		return ErrNacked
	}

	return nil
}

func (c *Client) acquire() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.closed {
		return false
	}

	c.inflight.Add(1)

	return true
}

func (c *Client) channel() (channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channelLocked()
}

func (c *Client) channelLocked() (channel, error) {
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	if c.conn == nil || c.conn.IsClosed() {
		if c.conn != nil {
			c.logger.Warn("rabbitmq connection lost, reconnecting")
		}

		conn, err := c.config.dialer(c.config.URL, c.config.AMQP)
		if err != nil {
			return nil, err
		}

		c.conn = conn
	}

	ch, err := c.conn.channel()
	if err != nil {
		return nil, err
	}

	if err = ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	if c.config.DeclareTopology {
		if err = declareTopology(ch, c.config.Stream, c.config.Subject); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	c.ch = ch

	c.logger.Info("rabbitmq channel ready",
		zap.String("stream", c.config.Stream),
		zap.String("subject", c.config.Subject),
	)

	return ch, nil
}

// invalidate drops ch after a channel-level failure so the next publish
// opens a fresh one.
func (c *Client) invalidate(ch channel, err error) {
	if !isBadConnErr(err) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == ch {
		_ = ch.Close()
		c.ch = nil
	}
}

func declareTopology(ch channel, stream, subject string) error {
	if err := ch.ExchangeDeclare(stream, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %q: %w", stream, err)
	}

	if _, err := ch.QueueDeclare(stream, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %q: %w", stream, err)
	}

	if err := ch.QueueBind(stream, subject, stream, false, nil); err != nil {
		return fmt.Errorf("binding queue %q to %q: %w", stream, subject, err)
	}

	return nil
}

// Close waits for in-flight publishes and their confirmations, then closes
// the channel and the connection. A dial in progress finishes first. Close
// is idempotent and safe on a nil or never-connected client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.stateMu.Unlock()

	c.inflight.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}

		c.ch = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}

		c.conn = nil
	}

	return errors.Join(errs...)
}

func isBadConnErr(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsRetryable classifies publish errors: broken connections, nacks, confirm
// timeouts and an open circuit are worth another attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrClientClosed), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrNacked), errors.Is(err, ErrConfirmTimeout), errors.Is(err, ErrNoConfirmation):
		return true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed, amqp.NotImplemented, amqp.FrameError, amqp.SyntaxError:
			return false
		}

		return true
	}

	return isBadConnErr(err)
}
