// Package postgres reads the transaction log table through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

const DefaultTable = "txlog_events"

var ErrInvalidLimit = errors.New("postgres: limit must be positive")

type Config struct {
	DSN string
	// Table may be schema-qualified, e.g. "spc.txlog_events".
	Table       string
	PingTimeout time.Duration
	Logger      *zap.Logger
}

type Reader struct {
	pool   *pgxpool.Pool
	query  string
	logger *zap.Logger
}

// Connect opens a pool and checks it with a ping.
func Connect(ctx context.Context, cfg Config) (*Reader, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return New(pool, cfg.Table, cfg.Logger), nil
}

func New(pool *pgxpool.Pool, table string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reader{
		pool:   pool,
		query:  buildQuery(table),
		logger: logger,
	}
}

func buildQuery(table string) string {
	if table == "" {
		table = DefaultTable
	}

	ident := pgx.Identifier(strings.Split(table, "."))

	return `
		SELECT
			id::text,
			case_id,
			event_type,
			event_data,
			event_timestamp,
			created_at
		FROM ` + ident.Sanitize() + `
		WHERE created_at > $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
}

type row struct {
	ID             string
	CaseID         *string
	EventType      *string
	EventData      []byte
	EventTimestamp *time.Time
	CreatedAt      time.Time
}

func (r *Reader) FetchSince(ctx context.Context, watermark time.Time, limit int) ([]event.Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidLimit, limit)
	}

	rows, err := r.pool.Query(ctx, r.query, watermark.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query txlog events: %w", err)
	}
	defer rows.Close()

	records := make([]event.Record, 0, limit)

	for rows.Next() {
		var rw row
		if err = rows.Scan(&rw.ID, &rw.CaseID, &rw.EventType, &rw.EventData, &rw.EventTimestamp, &rw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan txlog event: %w", err)
		}

		records = append(records, rw.toRecord())
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate txlog events: %w", err)
	}

	r.logger.Debug("fetched txlog events",
		zap.Int("count", len(records)),
		zap.Time("since", watermark),
	)

	return records, nil
}

func (r *Reader) Close() error {
	if r == nil || r.pool == nil {
		return nil
	}

	r.pool.Close()

	return nil
}

// IsRetryable reports whether a query failure is likely transient: lost or
// refused connections, timeouts, serialization conflicts and server
// shutdowns.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidLimit) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return true
		default:
			return false
		}
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || isConnectError(err)
}

func isConnectError(err error) bool {
	var connErr *pgconn.ConnectError

	return errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded)
}
