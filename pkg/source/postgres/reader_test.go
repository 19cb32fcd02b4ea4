package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	q := buildQuery("")
	assert.Contains(t, q, `FROM "txlog_events"`)
	assert.Contains(t, q, "WHERE created_at > $1")
	assert.Contains(t, q, "ORDER BY created_at ASC, id ASC")
	assert.Contains(t, q, "LIMIT $2")

	q = buildQuery(`spc.TXLOG_EVENTS`)
	assert.Contains(t, q, `FROM "spc"."TXLOG_EVENTS"`)

	q = buildQuery(`evil"; DROP TABLE x; --`)
	assert.False(t, strings.Contains(q, `evil";`))
}

func TestRowToRecord(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 8, 1, 12, 0, 0, 123000, time.FixedZone("X", 3600))
	eventTS := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	caseID := "C-9"
	eventType := "CASE_UPDATED"

	rec := row{
		ID:             "100",
		CaseID:         &caseID,
		EventType:      &eventType,
		EventData:      []byte(`{"status":"open"}`),
		EventTimestamp: &eventTS,
		CreatedAt:      created,
	}.toRecord()

	assert.Equal(t, "100", rec.ID)
	assert.Equal(t, "CASE_UPDATED", rec.Category)
	assert.True(t, rec.Timestamp.Equal(created))
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.Equal(t, jsoniter.RawMessage(`{"status":"open"}`), rec.Payload)
	assert.Equal(t, map[string]any{
		AttrCaseID:         "C-9",
		AttrEventTimestamp: "2024-08-01T10:00:00Z",
	}, rec.Attributes)
}

func TestRowToRecord_NullsAndText(t *testing.T) {
	t.Parallel()

	rec := row{ID: "1", EventData: []byte("plain text")}.toRecord()
	assert.Equal(t, "plain text", rec.Payload)
	assert.Empty(t, rec.Category)
	assert.Nil(t, rec.Attributes)

	rec = row{ID: "2"}.toRecord()
	assert.Nil(t, rec.Payload)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil"},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "serialization", err: fmt.Errorf("query: %w", &pgconn.PgError{Code: "40001"}), want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled},
		{name: "invalid limit", err: ErrInvalidLimit},
		{name: "unknown", err: errors.New("boom")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFetchSince_InvalidLimit(t *testing.T) {
	t.Parallel()

	r := New(nil, "", nil)

	_, err := r.FetchSince(context.Background(), time.Time{}, 0)
	require.ErrorIs(t, err, ErrInvalidLimit)
}

func TestClose_Nil(t *testing.T) {
	t.Parallel()

	var r *Reader
	assert.NoError(t, r.Close())
	assert.NoError(t, New(nil, "", nil).Close())
}
