package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/dispatch"
	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
	"github.com/quarks-tech/txlog-dispatcher/pkg/formatter"
	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
	"github.com/quarks-tech/txlog-dispatcher/pkg/transport/gochan"
)

// memorySource is an append-only log kept in memory.
type memorySource []event.Record

func (s memorySource) FetchSince(_ context.Context, watermark time.Time, limit int) ([]event.Record, error) {
	var out []event.Record

	for _, r := range s {
		if len(out) == limit {
			break
		}

		if r.Timestamp.After(watermark) {
			out = append(out, r)
		}
	}

	return out, nil
}

func main() {
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Hour)

	var txlog memorySource
	for c := 1; c <= 10; c++ {
		txlog = append(txlog, event.Record{
			ID:        fmt.Sprint(c),
			Timestamp: start.Add(time.Duration(c) * time.Second),
			Category:  "CASE_UPDATED",
			Payload:   map[string]any{"case_id": c},
		})
	}

	transport := gochan.New(100)

	publisher, err := eventbus.NewPublisher(transport)
	if err != nil {
		log.Fatal(err)
	}

	f, err := formatter.New(formatter.DefaultDataType)
	if err != nil {
		log.Fatal(err)
	}

	store := tracker.NewMemoryStore()

	d, err := dispatch.New(dispatch.Config{Program: "EXAMPLE", BatchSize: 4, MaxRecords: 6}, txlog, store, f, publisher)
	if err != nil {
		log.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		report, err := d.RunCycle(ctx)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("cycle %d: fetched %d, published %d, watermark %s\n",
			report.Cycle, report.Fetched, report.Published, report.Watermark.Format(time.RFC3339))
	}

	if err = d.Close(); err != nil {
		log.Fatal(err)
	}

	for msg := range transport.Messages() {
		fmt.Printf("%s %s %s\n", msg.Meta.ID, msg.Meta.Subject, msg.Data)
	}

	p, _, _ := store.Program(ctx, "EXAMPLE")
	fmt.Printf("status %s, processed %d, last successful %s\n", p.Status, p.RecordsProcessed, p.LastSuccessfulTime.Format(time.RFC3339))
}
