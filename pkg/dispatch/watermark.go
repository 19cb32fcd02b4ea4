package dispatch

import (
	"time"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

// safeWatermark returns the watermark after the first confirmed records of
// an ascending fetch were delivered. fetched may end with records that were
// never published, such as the lookahead record past the page limit. The
// result is the latest confirmed timestamp strictly below the first record
// that is not confirmed, so a record sharing that timestamp is fetched
// again. It never goes below current.
func safeWatermark(current time.Time, fetched []event.Record, confirmed int) time.Time {
	if confirmed <= 0 || len(fetched) == 0 {
		return current
	}

	confirmed = min(confirmed, len(fetched))

	var (
		boundary time.Time
		bounded  bool
	)

	if confirmed < len(fetched) {
		boundary, bounded = fetched[confirmed].Timestamp, true
	}

	for i := confirmed - 1; i >= 0; i-- {
		ts := fetched[i].Timestamp
		if bounded && !ts.Before(boundary) {
			continue
		}

		if ts.After(current) {
			return ts
		}

		break
	}

	return current
}
