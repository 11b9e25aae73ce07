// Package source defines the contract every ingest adapter honors: it
// produces raw rows with a natural key into a sink that lands them in the
// adapter's staging table.
package source

import (
	"context"
	"time"
)

// MaxFailureRatio is the share of unparseable rows above which a run fails.
const MaxFailureRatio = 0.5

// RawRow is one source record. NaturalKey holds the source-unique key
// fields in a fixed order; Payload holds the source-native fields.
type RawRow struct {
	NaturalKey []string
	Payload    map[string]any
}

// Sink receives rows in the order the source returns them.
type Sink interface {
	Write(ctx context.Context, row RawRow) error
	// RowFailed counts a row that could not be parsed.
	RowFailed(reason string)
}

type Adapter interface {
	Name() string
	// SourceID is the stable id of the adapter's row in sofia.sources.
	SourceID() int
	// StagingTable is the qualified name of the landing table.
	StagingTable() string
	// Timeout is the wall-clock budget for one Collect call.
	Timeout() time.Duration
	Collect(ctx context.Context, sink Sink) error
}

// Stats summarizes a run's row accounting.
type Stats struct {
	Seen       int64
	Inserted   int64
	Duplicates int64
	Failed     int64
}

// FailureRateExceeded reports whether failed rows exceed MaxFailureRatio of
// rows seen.
func (s Stats) FailureRateExceeded() bool {
	if s.Seen == 0 {
		return false
	}
	return float64(s.Failed) > MaxFailureRatio*float64(s.Seen)
}
