package models

import (
	"fmt"
	"time"
)

// Gap is a run of missing sampling intervals between two consecutive rows of a series.
type Gap struct {
	Symbol      string `json:"symbol"`
	Granularity string `json:"granularity"`

	// After is the open time (epoch ms) of the last row before the gap.
	After int64 `json:"after"`

	// Before is the open time (epoch ms) of the first row after the gap.
	Before int64 `json:"before"`

	// Missing is the number of intervals absent between After and Before.
	Missing int64 `json:"missing"`
}

// Duration returns the wall-clock span of the missing interval.
func (g Gap) Duration() time.Duration {
	return time.Duration(g.Before-g.After) * time.Millisecond
}

// String renders the gap for logs.
func (g Gap) String() string {
	return fmt.Sprintf("%s %s: %d missing between %s and %s",
		g.Symbol, g.Granularity, g.Missing,
		time.UnixMilli(g.After).UTC().Format(time.RFC3339),
		time.UnixMilli(g.Before).UTC().Format(time.RFC3339))
}
