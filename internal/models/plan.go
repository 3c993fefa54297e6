package models

import (
	"fmt"
	"time"
)

// PlanKind selects the termination policy of a fetch.
type PlanKind string

const (
	// PlanCount stops after the newest N rows have been collected.
	PlanCount PlanKind = "count"
	// PlanSince stops once the fetched history reaches back past a start boundary.
	PlanSince PlanKind = "since"
)

// FetchPlan is the termination policy for one fetch invocation.
type FetchPlan struct {
	Kind PlanKind `json:"kind"`

	// Count is the number of newest rows to return for PlanCount.
	Count int `json:"count,omitempty"`

	// StartBoundary is the inclusive oldest open time (epoch ms) for PlanSince.
	StartBoundary int64 `json:"start_boundary,omitempty"`
}

// CountPlan returns a plan that collects exactly the newest n available rows.
func CountPlan(n int) FetchPlan {
	return FetchPlan{Kind: PlanCount, Count: n}
}

// SincePlan returns a plan that collects every row with open time at or after start.
func SincePlan(start time.Time) FetchPlan {
	return FetchPlan{Kind: PlanSince, StartBoundary: start.UnixMilli()}
}

// SinceMillisPlan is SincePlan for a boundary already expressed in epoch milliseconds.
func SinceMillisPlan(startMillis int64) FetchPlan {
	return FetchPlan{Kind: PlanSince, StartBoundary: startMillis}
}

// Validate checks that the plan is well formed.
func (p FetchPlan) Validate() error {
	switch p.Kind {
	case PlanCount:
		if p.Count <= 0 {
			return &ValidationError{Field: "count", Message: "count-bounded plan requires a positive row count"}
		}
	case PlanSince:
		if p.StartBoundary < 0 {
			return &ValidationError{Field: "start_boundary", Message: "start boundary cannot be negative"}
		}
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown plan kind %q", p.Kind)}
	}
	return nil
}

// Satisfied reports whether the fetch loop may stop, given the number of rows
// collected so far and the oldest open time seen.
func (p FetchPlan) Satisfied(collected int, oldest int64) bool {
	switch p.Kind {
	case PlanCount:
		return collected >= p.Count
	case PlanSince:
		return collected > 0 && oldest < p.StartBoundary
	}
	return true
}

// String renders the plan for logs.
func (p FetchPlan) String() string {
	switch p.Kind {
	case PlanCount:
		return fmt.Sprintf("newest %d rows", p.Count)
	case PlanSince:
		return "since " + time.UnixMilli(p.StartBoundary).UTC().Format(time.RFC3339)
	}
	return string(p.Kind)
}

// Window is the request descriptor for a single page.
type Window struct {
	// Symbol is the source-specific identifier, already resolved.
	Symbol string `json:"symbol"`

	// Granularity is passed through to the source unchanged (e.g. "1h", "1d").
	Granularity string `json:"granularity"`

	// Limit is the maximum number of rows requested for this page.
	Limit int `json:"limit"`

	// EndBoundary is the inclusive upper open time bound in epoch ms.
	// Nil requests the most recent page.
	EndBoundary *int64 `json:"end_boundary,omitempty"`
}

// HasEnd reports whether the window is bounded above.
func (w Window) HasEnd() bool {
	return w.EndBoundary != nil
}

// SeriesResult is the assembled output of one fetch invocation.
type SeriesResult struct {
	Symbol       string    `json:"symbol"`
	SourceSymbol string    `json:"source_symbol"`
	Granularity  string    `json:"granularity"`
	Plan         FetchPlan `json:"plan"`
	Rows         []Row     `json:"rows"`
	Pages        int       `json:"pages"`
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Len returns the number of rows in the result.
func (s *SeriesResult) Len() int {
	return len(s.Rows)
}

// First returns the oldest row, or nil for an empty result.
func (s *SeriesResult) First() *Row {
	if len(s.Rows) == 0 {
		return nil
	}
	return &s.Rows[0]
}

// Last returns the newest row, or nil for an empty result.
func (s *SeriesResult) Last() *Row {
	if len(s.Rows) == 0 {
		return nil
	}
	return &s.Rows[len(s.Rows)-1]
}
