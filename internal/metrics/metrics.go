// Package metrics keeps process-local counters for fetch runs. Counters are
// updated lock-free from the fetch loop and read through point-in-time
// snapshots for the CLI summary.
package metrics

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/errors"
)

// MetricsCollector accumulates fetch, throttle and storage counters.
type MetricsCollector struct {
	startTime time.Time

	fetches       atomic.Int64
	fetchFailures atomic.Int64
	fetchNanos    atomic.Int64
	pages         atomic.Int64
	rows          atomic.Int64
	throttleWaits atomic.Int64
	throttleNanos atomic.Int64
	rowsStored    atomic.Int64
	gaps          atomic.Int64
	missing       atomic.Int64

	mu       sync.Mutex
	failures map[errors.ErrorType]int64
}

// MetricsSnapshot is a copy of all counters at a point in time.
type MetricsSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`

	Fetches          int64         `json:"fetches"`
	FetchFailures    int64         `json:"fetch_failures"`
	FetchDuration    time.Duration `json:"fetch_duration"`
	Pages            int64         `json:"pages"`
	Rows             int64         `json:"rows"`
	ThrottleWaits    int64         `json:"throttle_waits"`
	ThrottleWaitTime time.Duration `json:"throttle_wait_time"`
	RowsStored       int64         `json:"rows_stored"`
	Gaps             int64         `json:"gaps"`
	MissingIntervals int64         `json:"missing_intervals"`

	FailuresByType map[errors.ErrorType]int64 `json:"failures_by_type,omitempty"`
	ErrorRate      float64                    `json:"error_rate"`

	SystemMetrics SystemMetrics `json:"system_metrics"`
}

// SystemMetrics represents system-level metrics
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNs      uint64 `json:"gc_pause_ns"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapInuse      uint64 `json:"heap_inuse"`
}

// NewMetricsCollector creates a collector with all counters at zero.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime: time.Now(),
		failures:  make(map[errors.ErrorType]int64),
	}
}

// RecordFetch records one completed fetch invocation.
func (mc *MetricsCollector) RecordFetch(duration time.Duration, err error) {
	mc.fetches.Add(1)
	mc.fetchNanos.Add(int64(duration))
	if err == nil {
		return
	}

	mc.fetchFailures.Add(1)
	errType := errors.GetErrorType(err)

	mc.mu.Lock()
	mc.failures[errType]++
	mc.mu.Unlock()
}

// RecordPage records one page of rows returned by a source.
func (mc *MetricsCollector) RecordPage(rows int) {
	mc.pages.Add(1)
	mc.rows.Add(int64(rows))
}

// RecordThrottleWait records time spent waiting on the rate limiter.
func (mc *MetricsCollector) RecordThrottleWait(d time.Duration) {
	mc.throttleWaits.Add(1)
	mc.throttleNanos.Add(int64(d))
}

// RecordStored records rows persisted by a storage backend.
func (mc *MetricsCollector) RecordStored(rows int) {
	mc.rowsStored.Add(int64(rows))
}

// RecordGaps records detected gaps and the intervals they cover.
func (mc *MetricsCollector) RecordGaps(gaps int, missing int64) {
	mc.gaps.Add(int64(gaps))
	mc.missing.Add(missing)
}

// GetSnapshot returns a snapshot of all current metrics
func (mc *MetricsCollector) GetSnapshot() MetricsSnapshot {
	mc.mu.Lock()
	failures := make(map[errors.ErrorType]int64, len(mc.failures))
	for k, v := range mc.failures {
		failures[k] = v
	}
	mc.mu.Unlock()

	fetches := mc.fetches.Load()
	fetchFailures := mc.fetchFailures.Load()
	var errorRate float64
	if fetches > 0 {
		errorRate = float64(fetchFailures) / float64(fetches) * 100
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MetricsSnapshot{
		Timestamp:        time.Now(),
		Uptime:           time.Since(mc.startTime),
		Fetches:          fetches,
		FetchFailures:    fetchFailures,
		FetchDuration:    time.Duration(mc.fetchNanos.Load()),
		Pages:            mc.pages.Load(),
		Rows:             mc.rows.Load(),
		ThrottleWaits:    mc.throttleWaits.Load(),
		ThrottleWaitTime: time.Duration(mc.throttleNanos.Load()),
		RowsStored:       mc.rowsStored.Load(),
		Gaps:             mc.gaps.Load(),
		MissingIntervals: mc.missing.Load(),
		FailuresByType:   failures,
		ErrorRate:        errorRate,
		SystemMetrics: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			GCPauseNs:      m.PauseTotalNs,
			HeapAlloc:      m.HeapAlloc,
			HeapInuse:      m.HeapInuse,
		},
	}
}

// LogValue renders the snapshot as a structured log group.
func (s MetricsSnapshot) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("fetches", s.Fetches),
		slog.Int64("fetch_failures", s.FetchFailures),
		slog.Duration("fetch_duration", s.FetchDuration),
		slog.Int64("pages", s.Pages),
		slog.Int64("rows", s.Rows),
		slog.Int64("throttle_waits", s.ThrottleWaits),
		slog.Duration("throttle_wait_time", s.ThrottleWaitTime),
		slog.Int64("rows_stored", s.RowsStored),
		slog.Int64("gaps", s.Gaps),
		slog.Int64("missing_intervals", s.MissingIntervals),
	}

	types := make([]string, 0, len(s.FailuresByType))
	for t := range s.FailuresByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		attrs = append(attrs, slog.Int64("failures_"+t, s.FailuresByType[errors.ErrorType(t)]))
	}
	return slog.GroupValue(attrs...)
}
