// Package gaps reports missing sampling intervals in fetched kline series.
// A gap is a warning, usually an exchange outage, and never fails a fetch.
package gaps

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/johnayoung/go-kline-collector/internal/storage"
)

// ErrCalendarGranularity is returned for granularities without a fixed step,
// such as calendar months.
var ErrCalendarGranularity = stderrors.New("granularity has no fixed step")

// StepFor returns the fixed spacing between open times for a granularity
// such as "1m", "4h", "1d" or "1w".
func StepFor(granularity string) (time.Duration, error) {
	if len(granularity) < 2 {
		return 0, fmt.Errorf("invalid granularity format: %q", granularity)
	}

	unit := granularity[len(granularity)-1:]
	value, err := strconv.Atoi(granularity[:len(granularity)-1])
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid granularity value: %q", granularity)
	}

	switch unit {
	case "s":
		return time.Duration(value) * time.Second, nil
	case "m":
		return time.Duration(value) * time.Minute, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "w":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case "M":
		return 0, ErrCalendarGranularity
	default:
		return 0, fmt.Errorf("unsupported granularity unit in %q", granularity)
	}
}

// Detector finds gaps between consecutive rows.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a detector. A nil logger uses slog.Default.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger.With("component", "gap_detector")}
}

// Detect returns the gaps in rows, which must be in ascending open-time order.
func (d *Detector) Detect(symbol, granularity string, rows []models.Row) ([]models.Gap, error) {
	step, err := StepFor(granularity)
	if err != nil {
		return nil, err
	}
	stepMs := step.Milliseconds()

	var gaps []models.Gap
	for i := 1; i < len(rows); i++ {
		prev, next := rows[i-1].OpenTime, rows[i].OpenTime
		if next <= prev {
			return nil, fmt.Errorf("rows are not in ascending order at index %d", i)
		}

		delta := next - prev
		if delta <= stepMs {
			continue
		}
		gaps = append(gaps, models.Gap{
			Symbol:      symbol,
			Granularity: granularity,
			After:       prev,
			Before:      next,
			Missing:     delta/stepMs - 1 + boolToInt(delta%stepMs != 0),
		})
	}
	return gaps, nil
}

// Report detects and logs the gaps of a fetched series. Detection problems
// are logged and yield no gaps.
func (d *Detector) Report(ctx context.Context, result *models.SeriesResult) []models.Gap {
	if result == nil || len(result.Rows) < 2 {
		return nil
	}

	gaps, err := d.Detect(result.Symbol, result.Granularity, result.Rows)
	if stderrors.Is(err, ErrCalendarGranularity) {
		d.logger.Debug("skipping gap detection", "symbol", result.Symbol, "granularity", result.Granularity)
		return nil
	}
	if err != nil {
		d.logger.Warn("gap detection failed",
			"symbol", result.Symbol,
			"granularity", result.Granularity,
			"error", err)
		return nil
	}

	var missing int64
	for _, gap := range gaps {
		missing += gap.Missing
		d.logger.Debug("gap detected", "gap", gap.String(), "duration", gap.Duration())
	}
	if len(gaps) > 0 {
		d.logger.Warn("series has gaps",
			"symbol", result.Symbol,
			"granularity", result.Granularity,
			"gaps", len(gaps),
			"missing_intervals", missing)
	}
	return gaps
}

// DetectStored scans stored rows of a series in [from, to) for gaps.
func (d *Detector) DetectStored(ctx context.Context, reader storage.SeriesReader, symbol, granularity string, from, to time.Time) ([]models.Gap, error) {
	resp, err := reader.Query(ctx, storage.QueryRequest{
		Symbol:      symbol,
		Granularity: granularity,
		From:        from,
		To:          to,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stored rows: %w", err)
	}

	gaps, err := d.Detect(symbol, granularity, resp.Rows)
	if err != nil {
		return nil, err
	}

	d.logger.Info("stored series scanned",
		"symbol", symbol,
		"granularity", granularity,
		"rows", len(resp.Rows),
		"gaps_found", len(gaps))
	return gaps, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
