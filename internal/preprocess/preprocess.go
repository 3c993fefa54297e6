// Package preprocess turns a fetched kline series into an analysis table with
// derived return, volatility and moving-average columns, optionally resampled
// to a coarser bucket and min-max normalized.
package preprocess

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
)

// DefaultWindow is the rolling window used for Volatility and MA_Close.
const DefaultWindow = 5

// Columns lists the table columns in export order.
var Columns = []string{
	"Open_Time", "Open", "High", "Low", "Close", "Volume", "Close_Time",
	"Quote_Asset_Volume", "Number_of_Trades", "Taker_Buy_Base_Volume",
	"Taker_Buy_Quote_Volume", "Return", "Volatility", "MA_Close",
}

// Record is one row of the analysis table.
type Record struct {
	OpenTime            time.Time `json:"Open_Time"`
	Open                float64   `json:"Open"`
	High                float64   `json:"High"`
	Low                 float64   `json:"Low"`
	Close               float64   `json:"Close"`
	Volume              float64   `json:"Volume"`
	CloseTime           time.Time `json:"Close_Time"`
	QuoteAssetVolume    float64   `json:"Quote_Asset_Volume"`
	NumberOfTrades      int64     `json:"Number_of_Trades"`
	TakerBuyBaseVolume  float64   `json:"Taker_Buy_Base_Volume"`
	TakerBuyQuoteVolume float64   `json:"Taker_Buy_Quote_Volume"`
	Return              float64   `json:"Return"`
	Volatility          float64   `json:"Volatility"`
	MAClose             float64   `json:"MA_Close"`
}

// Table is an analysis table for one series, ascending by open time.
type Table struct {
	Symbol      string
	Granularity string
	Records     []Record
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}

// Options configures a Preprocessor.
type Options struct {
	// Window is the rolling window length. Zero selects DefaultWindow.
	Window int

	// Resample buckets records into fixed windows aligned to the Unix epoch.
	// Zero disables resampling.
	Resample time.Duration

	// Normalize applies min-max scaling to the price and volume columns.
	Normalize bool
}

// Preprocessor builds analysis tables from fetched series.
type Preprocessor struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Preprocessor. A nil logger uses slog.Default.
func New(opts Options, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Preprocessor{opts: opts, logger: logger.With("component", "preprocess")}
}

// Process converts rows into a table, derives the feature columns, then
// applies resampling and normalization when configured.
func (p *Preprocessor) Process(result *models.SeriesResult) (*Table, error) {
	if result == nil {
		return nil, fmt.Errorf("nil series result")
	}
	if p.opts.Resample < 0 {
		return nil, fmt.Errorf("resample interval cannot be negative: %s", p.opts.Resample)
	}

	table := &Table{
		Symbol:      result.Symbol,
		Granularity: result.Granularity,
		Records:     make([]Record, len(result.Rows)),
	}
	for i := range result.Rows {
		row := &result.Rows[i]
		if i > 0 && row.OpenTime <= result.Rows[i-1].OpenTime {
			return nil, fmt.Errorf("rows are not in ascending order at index %d", i)
		}
		table.Records[i] = recordFromRow(row)
	}

	Derive(table.Records, p.opts.Window)

	if p.opts.Resample > 0 {
		table.Records = Resample(table.Records, p.opts.Resample)
	}
	if p.opts.Normalize {
		Normalize(table.Records)
	}

	p.logger.Info("series preprocessed",
		"symbol", table.Symbol,
		"granularity", table.Granularity,
		"input_rows", len(result.Rows),
		"records", len(table.Records),
		"resample", p.opts.Resample.String(),
		"normalize", p.opts.Normalize)
	return table, nil
}

func recordFromRow(row *models.Row) Record {
	return Record{
		OpenTime:            row.OpenAt(),
		Open:                row.Open.InexactFloat64(),
		High:                row.High.InexactFloat64(),
		Low:                 row.Low.InexactFloat64(),
		Close:               row.Close.InexactFloat64(),
		Volume:              row.Volume.InexactFloat64(),
		CloseTime:           row.CloseAt(),
		QuoteAssetVolume:    row.QuoteAssetVolume.InexactFloat64(),
		NumberOfTrades:      row.NumberOfTrades,
		TakerBuyBaseVolume:  row.TakerBuyBaseVolume.InexactFloat64(),
		TakerBuyQuoteVolume: row.TakerBuyQuoteVolume.InexactFloat64(),
	}
}

// Derive fills Return, Volatility and MA_Close in place.
//
// Return is the fractional change of Close from the previous record, zero for
// the first. Volatility is the sample standard deviation of Return over the
// trailing window records, and MA_Close the mean of Close over the same
// window. Partial windows at the start of the series are used as is; a
// window of one record has zero volatility.
func Derive(records []Record, window int) {
	if window <= 0 {
		window = DefaultWindow
	}
	for i := range records {
		if i == 0 || records[i-1].Close == 0 {
			records[i].Return = 0
		} else {
			records[i].Return = records[i].Close/records[i-1].Close - 1
		}

		lo := max(0, i-window+1)
		records[i].Volatility = sampleStd(records[lo:i+1], func(r Record) float64 { return r.Return })
		records[i].MAClose = mean(records[lo:i+1], func(r Record) float64 { return r.Close })
	}
}

func mean(records []Record, field func(Record) float64) float64 {
	var sum float64
	for _, r := range records {
		sum += field(r)
	}
	return sum / float64(len(records))
}

func sampleStd(records []Record, field func(Record) float64) float64 {
	n := len(records)
	if n < 2 {
		return 0
	}
	m := mean(records, field)
	var ss float64
	for _, r := range records {
		d := field(r) - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// Resample aggregates ascending records into buckets of width d aligned to
// the Unix epoch. Open is the first value, High the max, Low the min and
// Close the last; volumes, trades and Return are summed while Volatility and
// MA_Close are averaged. Buckets without records are omitted.
func Resample(records []Record, d time.Duration) []Record {
	if d < time.Millisecond || len(records) == 0 {
		return records
	}

	width := d.Milliseconds()
	var out []Record
	var count int
	for _, r := range records {
		ms := r.OpenTime.UnixMilli()
		bucket := time.UnixMilli(ms - ms%width).UTC()
		if count > 0 && out[len(out)-1].OpenTime.Equal(bucket) {
			b := &out[len(out)-1]
			b.High = math.Max(b.High, r.High)
			b.Low = math.Min(b.Low, r.Low)
			b.Close = r.Close
			b.CloseTime = r.CloseTime
			b.Volume += r.Volume
			b.QuoteAssetVolume += r.QuoteAssetVolume
			b.NumberOfTrades += r.NumberOfTrades
			b.TakerBuyBaseVolume += r.TakerBuyBaseVolume
			b.TakerBuyQuoteVolume += r.TakerBuyQuoteVolume
			b.Return += r.Return
			b.Volatility += r.Volatility
			b.MAClose += r.MAClose
			count++
			continue
		}

		if count > 0 {
			finishBucket(&out[len(out)-1], count)
		}
		r.OpenTime = bucket
		out = append(out, r)
		count = 1
	}
	finishBucket(&out[len(out)-1], count)
	return out
}

func finishBucket(b *Record, count int) {
	b.Volatility /= float64(count)
	b.MAClose /= float64(count)
}

// Normalize rescales the price and volume columns to [0, 1] in place. A
// column with a single distinct value becomes all zeros.
func Normalize(records []Record) {
	if len(records) == 0 {
		return
	}

	columns := []func(*Record) *float64{
		func(r *Record) *float64 { return &r.Open },
		func(r *Record) *float64 { return &r.High },
		func(r *Record) *float64 { return &r.Low },
		func(r *Record) *float64 { return &r.Close },
		func(r *Record) *float64 { return &r.Volume },
		func(r *Record) *float64 { return &r.QuoteAssetVolume },
		func(r *Record) *float64 { return &r.TakerBuyBaseVolume },
		func(r *Record) *float64 { return &r.TakerBuyQuoteVolume },
	}

	for _, col := range columns {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range records {
			v := *col(&records[i])
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		for i := range records {
			v := col(&records[i])
			if span == 0 {
				*v = 0
				continue
			}
			*v = (*v - lo) / span
		}
	}
}
