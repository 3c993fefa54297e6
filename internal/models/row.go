// Package models provides the data structures shared by the kline fetcher and its
// downstream collaborators: rows, page windows, fetch plans and assembled series.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RowFieldCount is the number of positional fields in one raw kline tuple:
// open time, open, high, low, close, volume, close time, quote asset volume,
// number of trades, taker buy base volume, taker buy quote volume, ignore.
const RowFieldCount = 12

// Row is one sampled observation of a source series.
// OpenTime is the natural primary key of a row within a series.
type Row struct {
	OpenTime            int64           `json:"open_time" db:"open_time"`
	Open                decimal.Decimal `json:"open" db:"open"`
	High                decimal.Decimal `json:"high" db:"high"`
	Low                 decimal.Decimal `json:"low" db:"low"`
	Close               decimal.Decimal `json:"close" db:"close"`
	Volume              decimal.Decimal `json:"volume" db:"volume"`
	CloseTime           int64           `json:"close_time" db:"close_time"`
	QuoteAssetVolume    decimal.Decimal `json:"quote_asset_volume" db:"quote_asset_volume"`
	NumberOfTrades      int64           `json:"number_of_trades" db:"number_of_trades"`
	TakerBuyBaseVolume  decimal.Decimal `json:"taker_buy_base_volume" db:"taker_buy_base_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume" db:"taker_buy_quote_volume"`
}

// ValidationError represents a row validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the row for internally consistent values: positive open time,
// close time not before open time, non-negative prices and volumes, and
// high/low bounding open and close.
func (r *Row) Validate() error {
	if r.OpenTime <= 0 {
		return &ValidationError{Field: "open_time", Message: "open time must be a positive epoch millisecond value"}
	}
	if r.CloseTime != 0 && r.CloseTime < r.OpenTime {
		return &ValidationError{Field: "close_time", Message: "close time cannot precede open time"}
	}

	zero := decimal.Zero
	prices := []struct {
		field string
		value decimal.Decimal
	}{
		{"open", r.Open},
		{"high", r.High},
		{"low", r.Low},
		{"close", r.Close},
	}
	for _, p := range prices {
		if p.value.LessThan(zero) {
			return &ValidationError{Field: p.field, Message: p.field + " price cannot be negative"}
		}
	}

	if r.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume cannot be negative"}
	}
	if r.NumberOfTrades < 0 {
		return &ValidationError{Field: "number_of_trades", Message: "number of trades cannot be negative"}
	}

	if r.High.LessThan(decimal.Max(r.Open, r.Close)) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close)", r.High),
		}
	}
	if r.Low.GreaterThan(decimal.Min(r.Open, r.Close)) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close)", r.Low),
		}
	}

	return nil
}

// OpenAt returns the row open time as a UTC time.
func (r *Row) OpenAt() time.Time {
	return time.UnixMilli(r.OpenTime).UTC()
}

// CloseAt returns the row close time as a UTC time.
func (r *Row) CloseAt() time.Time {
	return time.UnixMilli(r.CloseTime).UTC()
}
