package preprocess

import (
	"math"
	"testing"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func seriesWithCloses(step time.Duration, closes ...float64) *models.SeriesResult {
	rows := make([]models.Row, len(closes))
	for i, c := range closes {
		open := base.Add(time.Duration(i) * step)
		price := decimal.NewFromFloat(c)
		rows[i] = models.Row{
			OpenTime:            open.UnixMilli(),
			Open:                price,
			High:                price.Add(decimal.NewFromInt(1)),
			Low:                 price.Sub(decimal.NewFromInt(1)),
			Close:               price,
			Volume:              decimal.NewFromInt(int64(10 * (i + 1))),
			CloseTime:           open.Add(step).UnixMilli() - 1,
			QuoteAssetVolume:    decimal.NewFromInt(100),
			NumberOfTrades:      int64(i + 1),
			TakerBuyBaseVolume:  decimal.NewFromInt(5),
			TakerBuyQuoteVolume: decimal.NewFromInt(50),
		}
	}
	return &models.SeriesResult{Symbol: "BTCUSDT", Granularity: "1h", Rows: rows}
}

func TestPreprocessor_DerivedColumns(t *testing.T) {
	p := New(Options{}, nil)

	table, err := p.Process(seriesWithCloses(time.Hour, 100, 110, 99, 99, 108.9, 120))
	require.NoError(t, err)
	require.Equal(t, 6, table.Len())
	assert.Equal(t, "BTCUSDT", table.Symbol)

	wantReturns := []float64{0, 0.1, -0.1, 0, 0.1, 120/108.9 - 1}
	for i, want := range wantReturns {
		assert.InDelta(t, want, table.Records[i].Return, 1e-9, "return %d", i)
	}

	assert.Zero(t, table.Records[0].Volatility)
	// std of {0, 0.1} with ddof 1
	assert.InDelta(t, math.Sqrt(0.005), table.Records[1].Volatility, 1e-9)

	assert.InDelta(t, 100.0, table.Records[0].MAClose, 1e-9)
	assert.InDelta(t, 105.0, table.Records[1].MAClose, 1e-9)
	assert.InDelta(t, (100+110+99+99+108.9)/5, table.Records[4].MAClose, 1e-9)
	assert.InDelta(t, (110+99+99+108.9+120)/5, table.Records[5].MAClose, 1e-9)

	assert.Equal(t, base, table.Records[0].OpenTime)
	assert.Equal(t, int64(3), table.Records[2].NumberOfTrades)
}

func TestPreprocessor_SingleRow(t *testing.T) {
	table, err := New(Options{}, nil).Process(seriesWithCloses(time.Hour, 42))
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())
	assert.Zero(t, table.Records[0].Return)
	assert.Zero(t, table.Records[0].Volatility)
	assert.InDelta(t, 42.0, table.Records[0].MAClose, 1e-9)
}

func TestPreprocessor_EmptySeries(t *testing.T) {
	table, err := New(Options{Resample: time.Hour, Normalize: true}, nil).Process(&models.SeriesResult{Symbol: "X", Granularity: "1h"})
	require.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestPreprocessor_Rejects(t *testing.T) {
	_, err := New(Options{}, nil).Process(nil)
	assert.Error(t, err)

	_, err = New(Options{Resample: -time.Hour}, nil).Process(seriesWithCloses(time.Hour, 1, 2))
	assert.Error(t, err)

	result := seriesWithCloses(time.Hour, 1, 2)
	result.Rows[0], result.Rows[1] = result.Rows[1], result.Rows[0]
	_, err = New(Options{}, nil).Process(result)
	assert.Error(t, err)
}

func TestResample(t *testing.T) {
	result := seriesWithCloses(30*time.Minute, 100, 104, 102, 106, 101)
	// drop 02:00 so its bucket is empty
	result.Rows = append(result.Rows[:4], seriesWithCloses(30*time.Minute, 0, 0, 0, 0, 0, 0, 101).Rows[6])

	table, err := New(Options{Resample: time.Hour}, nil).Process(result)
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())

	first := table.Records[0]
	assert.Equal(t, base, first.OpenTime)
	assert.InDelta(t, 100.0, first.Open, 1e-9)
	assert.InDelta(t, 105.0, first.High, 1e-9)
	assert.InDelta(t, 99.0, first.Low, 1e-9)
	assert.InDelta(t, 104.0, first.Close, 1e-9)
	assert.InDelta(t, 30.0, first.Volume, 1e-9)
	assert.Equal(t, int64(3), first.NumberOfTrades)
	assert.InDelta(t, 0.04, first.Return, 1e-9)
	assert.InDelta(t, 101.0, first.MAClose, 1e-9)

	second := table.Records[1]
	assert.Equal(t, base.Add(time.Hour), second.OpenTime)
	assert.InDelta(t, 102.0, second.Open, 1e-9)
	assert.InDelta(t, 106.0, second.Close, 1e-9)
	assert.Equal(t, base.Add(2*time.Hour).UnixMilli()-1, second.CloseTime.UnixMilli())

	assert.Equal(t, base.Add(3*time.Hour), table.Records[2].OpenTime)
}

func TestResample_Disabled(t *testing.T) {
	records := []Record{{OpenTime: base}, {OpenTime: base.Add(time.Minute)}}
	assert.Equal(t, records, Resample(records, 0))
}

func TestNormalize(t *testing.T) {
	table, err := New(Options{Normalize: true}, nil).Process(seriesWithCloses(time.Hour, 100, 150, 200))
	require.NoError(t, err)

	closes := []float64{table.Records[0].Close, table.Records[1].Close, table.Records[2].Close}
	assert.InDeltaSlice(t, []float64{0, 0.5, 1}, closes, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0.5, 1},
		[]float64{table.Records[0].Volume, table.Records[1].Volume, table.Records[2].Volume}, 1e-9)

	// constant columns collapse to zero
	for _, r := range table.Records {
		assert.Zero(t, r.QuoteAssetVolume)
	}

	// derived columns are computed before scaling and left untouched
	assert.InDelta(t, 0.5, table.Records[1].Return, 1e-9)
	assert.Equal(t, int64(2), table.Records[1].NumberOfTrades)
}

func TestDerive_Window(t *testing.T) {
	records := []Record{{Close: 10}, {Close: 20}, {Close: 30}, {Close: 40}}
	Derive(records, 2)

	assert.InDelta(t, 10.0, records[0].MAClose, 1e-9)
	assert.InDelta(t, 15.0, records[1].MAClose, 1e-9)
	assert.InDelta(t, 35.0, records[3].MAClose, 1e-9)
	assert.InDelta(t, 1.0/3, records[3].Return, 1e-9)
}
