package source

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	// Coinbase Advanced Trade API base URL
	coinbaseBaseURL = "https://api.coinbase.com"

	// Public market data endpoint, no authentication required
	coinbaseCandlesEndpoint = "/api/v3/brokerage/market/products/%s/candles"

	// CoinbaseMaxPageSize is the candle limit per request.
	CoinbaseMaxPageSize = 300
)

// coinbaseHistoryFloor precedes the first Coinbase Exchange candles.
var coinbaseHistoryFloor = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

type coinbaseGranularity struct {
	name string
	step time.Duration
}

var coinbaseGranularities = map[string]coinbaseGranularity{
	"1m":  {"ONE_MINUTE", time.Minute},
	"5m":  {"FIVE_MINUTE", 5 * time.Minute},
	"15m": {"FIFTEEN_MINUTE", 15 * time.Minute},
	"30m": {"THIRTY_MINUTE", 30 * time.Minute},
	"1h":  {"ONE_HOUR", time.Hour},
	"2h":  {"TWO_HOUR", 2 * time.Hour},
	"6h":  {"SIX_HOUR", 6 * time.Hour},
	"1d":  {"ONE_DAY", 24 * time.Hour},
}

// CoinbaseSource reads candles from the Coinbase Advanced Trade API. Coinbase
// pages by time range, so each window is converted into a start/end range
// covering at most Limit candles ending at the window's boundary.
type CoinbaseSource struct {
	*settings
	now func() time.Time
}

// NewCoinbaseSource creates a Coinbase source.
func NewCoinbaseSource(opts ...Option) *CoinbaseSource {
	s := newSettings(coinbaseBaseURL, opts)
	if s.historyFloor.IsZero() {
		s.historyFloor = coinbaseHistoryFloor
	}
	return &CoinbaseSource{settings: s, now: time.Now}
}

// Name implements Source.
func (c *CoinbaseSource) Name() string { return TypeCoinbase }

// MaxPageSize implements Source.
func (c *CoinbaseSource) MaxPageSize() int { return CoinbaseMaxPageSize }

// ValidateGranularity rejects granularities Coinbase does not offer.
func (c *CoinbaseSource) ValidateGranularity(granularity string) error {
	if _, ok := coinbaseGranularities[granularity]; !ok {
		return errors.Configurationf("validate_granularity", "", "unsupported coinbase granularity %q", granularity)
	}
	return nil
}

// FetchPage implements Source.
//
// An empty range only means Coinbase has no candles there, usually an outage.
// FetchPage keeps stepping back one full range at a time until candles
// appear, the history floor is passed or maxEmptyWindows ranges came back
// empty, so an empty page still means history is exhausted.
func (c *CoinbaseSource) FetchPage(ctx context.Context, w models.Window) ([]models.Row, error) {
	gran, ok := coinbaseGranularities[w.Granularity]
	if !ok {
		return nil, errors.Configurationf("fetch_page", w.Symbol, "unsupported coinbase granularity %q", w.Granularity)
	}

	limit := clampLimit(w.Limit, CoinbaseMaxPageSize)
	requested := limit
	floor := c.historyFloor.Unix()
	start, end := c.timeRange(w, gran.step)

	for empty := 0; ; {
		if end < floor {
			c.logger.Debug("coinbase range before history floor",
				"product", w.Symbol,
				"end", end,
				"floor", floor)
			return nil, nil
		}

		if empty > 0 {
			if err := c.throttle.Wait(ctx); err != nil {
				return nil, errors.Canceled("fetch_page", err)
			}
		}

		rows, err := c.fetchRange(ctx, w.Symbol, gran, start, end, requested)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return newest(rows, limit), nil
		}

		empty++
		if empty >= c.maxEmptyWindows {
			c.logger.Debug("coinbase history exhausted",
				"product", w.Symbol,
				"granularity", gran.name,
				"empty_ranges", empty)
			return nil, nil
		}

		// step back over the whole empty range with a full-size one
		end = start - 1
		start = end - CoinbaseMaxPageSize*int64(gran.step/time.Second) + 1
		requested = CoinbaseMaxPageSize
		c.logger.Debug("coinbase range empty, stepping back",
			"product", w.Symbol,
			"empty_ranges", empty,
			"next_end", end)
	}
}

func (c *CoinbaseSource) fetchRange(ctx context.Context, product string, gran coinbaseGranularity, start, end int64, limit int) ([]models.Row, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(start, 10))
	params.Set("end", strconv.FormatInt(end, 10))
	params.Set("granularity", gran.name)
	params.Set("limit", strconv.Itoa(limit))

	requestURL := fmt.Sprintf(c.baseURL+coinbaseCandlesEndpoint, url.PathEscape(product))
	body, err := c.get(ctx, TypeCoinbase, "fetch_page", requestURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	rows, err := ParseCoinbaseCandles(body, gran.step)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched coinbase page",
		"product", product,
		"granularity", gran.name,
		"start", start,
		"end", end,
		"rows", len(rows))
	return rows, nil
}

// newest keeps the limit most recent rows, in ascending order when trimmed.
func newest(rows []models.Row, limit int) []models.Row {
	if len(rows) <= limit {
		return rows
	}
	sorted := make([]models.Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })
	return sorted[len(sorted)-limit:]
}

// timeRange returns the inclusive [start, end] range in unix seconds that
// holds at most Limit candle starts, ending at the window boundary.
func (c *CoinbaseSource) timeRange(w models.Window, step time.Duration) (int64, int64) {
	var end int64
	if w.HasEnd() {
		end = floorDiv(*w.EndBoundary, 1000)
	} else {
		end = c.now().Unix()
	}
	span := int64(clampLimit(w.Limit, CoinbaseMaxPageSize)) * int64(step/time.Second)
	return end - span + 1, end
}

// ParseCoinbaseCandles decodes a candles response. Fields Coinbase omits from
// its candles (quote volume, trade counts, taker volumes) are left zero.
func ParseCoinbaseCandles(body []byte, step time.Duration) ([]models.Row, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.SourceRequestFailed(TypeCoinbase, "parse_page", errMalformedPayload)
	}

	candles := gjson.GetBytes(body, "candles")
	if !candles.IsArray() {
		return nil, errors.SchemaMismatchf(TypeCoinbase, "parse_page", "response has no candles array")
	}

	items := candles.Array()
	rows := make([]models.Row, 0, len(items))
	for i, candle := range items {
		row, err := parseCoinbaseCandle(candle, step)
		if err != nil {
			return nil, errors.SchemaMismatchf(TypeCoinbase, "parse_page", "candle %d: %v", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCoinbaseCandle(candle gjson.Result, step time.Duration) (models.Row, error) {
	if !candle.IsObject() {
		return models.Row{}, fmt.Errorf("candle is %s, not an object", candle.Type)
	}

	startField := candle.Get("start")
	if !startField.Exists() {
		return models.Row{}, fmt.Errorf("missing start")
	}
	startSec, err := strconv.ParseInt(startField.String(), 10, 64)
	if err != nil {
		return models.Row{}, fmt.Errorf("start: %v", err)
	}

	values := make(map[string]decimal.Decimal, 5)
	for _, name := range []string{"open", "high", "low", "close", "volume"} {
		field := candle.Get(name)
		if !field.Exists() {
			return models.Row{}, fmt.Errorf("missing %s", name)
		}
		d, err := decimal.NewFromString(field.String())
		if err != nil {
			return models.Row{}, fmt.Errorf("%s: %v", name, err)
		}
		values[name] = d
	}

	openTime := startSec * 1000
	return models.Row{
		OpenTime:  openTime,
		Open:      values["open"],
		High:      values["high"],
		Low:       values["low"],
		Close:     values["close"],
		Volume:    values["volume"],
		CloseTime: openTime + step.Milliseconds() - 1,
	}, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
