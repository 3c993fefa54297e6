package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	binanceBaseURL        = "https://api.binance.com"
	binanceKlinesEndpoint = "/api/v3/klines"

	// BinanceMaxPageSize is the documented row limit of the klines endpoint.
	BinanceMaxPageSize = 1000
)

var errMalformedPayload = stderrors.New("response body is not valid JSON")

var binanceIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// BinanceSource reads klines from the public REST endpoint and decodes the
// positional tuples directly, so a change in tuple width is caught.
type BinanceSource struct {
	*settings
}

// NewBinanceSource creates a Binance REST source.
func NewBinanceSource(opts ...Option) *BinanceSource {
	return &BinanceSource{settings: newSettings(binanceBaseURL, opts)}
}

// Name implements Source.
func (b *BinanceSource) Name() string { return TypeBinance }

// MaxPageSize implements Source.
func (b *BinanceSource) MaxPageSize() int { return BinanceMaxPageSize }

// ValidateGranularity rejects intervals the klines endpoint does not accept.
func (b *BinanceSource) ValidateGranularity(granularity string) error {
	return validateBinanceInterval(granularity)
}

// FetchPage implements Source.
func (b *BinanceSource) FetchPage(ctx context.Context, w models.Window) ([]models.Row, error) {
	params := url.Values{}
	params.Set("symbol", w.Symbol)
	params.Set("interval", w.Granularity)
	params.Set("limit", strconv.Itoa(clampLimit(w.Limit, BinanceMaxPageSize)))
	if w.HasEnd() {
		params.Set("endTime", strconv.FormatInt(*w.EndBoundary, 10))
	}

	body, err := b.get(ctx, TypeBinance, "fetch_page", b.baseURL+binanceKlinesEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	rows, err := ParseBinanceKlines(body)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("fetched binance page",
		"symbol", w.Symbol,
		"interval", w.Granularity,
		"rows", len(rows))
	return rows, nil
}

// ParseBinanceKlines decodes a klines response body. Every tuple must carry
// exactly models.RowFieldCount elements.
func ParseBinanceKlines(body []byte) ([]models.Row, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.SourceRequestFailed(TypeBinance, "parse_page", errMalformedPayload)
	}

	result := gjson.ParseBytes(body)
	if !result.IsArray() {
		return nil, errors.SchemaMismatchf(TypeBinance, "parse_page", "expected an array of kline tuples, got %s", result.Type)
	}

	tuples := result.Array()
	rows := make([]models.Row, 0, len(tuples))
	for i, tuple := range tuples {
		row, err := parseBinanceTuple(tuple)
		if err != nil {
			return nil, errors.SchemaMismatchf(TypeBinance, "parse_page", "tuple %d: %v", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseBinanceTuple(tuple gjson.Result) (models.Row, error) {
	if !tuple.IsArray() {
		return models.Row{}, fmt.Errorf("tuple is %s, not an array", tuple.Type)
	}
	fields := tuple.Array()
	if len(fields) != models.RowFieldCount {
		return models.Row{}, fmt.Errorf("has %d fields, want %d", len(fields), models.RowFieldCount)
	}

	p := fieldParser{fields: fields}
	row := models.Row{
		OpenTime:            p.int64At(0, "open_time"),
		Open:                p.decimalAt(1, "open"),
		High:                p.decimalAt(2, "high"),
		Low:                 p.decimalAt(3, "low"),
		Close:               p.decimalAt(4, "close"),
		Volume:              p.decimalAt(5, "volume"),
		CloseTime:           p.int64At(6, "close_time"),
		QuoteAssetVolume:    p.decimalAt(7, "quote_asset_volume"),
		NumberOfTrades:      p.int64At(8, "number_of_trades"),
		TakerBuyBaseVolume:  p.decimalAt(9, "taker_buy_base_volume"),
		TakerBuyQuoteVolume: p.decimalAt(10, "taker_buy_quote_volume"),
	}
	return row, p.err
}

// fieldParser records the first conversion failure and zero-fills the rest.
type fieldParser struct {
	fields []gjson.Result
	err    error
}

func (p *fieldParser) int64At(i int, name string) int64 {
	if p.err != nil {
		return 0
	}
	f := p.fields[i]
	if f.Type != gjson.Number {
		p.err = fmt.Errorf("%s is %s, want number", name, f.Type)
		return 0
	}
	n, err := strconv.ParseInt(f.Raw, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %v", name, err)
		return 0
	}
	return n
}

func (p *fieldParser) decimalAt(i int, name string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	f := p.fields[i]
	if f.Type != gjson.String && f.Type != gjson.Number {
		p.err = fmt.Errorf("%s is %s, want numeric string", name, f.Type)
		return decimal.Zero
	}
	d, err := decimal.NewFromString(f.String())
	if err != nil {
		p.err = fmt.Errorf("%s: %v", name, err)
		return decimal.Zero
	}
	return d
}

func validateBinanceInterval(granularity string) error {
	if !binanceIntervals[granularity] {
		return errors.Configurationf("validate_granularity", "", "unsupported binance interval %q", granularity)
	}
	return nil
}
