package source

import (
	"context"
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/shopspring/decimal"
)

// KlinesService is the subset of the go-binance klines builder the SDK source uses.
type KlinesService interface {
	Symbol(symbol string) KlinesService
	Interval(interval string) KlinesService
	Limit(limit int) KlinesService
	EndTime(endTime int64) KlinesService
	Do(ctx context.Context) ([]*binance.Kline, error)
}

// KlinesClient creates klines requests.
type KlinesClient interface {
	NewKlinesService() KlinesService
}

type sdkClient struct {
	client *binance.Client
}

func (c sdkClient) NewKlinesService() KlinesService {
	return sdkKlinesService{svc: c.client.NewKlinesService()}
}

type sdkKlinesService struct {
	svc *binance.KlinesService
}

func (s sdkKlinesService) Symbol(symbol string) KlinesService {
	return sdkKlinesService{svc: s.svc.Symbol(symbol)}
}

func (s sdkKlinesService) Interval(interval string) KlinesService {
	return sdkKlinesService{svc: s.svc.Interval(interval)}
}

func (s sdkKlinesService) Limit(limit int) KlinesService {
	return sdkKlinesService{svc: s.svc.Limit(limit)}
}

func (s sdkKlinesService) EndTime(endTime int64) KlinesService {
	return sdkKlinesService{svc: s.svc.EndTime(endTime)}
}

func (s sdkKlinesService) Do(ctx context.Context) ([]*binance.Kline, error) {
	return s.svc.Do(ctx)
}

// BinanceSDKSource fetches klines through github.com/adshao/go-binance/v2.
// The SDK decodes tuples itself, so only field conversion failures surface
// as schema mismatches here.
type BinanceSDKSource struct {
	*settings
	client KlinesClient
}

// NewBinanceSDKSource creates a source backed by an anonymous go-binance client.
func NewBinanceSDKSource(opts ...Option) *BinanceSDKSource {
	s := newSettings(binanceBaseURL, opts)

	client := binance.NewClient("", "")
	client.BaseURL = s.baseURL
	client.HTTPClient = s.httpClient

	return &BinanceSDKSource{settings: s, client: sdkClient{client: client}}
}

// NewBinanceSDKSourceWithClient wires an existing klines client, typically a test double.
func NewBinanceSDKSourceWithClient(client KlinesClient, opts ...Option) *BinanceSDKSource {
	return &BinanceSDKSource{settings: newSettings(binanceBaseURL, opts), client: client}
}

// Name implements Source.
func (b *BinanceSDKSource) Name() string { return TypeBinanceSDK }

// MaxPageSize implements Source.
func (b *BinanceSDKSource) MaxPageSize() int { return BinanceMaxPageSize }

// ValidateGranularity rejects intervals the klines endpoint does not accept.
func (b *BinanceSDKSource) ValidateGranularity(granularity string) error {
	return validateBinanceInterval(granularity)
}

// FetchPage implements Source.
func (b *BinanceSDKSource) FetchPage(ctx context.Context, w models.Window) ([]models.Row, error) {
	svc := b.client.NewKlinesService().
		Symbol(w.Symbol).
		Interval(w.Granularity).
		Limit(clampLimit(w.Limit, BinanceMaxPageSize))
	if w.HasEnd() {
		svc = svc.EndTime(*w.EndBoundary)
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Canceled("fetch_page", ctx.Err())
		}
		return nil, errors.SourceRequestFailed(TypeBinanceSDK, "fetch_page", err)
	}

	rows := make([]models.Row, 0, len(klines))
	for i, k := range klines {
		row, err := convertKline(k)
		if err != nil {
			return nil, errors.SchemaMismatchf(TypeBinanceSDK, "parse_page", "kline %d: %v", i, err)
		}
		rows = append(rows, row)
	}

	b.logger.Debug("fetched binance page via sdk",
		"symbol", w.Symbol,
		"interval", w.Granularity,
		"rows", len(rows))
	return rows, nil
}

func convertKline(k *binance.Kline) (models.Row, error) {
	if k == nil {
		return models.Row{}, fmt.Errorf("nil kline")
	}

	var firstErr error
	parse := func(name, value string) decimal.Decimal {
		if firstErr != nil {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
		return d
	}

	row := models.Row{
		OpenTime:            k.OpenTime,
		Open:                parse("open", k.Open),
		High:                parse("high", k.High),
		Low:                 parse("low", k.Low),
		Close:               parse("close", k.Close),
		Volume:              parse("volume", k.Volume),
		CloseTime:           k.CloseTime,
		QuoteAssetVolume:    parse("quote_asset_volume", k.QuoteAssetVolume),
		NumberOfTrades:      k.TradeNum,
		TakerBuyBaseVolume:  parse("taker_buy_base_volume", k.TakerBuyBaseAssetVolume),
		TakerBuyQuoteVolume: parse("taker_buy_quote_volume", k.TakerBuyQuoteAssetVolume),
	}
	return row, firstErr
}
