package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/johnayoung/go-kline-collector/internal/config"
	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hourMs      = int64(3600 * 1000)
	baseOpenMs  = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	validTuple  = `[1704067200000,"42000.10","42500.00","41800.55","42300.00","120.5",1704070799999,"5090000.12",3100,"60.2","2545000.1","0"]`
	secondTuple = `[1704070800000,"42300.00","42600.00","42200.00","42550.00","98.1",1704074399999,"4170000.00",2800,"49.0","2084000.0","0"]`
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, exists := responses[r.URL.Path]; exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))
}

type recordingObserver struct {
	mu      sync.Mutex
	headers []http.Header
}

func (o *recordingObserver) Observe(h http.Header) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headers = append(o.headers, h.Clone())
}

func endAt(ms int64) *int64 { return &ms }

func TestNew(t *testing.T) {
	cfg := config.DefaultConfig().Source

	for _, kind := range []string{TypeBinance, TypeBinanceSDK, TypeCoinbase} {
		cfg.Type = kind
		src, err := New(cfg, WithLogger(createTestLogger()))
		require.NoError(t, err)
		assert.Equal(t, kind, src.Name())
	}

	cfg.Type = "kraken"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestBinanceSource_FetchPage(t *testing.T) {
	var gotQuery map[string]string
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		binanceKlinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
			gotQuery = map[string]string{}
			for k := range r.URL.Query() {
				gotQuery[k] = r.URL.Query().Get(k)
			}
			w.Header().Set("X-MBX-USED-WEIGHT-1M", "12")
			fmt.Fprintf(w, "[%s,%s]", validTuple, secondTuple)
		},
	})
	defer server.Close()

	observer := &recordingObserver{}
	src := NewBinanceSource(WithBaseURL(server.URL), WithHeaderObserver(observer), WithLogger(createTestLogger()))

	rows, err := src.FetchPage(context.Background(), models.Window{
		Symbol:      "BTCUSDT",
		Granularity: "1h",
		Limit:       2,
		EndBoundary: endAt(baseOpenMs + 2*hourMs - 1),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "BTCUSDT", gotQuery["symbol"])
	assert.Equal(t, "1h", gotQuery["interval"])
	assert.Equal(t, "2", gotQuery["limit"])
	assert.Equal(t, fmt.Sprint(baseOpenMs+2*hourMs-1), gotQuery["endTime"])

	first := rows[0]
	assert.Equal(t, baseOpenMs, first.OpenTime)
	assert.True(t, decimal.RequireFromString("42000.10").Equal(first.Open))
	assert.True(t, decimal.RequireFromString("41800.55").Equal(first.Low))
	assert.Equal(t, int64(1704070799999), first.CloseTime)
	assert.Equal(t, int64(3100), first.NumberOfTrades)
	assert.True(t, decimal.RequireFromString("2545000.1").Equal(first.TakerBuyQuoteVolume))

	require.Len(t, observer.headers, 1)
	assert.Equal(t, "12", observer.headers[0].Get("X-MBX-USED-WEIGHT-1M"))
}

func TestBinanceSource_OmitsEndTimeAndClampsLimit(t *testing.T) {
	var query string
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		binanceKlinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.RawQuery
			fmt.Fprint(w, "[]")
		},
	})
	defer server.Close()

	src := NewBinanceSource(WithBaseURL(server.URL), WithLogger(createTestLogger()))
	rows, err := src.FetchPage(context.Background(), models.Window{Symbol: "ETHUSDT", Granularity: "1d", Limit: 5000})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotContains(t, query, "endTime")
	assert.Contains(t, query, "limit=1000")
}

func TestBinanceSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, errors.ErrSourceRequestFailed},
		{"bad symbol", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, errors.ErrSourceRequestFailed},
		{"server error", http.StatusInternalServerError, `oops`, errors.ErrSourceRequestFailed},
		{"malformed json", http.StatusOK, `[[1704067200000,"1"`, errors.ErrSourceRequestFailed},
		{"object instead of array", http.StatusOK, `{"data":[]}`, errors.ErrSchemaMismatch},
		{"short tuple", http.StatusOK, `[[1704067200000,"1","2","0.5","1.5","10",1704070799999,"15",3,"5","7"]]`, errors.ErrSchemaMismatch},
		{"long tuple", http.StatusOK, `[[1704067200000,"1","2","0.5","1.5","10",1704070799999,"15",3,"5","7","0","extra"]]`, errors.ErrSchemaMismatch},
		{"non-numeric price", http.StatusOK, `[[1704067200000,"abc","2","0.5","1.5","10",1704070799999,"15",3,"5","7","0"]]`, errors.ErrSchemaMismatch},
		{"string open time", http.StatusOK, `[["1704067200000","1","2","0.5","1.5","10",1704070799999,"15",3,"5","7","0"]]`, errors.ErrSchemaMismatch},
		{"tuple is object", http.StatusOK, `[{"open":"1"}]`, errors.ErrSchemaMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
				binanceKlinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					fmt.Fprint(w, tt.body)
				},
			})
			defer server.Close()

			src := NewBinanceSource(WithBaseURL(server.URL), WithLogger(createTestLogger()))
			rows, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 10})
			require.Error(t, err)
			assert.Nil(t, rows)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestBinanceSource_StatusCodeCarried(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		binanceKlinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTeapot)
		},
	})
	defer server.Close()

	observer := &recordingObserver{}
	src := NewBinanceSource(WithBaseURL(server.URL), WithHeaderObserver(observer), WithLogger(createTestLogger()))
	_, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 10})

	var fe *errors.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusTeapot, fe.StatusCode)
	assert.True(t, fe.Retryable)
	require.Len(t, observer.headers, 1, "headers observed even on failure")
	assert.Equal(t, "3", observer.headers[0].Get("Retry-After"))
}

func TestBinanceSource_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	src := NewBinanceSource(WithBaseURL(url), WithLogger(createTestLogger()))
	_, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 10})
	assert.ErrorIs(t, err, errors.ErrSourceRequestFailed)
}

func TestBinanceSource_Canceled(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		binanceKlinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		},
	})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	src := NewBinanceSource(WithBaseURL(server.URL), WithLogger(createTestLogger()))
	_, err := src.FetchPage(ctx, models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 10})
	assert.ErrorIs(t, err, errors.ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBinanceSource_ValidateGranularity(t *testing.T) {
	src := NewBinanceSource()
	assert.NoError(t, src.ValidateGranularity("1h"))
	assert.NoError(t, src.ValidateGranularity("1M"))
	assert.ErrorIs(t, src.ValidateGranularity("7m"), errors.ErrConfiguration)
	assert.ErrorIs(t, src.ValidateGranularity("1H"), errors.ErrConfiguration)
}

// fakeKlinesClient records the last request and replays canned klines.
type fakeKlinesClient struct {
	klines []*binance.Kline
	err    error

	symbol   string
	interval string
	limit    int
	endTime  *int64
}

func (f *fakeKlinesClient) NewKlinesService() KlinesService {
	f.endTime = nil
	return &fakeKlinesService{client: f}
}

type fakeKlinesService struct {
	client *fakeKlinesClient
}

func (s *fakeKlinesService) Symbol(symbol string) KlinesService {
	s.client.symbol = symbol
	return s
}

func (s *fakeKlinesService) Interval(interval string) KlinesService {
	s.client.interval = interval
	return s
}

func (s *fakeKlinesService) Limit(limit int) KlinesService {
	s.client.limit = limit
	return s
}

func (s *fakeKlinesService) EndTime(endTime int64) KlinesService {
	s.client.endTime = &endTime
	return s
}

func (s *fakeKlinesService) Do(ctx context.Context) ([]*binance.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.client.klines, s.client.err
}

func sdkKline(openTime int64, open string) *binance.Kline {
	return &binance.Kline{
		OpenTime:                 openTime,
		Open:                     open,
		High:                     "2",
		Low:                      "0.5",
		Close:                    "1.5",
		Volume:                   "10",
		CloseTime:                openTime + hourMs - 1,
		QuoteAssetVolume:         "15",
		TradeNum:                 7,
		TakerBuyBaseAssetVolume:  "4",
		TakerBuyQuoteAssetVolume: "6",
	}
}

func TestBinanceSDKSource_FetchPage(t *testing.T) {
	client := &fakeKlinesClient{klines: []*binance.Kline{sdkKline(baseOpenMs, "1"), sdkKline(baseOpenMs+hourMs, "1.5")}}
	src := NewBinanceSDKSourceWithClient(client, WithLogger(createTestLogger()))

	rows, err := src.FetchPage(context.Background(), models.Window{
		Symbol:      "BTCUSDT",
		Granularity: "1h",
		Limit:       2,
		EndBoundary: endAt(baseOpenMs + 2*hourMs),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "BTCUSDT", client.symbol)
	assert.Equal(t, "1h", client.interval)
	assert.Equal(t, 2, client.limit)
	require.NotNil(t, client.endTime)
	assert.Equal(t, baseOpenMs+2*hourMs, *client.endTime)

	assert.Equal(t, baseOpenMs+hourMs, rows[1].OpenTime)
	assert.Equal(t, int64(7), rows[1].NumberOfTrades)
	assert.True(t, decimal.RequireFromString("1.5").Equal(rows[1].Open))
	assert.Equal(t, TypeBinanceSDK, src.Name())
	assert.Equal(t, BinanceMaxPageSize, src.MaxPageSize())
}

func TestBinanceSDKSource_NoEndBoundary(t *testing.T) {
	client := &fakeKlinesClient{}
	src := NewBinanceSDKSourceWithClient(client, WithLogger(createTestLogger()))

	rows, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1d"})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Nil(t, client.endTime)
	assert.Equal(t, BinanceMaxPageSize, client.limit)
}

func TestBinanceSDKSource_Errors(t *testing.T) {
	t.Run("request failure", func(t *testing.T) {
		src := NewBinanceSDKSourceWithClient(&fakeKlinesClient{err: stderrors.New("<APIError> code=-1121, msg=Invalid symbol.")})
		_, err := src.FetchPage(context.Background(), models.Window{Symbol: "NOPE", Granularity: "1h", Limit: 1})
		assert.ErrorIs(t, err, errors.ErrSourceRequestFailed)
	})

	t.Run("unparsable decimal", func(t *testing.T) {
		src := NewBinanceSDKSourceWithClient(&fakeKlinesClient{klines: []*binance.Kline{sdkKline(baseOpenMs, "NaN?")}})
		_, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 1})
		assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	})

	t.Run("nil kline", func(t *testing.T) {
		src := NewBinanceSDKSourceWithClient(&fakeKlinesClient{klines: []*binance.Kline{nil}})
		_, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 1})
		assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := NewBinanceSDKSourceWithClient(&fakeKlinesClient{})
		_, err := src.FetchPage(ctx, models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 1})
		assert.ErrorIs(t, err, errors.ErrCanceled)
	})
}

func TestBinanceSDKSource_AgainstServer(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		binanceKlinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			fmt.Fprintf(w, "[%s]", validTuple)
		},
	})
	defer server.Close()

	src := NewBinanceSDKSource(WithBaseURL(server.URL), WithLogger(createTestLogger()))
	rows, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTCUSDT", Granularity: "1h", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, baseOpenMs, rows[0].OpenTime)
}

func coinbaseCandleJSON(startSec int64, open string) string {
	return fmt.Sprintf(`{"start":"%d","low":"0.5","high":"2","open":"%s","close":"1.5","volume":"10"}`, startSec, open)
}

func TestCoinbaseSource_FetchPage(t *testing.T) {
	var got map[string]string
	var gotPath string
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/brokerage/market/products/BTC-USD/candles": func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			got = map[string]string{}
			for k := range r.URL.Query() {
				got[k] = r.URL.Query().Get(k)
			}
			// newest first, as Coinbase returns them
			fmt.Fprintf(w, `{"candles":[%s,%s]}`,
				coinbaseCandleJSON(baseOpenMs/1000+3600, "1.5"),
				coinbaseCandleJSON(baseOpenMs/1000, "1"))
		},
	})
	defer server.Close()

	src := NewCoinbaseSource(WithBaseURL(server.URL), WithLogger(createTestLogger()))
	rows, err := src.FetchPage(context.Background(), models.Window{
		Symbol:      "BTC-USD",
		Granularity: "1h",
		Limit:       2,
		EndBoundary: endAt(baseOpenMs + 2*hourMs - 1),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "/api/v3/brokerage/market/products/BTC-USD/candles", gotPath)
	assert.Equal(t, "ONE_HOUR", got["granularity"])
	end := (baseOpenMs + 2*hourMs - 1) / 1000
	assert.Equal(t, fmt.Sprint(end), got["end"])
	assert.Equal(t, fmt.Sprint(end-2*3600+1), got["start"])
	assert.Equal(t, "2", got["limit"])

	assert.Equal(t, baseOpenMs+hourMs, rows[0].OpenTime)
	assert.Equal(t, baseOpenMs+2*hourMs-1, rows[0].CloseTime)
	assert.Equal(t, baseOpenMs, rows[1].OpenTime)
	assert.True(t, rows[1].QuoteAssetVolume.IsZero())
}

func TestCoinbaseSource_NoEndUsesClock(t *testing.T) {
	var got string
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/brokerage/market/products/ETH-USD/candles": func(w http.ResponseWriter, r *http.Request) {
			got = r.URL.Query().Get("end")
			fmt.Fprint(w, `{"candles":[]}`)
		},
	})
	defer server.Close()

	src := NewCoinbaseSource(WithBaseURL(server.URL), WithLogger(createTestLogger()), WithMaxEmptyWindows(1))
	src.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	rows, err := src.FetchPage(context.Background(), models.Window{Symbol: "ETH-USD", Granularity: "1d", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, "1700000000", got)
}

func TestCoinbaseSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"UNAUTHORIZED"}`, errors.ErrSourceRequestFailed},
		{"not json", http.StatusOK, `<html>`, errors.ErrSourceRequestFailed},
		{"missing candles", http.StatusOK, `{"products":[]}`, errors.ErrSchemaMismatch},
		{"missing close", http.StatusOK, `{"candles":[{"start":"1704067200","low":"1","high":"2","open":"1","volume":"3"}]}`, errors.ErrSchemaMismatch},
		{"bad start", http.StatusOK, `{"candles":[{"start":"yesterday","low":"1","high":"2","open":"1","close":"1","volume":"3"}]}`, errors.ErrSchemaMismatch},
		{"candle not object", http.StatusOK, `{"candles":[[1,2,3]]}`, errors.ErrSchemaMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
				"/api/v3/brokerage/market/products/BTC-USD/candles": func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					fmt.Fprint(w, tt.body)
				},
			})
			defer server.Close()

			src := NewCoinbaseSource(WithBaseURL(server.URL), WithLogger(createTestLogger()))
			_, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTC-USD", Granularity: "1h", Limit: 10})
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestCoinbaseSource_Granularity(t *testing.T) {
	src := NewCoinbaseSource(WithLogger(createTestLogger()))
	assert.NoError(t, src.ValidateGranularity("6h"))
	assert.ErrorIs(t, src.ValidateGranularity("4h"), errors.ErrConfiguration)

	_, err := src.FetchPage(context.Background(), models.Window{Symbol: "BTC-USD", Granularity: "1w", Limit: 1})
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.Equal(t, CoinbaseMaxPageSize, src.MaxPageSize())
}

func TestParseCoinbaseCandles_NumericStart(t *testing.T) {
	rows, err := ParseCoinbaseCandles([]byte(`{"candles":[{"start":1704067200,"low":"1","high":"2","open":"1","close":"1.5","volume":"3"}]}`), time.Minute)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, baseOpenMs, rows[0].OpenTime)
	assert.Equal(t, baseOpenMs+59_999, rows[0].CloseTime)
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(1), floorDiv(1999, 1000))
	assert.Equal(t, int64(-1), floorDiv(-1, 1000))
	assert.Equal(t, int64(-2), floorDiv(-1001, 1000))
	assert.Equal(t, int64(2), floorDiv(2000, 1000))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1000, clampLimit(0, 1000))
	assert.Equal(t, 1000, clampLimit(5000, 1000))
	assert.Equal(t, 42, clampLimit(42, 1000))
	assert.True(t, strings.HasPrefix(userAgent, "go-kline-collector"))
}
