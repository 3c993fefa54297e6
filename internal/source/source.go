// Package source implements paged kline sources.
//
// A source fetches exactly one page per call: up to Window.Limit rows whose
// open time is at or before Window.EndBoundary, or the most recent rows when
// no boundary is set. An empty page means history is exhausted. Sources that
// page by time range step over empty ranges themselves, paced by the throttle
// given with WithThrottle. Sources never retry; retries are the caller's.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/config"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/johnayoung/go-kline-collector/internal/throttle"
)

const (
	TypeBinance    = "binance"
	TypeBinanceSDK = "binance-sdk"
	TypeCoinbase   = "coinbase"

	userAgent      = "go-kline-collector/1.0"
	requestTimeout = 30 * time.Second

	// DefaultMaxEmptyWindows is how many consecutive empty time ranges a
	// range-paged source requests before reporting history as exhausted.
	DefaultMaxEmptyWindows = 24
)

// Source is a paged kline API.
type Source interface {
	Name() string
	MaxPageSize() int
	FetchPage(ctx context.Context, w models.Window) ([]models.Row, error)
}

type settings struct {
	baseURL    string
	httpClient *http.Client
	observer   throttle.HeaderObserver
	logger     *slog.Logger

	throttle        throttle.Throttle
	maxEmptyWindows int
	historyFloor    time.Time
}

// Option configures a source.
type Option func(*settings)

// WithBaseURL points the source at another host, typically a test server.
func WithBaseURL(u string) Option {
	return func(s *settings) { s.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithHeaderObserver reports every response's headers to o.
func WithHeaderObserver(o throttle.HeaderObserver) Option {
	return func(s *settings) { s.observer = o }
}

// WithThrottle paces the extra requests a range-paged source makes while
// stepping over empty ranges.
func WithThrottle(t throttle.Throttle) Option {
	return func(s *settings) { s.throttle = t }
}

// WithMaxEmptyWindows sets how many consecutive empty ranges are requested
// before history counts as exhausted. Values below 1 keep the default.
func WithMaxEmptyWindows(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxEmptyWindows = n
		}
	}
}

// WithHistoryFloor stops range stepping at t. Zero keeps the source default.
func WithHistoryFloor(t time.Time) Option {
	return func(s *settings) {
		if !t.IsZero() {
			s.historyFloor = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func newSettings(defaultBaseURL string, opts []Option) *settings {
	s := &settings{baseURL: defaultBaseURL, maxEmptyWindows: DefaultMaxEmptyWindows}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseURL == "" {
		s.baseURL = defaultBaseURL
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.throttle == nil {
		s.throttle = throttle.Nop{}
	}
	return s
}

// New builds the source selected by cfg.
func New(cfg config.SourceConfig, opts ...Option) (Source, error) {
	all := append([]Option{
		WithBaseURL(cfg.BaseURL),
		WithHTTPClient(&http.Client{Timeout: cfg.TimeoutDuration()}),
		WithMaxEmptyWindows(cfg.MaxEmptyWindows),
		WithHistoryFloor(cfg.HistoryStartTime()),
	}, opts...)

	switch cfg.Type {
	case TypeBinance:
		return NewBinanceSource(all...), nil
	case TypeBinanceSDK:
		return NewBinanceSDKSource(all...), nil
	case TypeCoinbase:
		return NewCoinbaseSource(all...), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Type)
	}
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
