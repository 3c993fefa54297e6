// Package fetcher assembles a complete kline series from a paged source.
//
// A fetch walks backward in time: the first page is the most recent one, and
// every following page ends one millisecond before the oldest row seen so far.
// Pages are therefore disjoint by construction. The loop stops when the plan is
// satisfied or the source returns an empty page, then the rows are trimmed to
// the plan and returned in ascending open-time order.
//
// A fetch is all or nothing: any failure discards the rows collected so far.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/johnayoung/go-kline-collector/internal/throttle"
)

// PageSource is a paged kline API.
type PageSource interface {
	Name() string
	MaxPageSize() int
	FetchPage(ctx context.Context, w models.Window) ([]models.Row, error)
}

// GranularityValidator is implemented by sources that can reject an
// unsupported granularity before any request is made.
type GranularityValidator interface {
	ValidateGranularity(granularity string) error
}

// SymbolResolver maps a human-readable symbol to the source identifier.
type SymbolResolver interface {
	Resolve(symbol string) (string, error)
}

// PageEvent describes one fetched page.
type PageEvent struct {
	Symbol      string
	Granularity string
	Page        int    // 1-based
	Rows        int    // rows in this page
	Collected   int    // rows collected so far, this page included
	EndBoundary *int64 // nil for the first page
	Oldest      int64  // open time of the oldest row in the page
}

// Options tunes a Fetcher. Zero values select defaults.
type Options struct {
	// PageSize caps the rows requested per page; the source maximum applies when
	// it is zero or larger.
	PageSize int

	// Throttle is waited on before every page request. Defaults to Nop.
	Throttle throttle.Throttle

	Logger *slog.Logger

	// OnPage is called after each non-empty page.
	OnPage func(PageEvent)

	// OnWait is called after each throttle wait with the time spent waiting.
	OnWait func(time.Duration)
}

// Fetcher is the windowed series fetcher. It holds no per-fetch state and is
// safe for concurrent use when its source and throttle are.
type Fetcher struct {
	source   PageSource
	symbols  SymbolResolver
	throttle throttle.Throttle
	pageSize int
	logger   *slog.Logger
	onPage   func(PageEvent)
	onWait   func(time.Duration)
}

// New creates a Fetcher over source, resolving symbols through symbols.
func New(source PageSource, symbols SymbolResolver, opts Options) *Fetcher {
	f := &Fetcher{
		source:   source,
		symbols:  symbols,
		throttle: opts.Throttle,
		pageSize: opts.PageSize,
		logger:   opts.Logger,
		onPage:   opts.OnPage,
		onWait:   opts.OnWait,
	}
	if f.throttle == nil {
		f.throttle = throttle.Nop{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// SourceName returns the name of the underlying source.
func (f *Fetcher) SourceName() string {
	return f.source.Name()
}

// MaxPageSize is the smaller of the configured page size and the source maximum.
func (f *Fetcher) MaxPageSize() int {
	limit := f.source.MaxPageSize()
	if f.pageSize > 0 && f.pageSize < limit {
		return f.pageSize
	}
	return limit
}

// Fetch retrieves the series for symbol at granularity under plan.
//
// Errors are *errors.FetchError values: configuration problems fail before any
// request, source failures are SourceRequestFailed, rows that break the page
// contract are SchemaMismatch and a done ctx yields Canceled.
func (f *Fetcher) Fetch(ctx context.Context, symbol, granularity string, plan models.FetchPlan) (*models.SeriesResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, errors.Configuration("validate_plan", symbol, err)
	}
	if granularity == "" {
		return nil, errors.Configurationf("validate_granularity", symbol, "granularity is empty")
	}

	sourceSymbol, err := f.resolve(symbol)
	if err != nil {
		return nil, err
	}

	if v, ok := f.source.(GranularityValidator); ok {
		if err := v.ValidateGranularity(granularity); err != nil {
			if errors.GetErrorType(err) == errors.ErrorTypeConfiguration {
				return nil, err
			}
			return nil, errors.Configuration("validate_granularity", symbol, err)
		}
	}

	start := time.Now()
	maxPage := f.MaxPageSize()
	logger := f.logger.With("symbol", symbol, "source_symbol", sourceSymbol, "granularity", granularity)
	logger.Debug("fetch started", "plan", plan.String(), "page_size", maxPage)

	var (
		pages     [][]models.Row // newest page first, each ascending
		collected int
		cursor    *int64
		requests  int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Canceled("fetch", err)
		}

		// every request is admitted by the throttle, the first one included,
		// so a pause left by an earlier fetch still applies
		waitStart := time.Now()
		if err := f.throttle.Wait(ctx); err != nil {
			return nil, errors.Canceled("throttle_wait", err)
		}
		if f.onWait != nil {
			f.onWait(time.Since(waitStart))
		}

		limit := maxPage
		if plan.Kind == models.PlanCount {
			if remaining := plan.Count - collected; remaining < limit {
				limit = remaining
			}
		}

		window := models.Window{
			Symbol:      sourceSymbol,
			Granularity: granularity,
			Limit:       limit,
			EndBoundary: cursor,
		}

		page, err := f.source.FetchPage(ctx, window)
		requests++
		if err != nil {
			logger.Warn("page request failed",
				"page", requests,
				"collected", collected,
				"error_type", errors.GetErrorType(err),
				"error", err)
			return nil, f.pageError(ctx, err)
		}

		if len(page) == 0 {
			logger.Debug("source exhausted", "page", requests, "collected", collected)
			break
		}

		page, err = normalizePage(page, cursor)
		if err != nil {
			return nil, errors.SchemaMismatch(f.source.Name(), "normalize_page", err)
		}

		pages = append(pages, page)
		collected += len(page)
		oldest := page[0].OpenTime

		logger.Debug("page fetched",
			"page", requests,
			"rows", len(page),
			"collected", collected,
			"oldest", oldest)

		if f.onPage != nil {
			f.onPage(PageEvent{
				Symbol:      symbol,
				Granularity: granularity,
				Page:        requests,
				Rows:        len(page),
				Collected:   collected,
				EndBoundary: cursor,
				Oldest:      oldest,
			})
		}

		if plan.Satisfied(collected, oldest) {
			break
		}

		next := oldest - 1
		cursor = &next
	}

	rows := trim(plan, assemble(pages, collected))

	logger.Info("fetch completed",
		"plan", plan.String(),
		"pages", requests,
		"rows", len(rows),
		"duration", time.Since(start))

	return &models.SeriesResult{
		Symbol:       symbol,
		SourceSymbol: sourceSymbol,
		Granularity:  granularity,
		Plan:         plan,
		Rows:         rows,
		Pages:        requests,
		Source:       f.source.Name(),
		FetchedAt:    time.Now().UTC(),
	}, nil
}

func (f *Fetcher) resolve(symbol string) (string, error) {
	if f.symbols == nil {
		return "", errors.Configurationf("resolve_symbol", symbol, "no symbol table configured")
	}
	id, err := f.symbols.Resolve(symbol)
	if err != nil {
		if errors.GetErrorType(err) == errors.ErrorTypeConfiguration {
			return "", err
		}
		return "", errors.Configuration("resolve_symbol", symbol, err)
	}
	return id, nil
}

// pageError keeps classified source errors and files everything else as a
// failed source request.
func (f *Fetcher) pageError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.GetErrorType(err) != errors.ErrorTypeSchemaMismatch {
		return errors.Canceled("fetch_page", ctx.Err())
	}
	switch errors.GetErrorType(err) {
	case errors.ErrorTypeSourceRequest, errors.ErrorTypeSchemaMismatch,
		errors.ErrorTypeConfiguration, errors.ErrorTypeCanceled:
		return err
	}
	return errors.SourceRequestFailed(f.source.Name(), "fetch_page", err)
}

// normalizePage returns the page in strictly ascending open-time order. A page
// may arrive newest-first; any other ordering, a repeated timestamp or a row
// past the cursor breaks the paging contract.
func normalizePage(page []models.Row, cursor *int64) ([]models.Row, error) {
	if !strictlyAscending(page) {
		reversed := make([]models.Row, len(page))
		for i, row := range page {
			reversed[len(page)-1-i] = row
		}
		if !strictlyAscending(reversed) {
			return nil, fmt.Errorf("page open times are not strictly ordered")
		}
		page = reversed
	}

	if cursor != nil && page[len(page)-1].OpenTime > *cursor {
		return nil, fmt.Errorf("page contains open time %d after end boundary %d", page[len(page)-1].OpenTime, *cursor)
	}
	return page, nil
}

func strictlyAscending(rows []models.Row) bool {
	for i := 1; i < len(rows); i++ {
		if rows[i].OpenTime <= rows[i-1].OpenTime {
			return false
		}
	}
	return true
}

// assemble concatenates pages oldest first.
func assemble(pages [][]models.Row, total int) []models.Row {
	rows := make([]models.Row, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		rows = append(rows, pages[i]...)
	}
	return rows
}

// trim applies the plan to the ascending rows: the newest Count rows for a
// count plan, rows at or after the boundary for a since plan.
func trim(plan models.FetchPlan, rows []models.Row) []models.Row {
	switch plan.Kind {
	case models.PlanCount:
		if len(rows) > plan.Count {
			rows = rows[len(rows)-plan.Count:]
		}
	case models.PlanSince:
		i := sort.Search(len(rows), func(i int) bool { return rows[i].OpenTime >= plan.StartBoundary })
		rows = rows[i:]
	}
	return rows
}
