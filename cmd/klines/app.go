package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/johnayoung/go-kline-collector/internal/config"
	"github.com/johnayoung/go-kline-collector/internal/export"
	"github.com/johnayoung/go-kline-collector/internal/fetcher"
	"github.com/johnayoung/go-kline-collector/internal/logger"
	"github.com/johnayoung/go-kline-collector/internal/metrics"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/johnayoung/go-kline-collector/internal/pipeline"
	"github.com/johnayoung/go-kline-collector/internal/preprocess"
	"github.com/johnayoung/go-kline-collector/internal/source"
	"github.com/johnayoung/go-kline-collector/internal/storage"
	"github.com/johnayoung/go-kline-collector/internal/symbols"
	"github.com/johnayoung/go-kline-collector/internal/throttle"
)

// app holds what every command needs: configuration, logging and the symbol
// table of the selected source.
type app struct {
	config  *config.AppConfig
	logMgr  *logger.LoggerManager
	logger  *slog.Logger
	symbols *symbols.Table
	metrics *metrics.MetricsCollector
	stderr  io.Writer

	closers []func() error
}

// bootstrapLogger reports configuration problems before logging is set up.
func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// loadApp loads configuration, applies the global flag overrides and sets up
// logging.
func loadApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.NewConfigManager(cmd.String("config"), cmd.String("env-file"), bootstrapLogger()).LoadConfig(ctx)
	if err != nil {
		return nil, &configError{err: err}
	}

	if v := cmd.String("source"); v != "" {
		cfg.Source.Type = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if err := config.Validate(cfg); err != nil {
		return nil, &configError{err: err}
	}

	logMgr, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, &configError{err: fmt.Errorf("failed to set up logging: %w", err)}
	}

	a := &app{
		config:  cfg,
		logMgr:  logMgr,
		logger:  logMgr.GetLogger(),
		symbols: symbols.ForSource(cfg.Source.Type, cfg.Symbols),
		metrics: metrics.NewMetricsCollector(),
		stderr:  os.Stderr,
	}
	a.closers = append(a.closers, logMgr.Close)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// applyFetchFlags folds the per-command fetch flags into the configuration.
func (a *app) applyFetchFlags(cmd *cli.Command) error {
	cfg := a.config
	if cmd.IsSet("page-size") {
		cfg.Source.PageSize = int(cmd.Int("page-size"))
	}
	if v := cmd.String("out"); v != "" {
		cfg.Export.Directory = v
	}
	if v := cmd.String("format"); v != "" {
		cfg.Export.Format = v
	}
	if cmd.Bool("no-export") {
		cfg.Export.Enabled = false
	}
	if cmd.Bool("store") {
		cfg.Storage.Enabled = true
	}
	if v := cmd.String("resample"); v != "" {
		cfg.Preprocess.Resample = v
	}
	if cmd.Bool("normalize") {
		cfg.Preprocess.Normalize = true
	}
	if err := config.Validate(cfg); err != nil {
		return &configError{err: err}
	}
	return nil
}

// planFromFlags builds the fetch plan selected by exactly one of --limit and
// --start.
func planFromFlags(cmd *cli.Command) (models.FetchPlan, error) {
	hasLimit, hasStart := cmd.IsSet("limit"), cmd.IsSet("start")
	switch {
	case hasLimit && hasStart:
		return models.FetchPlan{}, usagef("--limit and --start are mutually exclusive")
	case hasLimit:
		return models.CountPlan(int(cmd.Int("limit"))), nil
	case hasStart:
		return models.SincePlan(cmd.Timestamp("start").UTC()), nil
	default:
		return models.FetchPlan{}, usagef("one of --limit or --start is required")
	}
}

// openStore opens and initializes the configured store.
func (a *app) openStore(ctx context.Context) (storage.SeriesStore, error) {
	store, err := storage.New(a.config.Storage.Type, a.config.Storage.DatabaseURL, a.logMgr.GetComponentLogger("storage"))
	if err != nil {
		return nil, &configError{err: err}
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// newProgressBar returns a bar counting fetched rows. A total of -1 renders a
// spinner for plans whose size is unknown up front.
func (a *app) newProgressBar(cmd *cli.Command, total int, description string) *progressbar.ProgressBar {
	if cmd.Bool("no-progress") {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(a.stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// rowProgress drives the progress bar from page events. It tracks the rows
// collected by the current attempt of each job, so a retried fetch replaces
// the rows of the failed attempt instead of adding to them.
type rowProgress struct {
	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	rows map[string]int
}

func newRowProgress(bar *progressbar.ProgressBar) *rowProgress {
	return &rowProgress{bar: bar, rows: make(map[string]int)}
}

func (p *rowProgress) page(e fetcher.PageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rows[e.Symbol+"/"+e.Granularity] = e.Collected
	if p.bar != nil {
		_ = p.bar.Set(p.sum())
	}
}

func (p *rowProgress) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sum()
}

func (p *rowProgress) sum() int {
	n := 0
	for _, rows := range p.rows {
		n += rows
	}
	return n
}

// buildPipeline wires source, throttle, fetcher and the downstream steps.
// bar may be nil.
func (a *app) buildPipeline(ctx context.Context, bar *progressbar.ProgressBar) (*pipeline.Pipeline, error) {
	cfg := a.config
	progress := newRowProgress(bar)

	th := throttle.NewInterval(cfg.Source.PageIntervalDuration(), throttle.WithWeightLimit(cfg.Source.WeightLimit))

	srcOpts := []source.Option{
		source.WithLogger(a.logMgr.GetComponentLogger("source")),
		source.WithThrottle(th),
	}
	if cfg.Source.HonorRateHeaders {
		srcOpts = append(srcOpts, source.WithHeaderObserver(th))
	}
	src, err := source.New(cfg.Source, srcOpts...)
	if err != nil {
		return nil, &configError{err: err}
	}

	f := fetcher.New(src, a.symbols, fetcher.Options{
		PageSize: cfg.Source.PageSize,
		Throttle: th,
		Logger:   a.logMgr.GetComponentLogger("fetcher"),
		OnPage: func(e fetcher.PageEvent) {
			a.metrics.RecordPage(e.Rows)
			progress.page(e)
		},
		OnWait: a.metrics.RecordThrottleWait,
	})

	opts := pipeline.Options{
		Preprocessor: preprocess.New(preprocess.Options{
			Window:    cfg.Preprocess.Window,
			Resample:  cfg.Preprocess.ResampleDuration(),
			Normalize: cfg.Preprocess.Normalize,
		}, a.logMgr.GetComponentLogger("preprocess")),
		Metrics:     a.metrics,
		RetryPolicy: cfg.ErrorHandling.RetryPolicy,
		Concurrency: cfg.Batch.Concurrency,
		Logger:      a.logger,
	}

	if cfg.Storage.Enabled {
		store, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}

	if cfg.Export.Enabled {
		exporter, err := export.NewExporter(cfg.Export.Directory, cfg.Export.Format, a.logMgr.GetComponentLogger("export"))
		if err != nil {
			return nil, &configError{err: err}
		}
		opts.Exporter = exporter
	}

	return pipeline.New(f, opts), nil
}

// logSummary writes the run metrics at the end of a command.
func (a *app) logSummary() {
	a.logger.Info("Run summary", "metrics", a.metrics.GetSnapshot())
}
