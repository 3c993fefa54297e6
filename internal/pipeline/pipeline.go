// Package pipeline orchestrates a kline fetch with its downstream steps: gap
// reporting, optional persistence, preprocessing and optional export.
//
// A Run is all-or-nothing for the fetch itself; later steps see either the
// complete series or nothing. Batches run several jobs concurrently through one
// Fetcher, so a single throttle paces every request of the batch.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-kline-collector/internal/config"
	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/export"
	"github.com/johnayoung/go-kline-collector/internal/gaps"
	"github.com/johnayoung/go-kline-collector/internal/logger"
	"github.com/johnayoung/go-kline-collector/internal/metrics"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/johnayoung/go-kline-collector/internal/preprocess"
	"github.com/johnayoung/go-kline-collector/internal/storage"
)

// DefaultConcurrency bounds RunBatch when Options.Concurrency is unset.
const DefaultConcurrency = 4

// SeriesFetcher retrieves one complete series.
type SeriesFetcher interface {
	Fetch(ctx context.Context, symbol, granularity string, plan models.FetchPlan) (*models.SeriesResult, error)
}

// Store persists fetched rows and their gaps.
type Store interface {
	storage.SeriesWriter
	storage.GapStorage
}

// Job names one series to fetch.
type Job struct {
	Symbol      string
	Granularity string
	Plan        models.FetchPlan
}

func (j Job) String() string {
	return fmt.Sprintf("%s/%s %s", j.Symbol, j.Granularity, j.Plan)
}

// Result is the outcome of a successful Run.
type Result struct {
	JobID      string
	Job        Job
	Series     *models.SeriesResult
	Gaps       []models.Gap
	Table      *preprocess.Table
	Stored     int
	ExportPath string
	Attempts   int
	Duration   time.Duration
}

// Options wires the optional collaborators of a Pipeline.
type Options struct {
	// Store persists rows and gaps when set.
	Store Store

	// Exporter writes the preprocessed table when set.
	Exporter *export.Exporter

	// Preprocessor defaults to one with default options.
	Preprocessor *preprocess.Preprocessor

	// Detector defaults to one using Logger.
	Detector *gaps.Detector

	Metrics *metrics.MetricsCollector

	// RetryPolicy governs caller-side retries of whole fetches. Only source
	// request failures are retried.
	RetryPolicy config.RetryPolicyConfig

	// Concurrency bounds the jobs RunBatch runs at once.
	Concurrency int

	Logger *slog.Logger
}

// Pipeline runs fetch jobs end to end.
type Pipeline struct {
	fetcher      SeriesFetcher
	store        Store
	exporter     *export.Exporter
	preprocessor *preprocess.Preprocessor
	detector     *gaps.Detector
	metrics      *metrics.MetricsCollector
	retryPolicy  config.RetryPolicyConfig
	concurrency  int
	logger       *slog.Logger
}

// New creates a Pipeline around fetcher.
func New(fetcher SeriesFetcher, opts Options) *Pipeline {
	p := &Pipeline{
		fetcher:      fetcher,
		store:        opts.Store,
		exporter:     opts.Exporter,
		preprocessor: opts.Preprocessor,
		detector:     opts.Detector,
		metrics:      opts.Metrics,
		retryPolicy:  opts.RetryPolicy,
		concurrency:  opts.Concurrency,
		logger:       opts.Logger,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.preprocessor == nil {
		p.preprocessor = preprocess.New(preprocess.Options{}, p.logger)
	}
	if p.detector == nil {
		p.detector = gaps.NewDetector(p.logger)
	}
	if p.retryPolicy.MaxAttempts <= 0 {
		p.retryPolicy.MaxAttempts = 1
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	return p
}

// Run fetches one series and feeds it through the downstream steps. Fetch
// errors are returned as classified by the fetcher; storage and export
// failures are wrapped. A job ID already carried by ctx is reused.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	jobID := logger.GetJobID(ctx)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx = logger.EnsureTraceID(ctx)
	ctx = logger.WithJobID(ctx, jobID)
	ctx = logger.WithSymbol(ctx, job.Symbol)
	ctx = logger.WithInterval(ctx, job.Granularity)
	log := logger.FromContext(ctx, p.logger)

	log.Info("Starting fetch job", "plan", job.Plan.String())

	result := &Result{JobID: jobID, Job: job}

	err := errors.Retry(ctx, p.retryPolicy, log, "fetch", func(ctx context.Context) error {
		result.Attempts++
		fetchStart := time.Now()
		series, err := p.fetcher.Fetch(ctx, job.Symbol, job.Granularity, job.Plan)
		if p.metrics != nil {
			p.metrics.RecordFetch(time.Since(fetchStart), err)
		}
		if err != nil {
			return err
		}
		result.Series = series
		return nil
	})
	if err != nil {
		log.Error("Fetch job failed",
			"error_type", errors.GetErrorType(err),
			"attempts", result.Attempts,
			"duration", time.Since(start),
			"error", err)
		return nil, err
	}

	result.Gaps = p.detector.Report(ctx, result.Series)
	if p.metrics != nil && len(result.Gaps) > 0 {
		var missing int64
		for _, gap := range result.Gaps {
			missing += gap.Missing
		}
		p.metrics.RecordGaps(len(result.Gaps), missing)
	}

	if p.store != nil {
		storeCtx := logger.WithOperation(ctx, "store")
		err := logger.TimedOperation(storeCtx, logger.FromContext(storeCtx, p.logger), "store", func() error {
			return p.persist(storeCtx, result)
		})
		if err != nil {
			return nil, err
		}
	}

	table, err := p.preprocessor.Process(result.Series)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess %s: %w", job, err)
	}
	result.Table = table

	if p.exporter != nil {
		exportCtx := logger.WithOperation(ctx, "export")
		err := logger.TimedOperation(exportCtx, logger.FromContext(exportCtx, p.logger), "export", func() error {
			path, err := p.exporter.Export(table)
			result.ExportPath = path
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	log.Info("Fetch job completed",
		"rows", result.Series.Len(),
		"pages", result.Series.Pages,
		"gaps", len(result.Gaps),
		"stored", result.Stored,
		"export_path", result.ExportPath,
		"attempts", result.Attempts,
		"duration", result.Duration)
	return result, nil
}

// persist stores under the source symbol so rows from different sources
// never collide.
func (p *Pipeline) persist(ctx context.Context, result *Result) error {
	series := result.Series
	symbol := series.SourceSymbol
	if symbol == "" {
		symbol = series.Symbol
	}

	stored, err := p.store.Upsert(ctx, symbol, series.Granularity, series.Rows)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", result.Job, err)
	}
	result.Stored = stored
	if p.metrics != nil {
		p.metrics.RecordStored(stored)
	}

	if len(result.Gaps) == 0 {
		return nil
	}
	stamped := make([]models.Gap, len(result.Gaps))
	for i, gap := range result.Gaps {
		gap.Symbol = symbol
		stamped[i] = gap
	}
	if err := p.store.StoreGaps(ctx, stamped); err != nil {
		return fmt.Errorf("failed to store gaps for %s: %w", result.Job, err)
	}
	return nil
}

// RunBatch runs jobs concurrently. The first failure cancels the remaining
// jobs and is returned; results keep the input order and hold nil for jobs
// that did not complete.
func (p *Pipeline) RunBatch(ctx context.Context, jobs []Job) ([]*Result, error) {
	results := make([]*Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	p.logger.Info("Starting batch", "jobs", len(jobs), "concurrency", p.concurrency)

	for i, job := range jobs {
		g.Go(func() error {
			result, err := p.Run(gctx, job)
			if err != nil {
				return fmt.Errorf("job %s: %w", job, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Error("Batch failed", "error", err)
		return results, err
	}

	p.logger.Info("Batch completed", "jobs", len(jobs))
	return results, nil
}
