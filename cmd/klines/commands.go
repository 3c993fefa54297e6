package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/johnayoung/go-kline-collector/internal/config"
	"github.com/johnayoung/go-kline-collector/internal/gaps"
	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/johnayoung/go-kline-collector/internal/pipeline"
	"github.com/johnayoung/go-kline-collector/internal/storage"
)

func fetchCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:     "symbol",
			Aliases:  []string{"p"},
			Usage:    "Symbol name (bitcoin) or source identifier (BTCUSDT)",
			Required: true,
		},
	}, fetchFlags()...)

	return &cli.Command{
		Name:   "fetch",
		Usage:  "Fetch one series, newest N rows or everything since a date",
		Flags:  flags,
		Action: fetchAction,
	}
}

func fetchAction(ctx context.Context, cmd *cli.Command) error {
	plan, err := planFromFlags(cmd)
	if err != nil {
		return err
	}

	a, err := loadApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.applyFetchFlags(cmd); err != nil {
		return err
	}

	job := pipeline.Job{
		Symbol:      cmd.String("symbol"),
		Granularity: cmd.String("interval"),
		Plan:        plan,
	}

	total := -1
	if plan.Kind == models.PlanCount {
		total = plan.Count
	}
	bar := a.newProgressBar(cmd, total, fmt.Sprintf("Fetching %s %s", job.Symbol, job.Granularity))

	p, err := a.buildPipeline(ctx, bar)
	if err != nil {
		return err
	}

	result, err := p.Run(ctx, job)
	if bar != nil {
		_ = bar.Finish()
	}
	a.logSummary()
	if err != nil {
		return err
	}

	printResult(os.Stdout, result)
	return nil
}

func batchCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringSliceFlag{
			Name:     "symbols",
			Usage:    "Comma-separated symbol names or identifiers",
			Required: true,
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "Series fetched at once; all share one rate limit",
		},
	}, fetchFlags()...)

	return &cli.Command{
		Name:   "batch",
		Usage:  "Fetch several series concurrently under one throttle",
		Flags:  flags,
		Action: batchAction,
	}
}

func batchAction(ctx context.Context, cmd *cli.Command) error {
	plan, err := planFromFlags(cmd)
	if err != nil {
		return err
	}

	var names []string
	for _, s := range cmd.StringSlice("symbols") {
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return usagef("--symbols must name at least one symbol")
	}

	a, err := loadApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.IsSet("concurrency") {
		a.config.Batch.Concurrency = int(cmd.Int("concurrency"))
	}
	if err := a.applyFetchFlags(cmd); err != nil {
		return err
	}

	jobs := make([]pipeline.Job, len(names))
	for i, name := range names {
		jobs[i] = pipeline.Job{Symbol: name, Granularity: cmd.String("interval"), Plan: plan}
	}

	total := -1
	if plan.Kind == models.PlanCount {
		total = plan.Count * len(jobs)
	}
	bar := a.newProgressBar(cmd, total, fmt.Sprintf("Fetching %d series", len(jobs)))

	p, err := a.buildPipeline(ctx, bar)
	if err != nil {
		return err
	}

	results, err := p.RunBatch(ctx, jobs)
	if bar != nil {
		_ = bar.Finish()
	}
	a.logSummary()
	for _, result := range results {
		if result != nil {
			printResult(os.Stdout, result)
		}
	}
	return err
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "Query stored rows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "symbol",
				Aliases:  []string{"p"},
				Usage:    "Symbol name or source identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Value:   "1d",
			},
			&cli.TimestampFlag{
				Name:   "from",
				Usage:  "Inclusive start `YYYY-MM-DD`",
				Config: cli.TimestampConfig{Layouts: []string{"2006-01-02"}},
			},
			&cli.TimestampFlag{
				Name:   "to",
				Usage:  "Exclusive end `YYYY-MM-DD`",
				Config: cli.TimestampConfig{Layouts: []string{"2006-01-02"}},
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum rows to print, 0 for all",
				Value: 100,
			},
			&cli.BoolFlag{
				Name:  "desc",
				Usage: "Newest rows first",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format (table, csv, json)",
				Value:   "table",
			},
			&cli.BoolFlag{
				Name:  "gaps",
				Usage: "Scan the selected rows for gaps and list recorded gaps",
			},
		},
		Action: queryAction,
	}
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	format := cmd.String("format")
	if format != "table" && format != "csv" && format != "json" {
		return usagef("unsupported --format %q (use: table, csv, json)", format)
	}

	a, err := loadApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// rows are stored under the source identifier
	symbol, err := a.symbols.Resolve(cmd.String("symbol"))
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	req := storage.QueryRequest{
		Symbol:      symbol,
		Granularity: cmd.String("interval"),
		Limit:       int(cmd.Int("limit")),
		OrderBy:     "open_time_asc",
	}
	if cmd.IsSet("from") {
		req.From = cmd.Timestamp("from").UTC()
	}
	if cmd.IsSet("to") {
		req.To = cmd.Timestamp("to").UTC()
	}
	if cmd.Bool("desc") {
		req.OrderBy = "open_time_desc"
	}

	a.logger.Info("Querying data",
		"symbol", symbol,
		"interval", req.Granularity,
		"from", req.From,
		"to", req.To,
		"limit", req.Limit)

	resp, err := store.Query(ctx, req)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	switch format {
	case "json":
		err = outputJSON(os.Stdout, resp.Rows)
	case "csv":
		err = outputCSV(os.Stdout, resp.Rows)
	default:
		fmt.Printf("Query Results for %s (%s)\n", symbol, req.Granularity)
		fmt.Printf("Found: %d rows (showing %d)\n", resp.Total, len(resp.Rows))
		fmt.Printf("Query Time: %v\n\n", resp.QueryTime)
		err = outputTable(os.Stdout, resp.Rows)
		if resp.HasMore {
			fmt.Printf("\n... %d more rows (use --limit 0 to see all)\n", resp.Total-resp.NextOffset)
		}
	}
	if err != nil || !cmd.Bool("gaps") {
		return err
	}

	return printStoredGaps(ctx, a, store, symbol, req)
}

func printStoredGaps(ctx context.Context, a *app, store storage.SeriesStore, symbol string, req storage.QueryRequest) error {
	detector := gaps.NewDetector(a.logMgr.GetComponentLogger("gaps"))
	found, err := detector.DetectStored(ctx, store, symbol, req.Granularity, req.From, req.To)
	if err != nil {
		return fmt.Errorf("gap scan failed: %w", err)
	}

	recorded, err := store.GetGaps(ctx, symbol, req.Granularity)
	if err != nil {
		return fmt.Errorf("failed to load recorded gaps: %w", err)
	}

	fmt.Printf("\nGaps in stored rows: %d\n", len(found))
	for _, gap := range found {
		fmt.Printf("  %s (%s)\n", gap.String(), gap.Duration())
	}
	fmt.Printf("Gaps recorded at fetch time: %d\n", len(recorded))
	for _, gap := range recorded {
		fmt.Printf("  %s (%s)\n", gap.String(), gap.Duration())
	}
	return nil
}

func symbolsCommand() *cli.Command {
	return &cli.Command{
		Name:  "symbols",
		Usage: "List the symbol table of the selected source",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format (table, json)",
				Value:   "table",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := loadApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries := a.symbols.Entries()
			if cmd.String("format") == "json" {
				return outputJSON(os.Stdout, entries)
			}

			fmt.Printf("Symbols for %s (%d)\n", a.symbols.Source(), a.symbols.Len())
			fmt.Println(strings.Repeat("-", 36))
			for _, e := range entries {
				fmt.Printf("%-20s %s\n", e.Name, e.ID)
			}
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the effective configuration (defaults, file, .env, KLINES_* variables) to --config",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: configInitAction,
			},
		},
	}
}

func configInitAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
		return usagef("%s already exists, use --force to overwrite", path)
	}

	cm := config.NewConfigManager(path, cmd.String("env-file"), bootstrapLogger())
	cfg, err := cm.LoadConfig(ctx)
	if err != nil {
		return &configError{err: err}
	}
	if v := cmd.String("source"); v != "" {
		cfg.Source.Type = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if err := config.Validate(cfg); err != nil {
		return &configError{err: err}
	}

	if err := cm.SaveConfig(ctx); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func printResult(w io.Writer, result *pipeline.Result) {
	series := result.Series
	fmt.Fprintf(w, "%s (%s) %s: %d rows in %d pages",
		series.Symbol, series.SourceSymbol, series.Granularity, series.Len(), series.Pages)
	if series.Len() > 0 {
		first, last := series.Rows[0], series.Rows[series.Len()-1]
		fmt.Fprintf(w, ", %s to %s", first.OpenAt().Format(time.RFC3339), last.OpenAt().Format(time.RFC3339))
	}
	if len(result.Gaps) > 0 {
		fmt.Fprintf(w, ", %d gaps", len(result.Gaps))
	}
	if result.Stored > 0 {
		fmt.Fprintf(w, ", %d stored", result.Stored)
	}
	if result.ExportPath != "" {
		fmt.Fprintf(w, ", exported to %s", result.ExportPath)
	}
	fmt.Fprintln(w)
}
