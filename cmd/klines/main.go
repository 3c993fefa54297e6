// Kline Collector CLI
// Fetches candlestick history from a rate-limited exchange API, reports gaps,
// optionally persists it to DuckDB and exports a preprocessed table.
//
// Usage:
//
//	klines fetch --symbol bitcoin --interval 1h --limit 2500
//	klines fetch --symbol BTCUSDT --interval 1d --start 2024-01-01 --format parquet
//	klines batch --symbols bitcoin,ethereum,solana --interval 4h --limit 500 --store
//	klines query --symbol bitcoin --interval 1h --from 2024-01-01 --to 2024-02-01
//	klines symbols --source coinbase
//	klines --config klines.json config init
//
// For detailed help on any command, use: klines <command> --help
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/johnayoung/go-kline-collector/internal/export"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "klines"

	// DefaultConfigFile is written by config init when --config is not given.
	DefaultConfigFile = "klines.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "Collect and preprocess exchange kline history",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a JSON configuration `FILE`",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Dotenv file seeding KLINES_* variables",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Usage:   "Kline source (binance, binance-sdk, coinbase)",
			},
		},
		Commands: []*cli.Command{
			fetchCommand(),
			batchCommand(),
			queryCommand(),
			symbolsCommand(),
			configCommand(),
		},
	}
}

// fetchFlags are shared by fetch and batch.
func fetchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "interval",
			Aliases: []string{"i"},
			Usage:   "Kline granularity passed to the source (e.g. 1m, 1h, 1d)",
			Value:   "1d",
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   "Fetch the newest `N` rows",
		},
		&cli.TimestampFlag{
			Name:  "start",
			Usage: "Fetch every row from `YYYY-MM-DD` (UTC) to now",
			Config: cli.TimestampConfig{
				Layouts: []string{"2006-01-02", "2006-01-02T15:04:05Z07:00"},
			},
		},
		&cli.IntFlag{
			Name:  "page-size",
			Usage: "Rows requested per page, capped at the source maximum",
		},
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Export `DIR`",
		},
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   fmt.Sprintf("Export format (%v)", export.Formats),
		},
		&cli.BoolFlag{
			Name:  "no-export",
			Usage: "Skip writing the preprocessed table",
		},
		&cli.BoolFlag{
			Name:  "store",
			Usage: "Persist rows and gaps to the configured store",
		},
		&cli.StringFlag{
			Name:  "resample",
			Usage: "Resample the table to a coarser `DURATION` (e.g. 4h)",
		},
		&cli.BoolFlag{
			Name:  "normalize",
			Usage: "Min-max scale the price and volume columns",
		},
		&cli.BoolFlag{
			Name:  "no-progress",
			Usage: "Disable the progress bar",
		},
	}
}

// exitCode maps classified fetch errors onto process exit codes.
func exitCode(err error) int {
	if stderrors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	switch errors.GetErrorType(err) {
	case errors.ErrorTypeConfiguration:
		return ExitConfigError
	case errors.ErrorTypeSourceRequest:
		return ExitConnectionErr
	case errors.ErrorTypeSchemaMismatch:
		return ExitDataError
	case errors.ErrorTypeCanceled:
		return ExitInterrupt
	}

	var usage *usageError
	if stderrors.As(err, &usage) {
		return ExitUsageError
	}
	var cfgErr *configError
	if stderrors.As(err, &cfgErr) {
		return ExitConfigError
	}
	return ExitDataError
}

// usageError reports invalid command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// configError reports configuration that could not be loaded or validated.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
