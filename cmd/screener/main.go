// Command screener runs the overnight equity-screening pipeline once
// (or, with --daemon, on a nightly schedule): it loads config and a
// universe, drives the Pipeline Orchestrator through every phase, and
// reports the result on a single console line, grounded on
// cmd/server/main.go's "load config, build logger, wire deps, run"
// startup sequence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-screener/internal/config"
	"github.com/aristath/sentinel-screener/internal/errs"
	"github.com/aristath/sentinel-screener/internal/httpquote"
	"github.com/aristath/sentinel-screener/internal/pipeline"
	"github.com/aristath/sentinel-screener/internal/universe"
	"github.com/aristath/sentinel-screener/internal/utils"
	"github.com/aristath/sentinel-screener/pkg/logger"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type cliFlags struct {
	configPath string
	universe   string
	test       bool
	sectors    string
	noTrain    bool
	date       string
	daemon     bool
}

func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("screener", flag.ContinueOnError)
	var f cliFlags
	fs.StringVar(&f.configPath, "config", "models/config/screening_config.json", "config file")
	fs.StringVar(&f.universe, "universe", "au", "au | us | both")
	fs.BoolVar(&f.test, "test", false, "scan only the first 5 tickers of the first sector")
	fs.StringVar(&f.sectors, "sectors", "", "comma-separated sector names to restrict to")
	fs.BoolVar(&f.noTrain, "no-train", false, "force-skip the training queue phase")
	fs.StringVar(&f.date, "date", time.Now().Format("2006-01-02"), "run date, ISO (YYYY-MM-DD)")
	fs.BoolVar(&f.daemon, "daemon", false, "run on a nightly cron schedule instead of once")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

// selectUniverses resolves --universe into the universe definition
// file(s) to load, conventionally stored in a universe directory beside
// the config directory: <config-dir>/../universe/<name>.json.
func selectUniverses(configPath, which string) ([]string, error) {
	dir := filepath.Join(filepath.Dir(filepath.Dir(configPath)), "universe")
	switch which {
	case "au":
		return []string{filepath.Join(dir, "au.json")}, nil
	case "us":
		return []string{filepath.Join(dir, "us.json")}, nil
	case "both":
		return []string{filepath.Join(dir, "au.json"), filepath.Join(dir, "us.json")}, nil
	default:
		return nil, fmt.Errorf("unknown --universe value %q, want au|us|both", which)
	}
}

// applyTestMode restricts u to the first 5 tickers of its first sector
// (--test), and applySectors restricts to the named sectors (--sectors).
func applyTestMode(u universe.Universe) universe.Universe {
	if len(u.Sectors) == 0 {
		return u
	}
	first := u.Sectors[0]
	if len(first.Tickers) > 5 {
		first.Tickers = first.Tickers[:5]
	}
	u.Sectors = []universe.Sector{first}
	return u
}

func applySectors(u universe.Universe, names string) universe.Universe {
	return u.FilterSectors(utils.ParseCSV(names))
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", errs.ConfigInvalid, err)
		return 1
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Printf("FATAL: %s: %v\n", errs.ConfigInvalid, err)
		return 1
	}
	if flags.noTrain {
		cfg.Training.Enabled = false
	}

	log := logger.New(logger.Config{Level: getEnv("LOG_LEVEL", "info"), Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Str("config", flags.configPath).Str("universe", flags.universe).Msg("starting overnight screening run")

	quoteProvider := httpquote.New(getEnv("QUOTE_API_BASE_URL", ""), os.Getenv("QUOTE_API_KEY"))

	orch, err := pipeline.New(cfg, pipeline.Deps{QuoteProvider: quoteProvider}, log)
	if err != nil {
		return reportFatal(log, err)
	}
	defer orch.Close()

	universePaths, err := selectUniverses(flags.configPath, flags.universe)
	if err != nil {
		fmt.Printf("FATAL: %s: %v\n", errs.ConfigInvalid, err)
		return 1
	}

	if flags.daemon {
		return runDaemon(orch, universePaths, flags, log)
	}
	return runOnce(orch, universePaths, flags, log)
}

func runOnce(orch *pipeline.Orchestrator, universePaths []string, flags cliFlags, log zerolog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Warn().Msg("received shutdown signal, cancelling run")
		cancel()
	}()

	exitCode := 0
	for _, path := range universePaths {
		code := runUniverse(ctx, orch, path, flags, log)
		if code > exitCode {
			exitCode = code
		}
	}
	return exitCode
}

func runDaemon(orch *pipeline.Orchestrator, universePaths []string, flags cliFlags, log zerolog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cron.New(cron.WithLocation(time.Local))
	_, err := c.AddFunc("0 18 * * 1-5", func() {
		for _, path := range universePaths {
			runUniverse(ctx, orch, path, flags, log)
		}
	})
	if err != nil {
		fmt.Printf("FATAL: %s: %v\n", errs.ConfigInvalid, err)
		return 1
	}
	c.Start()
	log.Info().Msg("daemon started, scheduled nightly at 18:00 local on weekdays")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("daemon shutting down")
	<-c.Stop().Done()
	cancel()
	return 0
}

func runUniverse(ctx context.Context, orch *pipeline.Orchestrator, universePath string, flags cliFlags, log zerolog.Logger) int {
	u, err := universe.Load(universePath)
	if err != nil {
		fmt.Printf("FATAL: %s: %v\n", errs.ConfigInvalid, err)
		return 1
	}
	if flags.test {
		u = applyTestMode(u)
	}
	u = applySectors(u, flags.sectors)

	state, err := orch.Run(ctx, u, flags.date)
	if err != nil {
		var perr *errs.PipelineError
		if errors.As(err, &perr) && perr.Kind == errs.Cancelled {
			fmt.Printf("CANCELLED: scanned=%d\n", state.ScannedCount)
			return 2
		}
		return reportFatal(log, err)
	}

	if state.ScannedCount == 0 {
		fmt.Printf("FATAL: %s: no tickers scanned for universe %s\n", errs.InsufficientData, u.Name)
		return 1
	}

	topBandHigh := 0
	for _, s := range state.TopOpportunities {
		if s.OpportunityBand == "HIGH" {
			topBandHigh++
		}
	}
	fmt.Printf("OK: scanned=%d predicted=%d top_band_high=%d report=%s\n",
		state.ScannedCount, state.PredictedCount, topBandHigh, state.ReportPaths.HTML)
	return 0
}

// classifyFatal best-efforts a Kind label for errors raised before a
// PipelineError wrapper would normally apply (e.g. orchestrator wiring).
func classifyFatal(err error) errs.Kind {
	var perr *errs.PipelineError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return errs.ConfigInvalid
}

// reportFatal prints the FATAL line and returns the process exit code
// for an error that reached the top level. Almost every error surfaced
// this way carries a Kind that Kind.Fatal() reports true for
// (runUniverse handles Cancelled separately, and Orchestrator
// construction errors are ConfigInvalid). The exception is the
// InsufficientData error Run returns when every ticker drops during the
// scan: Fatal() reports false for it. A non-Fatal() kind is logged as
// an error, and the run still ends with the FATAL line and exit code 1.
func reportFatal(log zerolog.Logger, err error) int {
	kind := classifyFatal(err)
	if !kind.Fatal() {
		log.Error().Str("kind", string(kind)).Err(err).Msg("non-fatal-kind error reached the top level; aborting anyway")
	}
	fmt.Printf("FATAL: %s: %v\n", kind, err)
	return 1
}
