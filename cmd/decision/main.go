// Command decision runs the live decision loop: fetch a snapshot, score every
// instrument, gate, size, and hand sized intents to the configured execution
// collaborator. Without -live it is a dry run and the terminal action is a log
// line per intent.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"optionpilot/internal/archive"
	"optionpilot/internal/audit"
	"optionpilot/internal/broker"
	"optionpilot/internal/config"
	"optionpilot/internal/decision"
	"optionpilot/internal/loop"
	"optionpilot/internal/observ"
	"optionpilot/internal/outbox"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
	"optionpilot/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to YAML config")
	snapshots := flag.String("snapshots", "", "JSONL snapshot file (overrides config)")
	archivePath := flag.String("archive", "", "SQLite snapshot archive (overrides config)")
	snapshotURL := flag.String("url", "", "HTTP snapshot service base URL (overrides config)")
	loopMode := flag.Bool("loop", false, "run continuously until the source is exhausted or interrupted")
	interval := flag.Duration("interval", 0, "cycle interval (overrides config)")
	live := flag.Bool("live", false, "submit intents to the paper executor instead of dry-run logging")
	equity := flag.Float64("equity", 10_000, "session starting equity in dollars")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	observ.SetupLogging(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, cleanup, err := openSource(cfg, *snapshots, *archivePath, *snapshotURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open snapshot source")
	}
	defer cleanup()

	registry := strategy.NewRegistry(strategy.EnsemblePolicy(cfg.Ensemble.Policy))
	registry.Register(strategy.NewMomentumIV(cfg.StrategyConfig()), 1.0)
	if err := registry.Validate(); err != nil {
		log.Fatal().Err(err).Msg("strategy registry")
	}

	auditLog, err := audit.Open(cfg.Loop.AuditPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit log")
	}
	defer auditLog.Close()

	pipeline := &decision.Pipeline{
		Features:   cfg.FeaturesConfig(),
		Strategies: registry,
		Gate:       cfg.GateThresholds(),
		Risk:       risk.NewManager(cfg.RiskConfig()),
		Audit:      auditLog,
		Parallel:   true,
	}

	executor := buildExecutor(cfg, *live)

	loopCfg := loop.Config{
		Interval:        time.Duration(cfg.Loop.IntervalSeconds) * time.Second,
		LiveExecution:   *live || cfg.Loop.LiveExecution,
		FetchRate:       rate.Limit(cfg.Loop.FetchRatePerSecond),
		DedupeRetention: time.Duration(cfg.Loop.DedupeRetentionHours) * time.Hour,
	}
	if *interval > 0 {
		loopCfg.Interval = *interval
	}

	acct := risk.NewAccountState(*equity)
	l := loop.New(loopCfg, source, pipeline, executor, auditLog, acct)

	go serveMetrics(cfg.Loop.MetricsAddr)

	log.Info().
		Bool("live", loopCfg.LiveExecution).
		Bool("loop", *loopMode).
		Dur("interval", loopCfg.Interval).
		Float64("equity", *equity).
		Msg("decision loop starting")

	if *loopMode {
		err = l.Run(ctx)
	} else {
		err = l.RunOnce(ctx)
	}
	if err != nil && !errors.Is(err, snapshot.ErrExhausted) && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("decision loop")
	}
	log.Info().Float64("equity", acct.Equity).Msg("decision loop finished")
}

// loadConfig falls back to built-in defaults when no config file exists at
// the default path, so the binary runs out of the box.
func loadConfig(path string) (config.Root, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openSource(cfg config.Root, snapPath, archPath, baseURL string) (snapshot.Source, func(), error) {
	if snapPath == "" {
		snapPath = cfg.Snapshots
	}
	if archPath == "" {
		archPath = cfg.ArchivePath
	}
	if baseURL == "" {
		baseURL = cfg.SnapshotURL
	}
	switch {
	case snapPath != "":
		return snapshot.NewFileSource(snapPath), func() {}, nil
	case baseURL != "":
		return snapshot.NewHTTPSource(snapshot.HTTPSourceConfig{BaseURL: baseURL}), func() {}, nil
	case archPath != "":
		store, err := archive.Open(archPath)
		if err != nil {
			return nil, nil, err
		}
		return store.Source(time.Time{}, time.Time{}), func() { store.Close() }, nil
	default:
		return nil, nil, errors.New("no snapshot source: pass -snapshots, -archive, or -url, or set one in the config")
	}
}

func buildExecutor(cfg config.Root, live bool) broker.Executor {
	if !live {
		return broker.DryRun{}
	}
	box, err := outbox.New(cfg.Loop.OutboxPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open order outbox")
	}
	return broker.NewWithBreaker(&broker.Paper{Outbox: box}, "paper")
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
