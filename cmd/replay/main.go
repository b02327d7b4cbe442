// Command replay folds an archived snapshot sequence through the decision
// pipeline with simulated fills and prints the run's performance summary.
// Identical inputs and config produce a byte-identical trade log.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"optionpilot/internal/archive"
	"optionpilot/internal/audit"
	"optionpilot/internal/config"
	"optionpilot/internal/decision"
	"optionpilot/internal/observ"
	"optionpilot/internal/outbox"
	"optionpilot/internal/replay"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
	"optionpilot/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to YAML config")
	snapshots := flag.String("snapshots", "", "JSONL snapshot file (overrides config)")
	archivePath := flag.String("archive", "", "SQLite snapshot archive (overrides config)")
	from := flag.String("from", "", "archive lower bound, RFC3339 (inclusive)")
	to := flag.String("to", "", "archive upper bound, RFC3339 (inclusive)")
	tradesOut := flag.String("trades", "", "write the trade log as JSON to this path")
	curveOut := flag.String("curve", "", "write the equity curve as JSON to this path")
	fillsOut := flag.String("fills", "", "append simulated fills to this outbox JSONL path")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	observ.SetupLogging(cfg.LogLevel, cfg.LogPretty)

	source, cleanup, err := openSource(cfg, *snapshots, *archivePath, *from, *to)
	if err != nil {
		log.Fatal().Err(err).Msg("open snapshot source")
	}
	defer cleanup()

	registry := strategy.NewRegistry(strategy.EnsemblePolicy(cfg.Ensemble.Policy))
	registry.Register(strategy.NewMomentumIV(cfg.StrategyConfig()), 1.0)
	if err := registry.Validate(); err != nil {
		log.Fatal().Err(err).Msg("strategy registry")
	}

	pipeline := &decision.Pipeline{
		Features:   cfg.FeaturesConfig(),
		Strategies: registry,
		Gate:       cfg.GateThresholds(),
		Risk:       risk.NewManager(cfg.RiskConfig()),
		Audit:      audit.Discard{},
	}

	engine := replay.New(pipeline, cfg.ReplayConfig())
	result, err := engine.Run(context.Background(), source)
	if err != nil {
		log.Fatal().Err(err).Msg("replay")
	}

	fmt.Printf("snapshots      %d\n", result.Snapshots)
	fmt.Printf("trades         %d\n", len(result.Trades))
	fmt.Printf("skipped fills  %d\n", result.SkippedFills)
	fmt.Printf("win rate       %.1f%%\n", result.WinRate*100)
	fmt.Printf("final equity   %.2f\n", result.FinalEquity)
	fmt.Printf("return         %.2f%%\n", result.ReturnPct*100)
	fmt.Printf("max drawdown   %.2f%%\n", result.MaxDrawdown*100)

	if *tradesOut != "" {
		if err := writeJSON(*tradesOut, result.Trades); err != nil {
			log.Fatal().Err(err).Msg("write trades")
		}
	}
	if *curveOut != "" {
		if err := writeJSON(*curveOut, result.Curve); err != nil {
			log.Fatal().Err(err).Msg("write curve")
		}
	}
	if *fillsOut != "" {
		if err := writeFills(*fillsOut, result.Trades); err != nil {
			log.Fatal().Err(err).Msg("write fills")
		}
	}
}

func writeFills(path string, trades []replay.Trade) error {
	box, err := outbox.New(path)
	if err != nil {
		return err
	}
	for _, tr := range trades {
		fill := outbox.Fill{
			Instrument: tr.Instrument,
			Direction:  string(tr.Direction),
			Contracts:  tr.Contracts,
			EntryPrice: tr.EntryPrice,
			ExitPrice:  tr.ExitPrice,
			PnL:        tr.PnL,
			EntryTime:  tr.EntryTime,
			ExitTime:   tr.ExitTime,
		}
		if err := box.WriteFill(fill); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig(path string) (config.Root, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openSource(cfg config.Root, snapPath, archPath, from, to string) (snapshot.Source, func(), error) {
	if snapPath == "" {
		snapPath = cfg.Snapshots
	}
	if archPath == "" {
		archPath = cfg.ArchivePath
	}
	switch {
	case snapPath != "":
		return snapshot.NewFileSource(snapPath), func() {}, nil
	case archPath != "":
		lo, hi, err := parseBounds(from, to)
		if err != nil {
			return nil, nil, err
		}
		store, err := archive.Open(archPath)
		if err != nil {
			return nil, nil, err
		}
		return store.Source(lo, hi), func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("no snapshot source: pass -snapshots or -archive, or set one in the config")
	}
}

func parseBounds(from, to string) (time.Time, time.Time, error) {
	var lo, hi time.Time
	var err error
	if from != "" {
		if lo, err = time.Parse(time.RFC3339, from); err != nil {
			return lo, hi, fmt.Errorf("bad -from: %w", err)
		}
	}
	if to != "" {
		if hi, err = time.Parse(time.RFC3339, to); err != nil {
			return lo, hi, fmt.Errorf("bad -to: %w", err)
		}
	}
	return lo, hi, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
