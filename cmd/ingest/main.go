// Command ingest loads JSONL snapshot files into the SQLite archive the
// replay binary reads from. Re-running over the same files is idempotent;
// snapshots are keyed by timestamp.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"optionpilot/internal/archive"
	"optionpilot/internal/observ"
	"optionpilot/internal/snapshot"
)

func main() {
	archivePath := flag.String("archive", "data/snapshots.db", "SQLite archive path")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	observ.SetupLogging(*level, true)
	if flag.NArg() == 0 {
		log.Fatal().Msg("usage: ingest -archive data/snapshots.db file.jsonl [file.jsonl ...]")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := archive.Open(*archivePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open archive")
	}
	defer store.Close()

	var total int
	for _, path := range flag.Args() {
		n, err := ingestFile(ctx, store, path)
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("ingest")
		}
		log.Info().Str("file", path).Int("snapshots", n).Msg("ingested")
		total += n
	}

	count, err := store.Count(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("count archive")
	}
	log.Info().Int("ingested", total).Int64("archived", count).Msg("done")
}

func ingestFile(ctx context.Context, store *archive.Store, path string) (int, error) {
	src := snapshot.NewFileSource(path)
	n := 0
	for {
		snap, err := src.Next(ctx)
		if errors.Is(err, snapshot.ErrExhausted) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := store.Save(ctx, snap); err != nil {
			return n, err
		}
		n++
	}
}
