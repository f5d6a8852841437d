// Command lorebase-worker consumes queued ingestion and reindex jobs.
// It builds the same service core as the server but runs the task
// consumer loop instead of a request surface.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"lorebase/internal/app"
	"lorebase/internal/config"
	"lorebase/internal/logging"
	"lorebase/internal/tasks"
)

func main() {
	concurrency := flag.Int("concurrency", 2, "max jobs executing at once")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	logging.Setup(cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service init failed")
	}
	defer a.Close()

	worker, err := tasks.NewWorker(cfg.Queue, a.Redis, a.TaskExecutor, *concurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("worker init failed")
	}
	defer worker.Close()

	log.Info().Str("topic", cfg.Queue.Topic).Str("group", cfg.Queue.GroupID).Msg("worker consuming")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}
