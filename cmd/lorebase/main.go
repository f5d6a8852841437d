// Command lorebase boots the RAG service core: configuration, storage
// singletons, retrieval engine, ingestion pipeline, and chat
// orchestrator. The HTTP surface mounts on top of the app aggregate.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"lorebase/internal/app"
	"lorebase/internal/config"
	"lorebase/internal/logging"
)

func main() {
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

	log.Info().
		Str("vector_backend", cfg.Vector.Backend).
		Str("database_backend", cfg.Database.Backend).
		Msg("lorebase core ready")

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
