// migrate applies the embedded schema for DATABASE_DRIVER; go run ./cmd/migrate -direction up.
package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"

	"tracklist-api/backend/internal/config"
	"tracklist-api/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "up or down")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	err = migrate.Run(cfg.DatabaseDriver, cfg.DatabaseURL, *direction)
	switch {
	case err == nil:
		log.Info("migrations applied", "driver", cfg.DatabaseDriver, "direction", *direction)
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("schema already current", "driver", cfg.DatabaseDriver)
	default:
		log.Error("migrate", "driver", cfg.DatabaseDriver, "direction", *direction, "error", err)
		os.Exit(1)
	}
}
