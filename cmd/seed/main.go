// seed creates a user account for local testing. Idempotent: an existing email is left as is.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/config"
	"tracklist-api/backend/internal/db"
	"tracklist-api/backend/internal/identity/domain"
	identityrepo "tracklist-api/backend/internal/identity/repository"
	"tracklist-api/backend/internal/security"
)

func main() {
	email := flag.String("email", "dev@example.com", "account email")
	password := flag.String("password", "password123", "account password")
	role := flag.String("role", string(domain.RoleUser), "account role: user or admin")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := seed(log, *email, *password, domain.Role(*role)); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func seed(log *slog.Logger, email, password string, role domain.Role) error {
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	hash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(password))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	users := identityrepo.NewSQLRepository(conn, cfg.DatabaseDriver)
	normalized := domain.NormalizeEmail(email)
	err = users.Create(ctx, &domain.Identity{
		ID:           uuid.NewString(),
		Email:        normalized,
		PasswordHash: hash,
		Role:         role,
		Status:       domain.StatusActive,
		CreatedAt:    time.Now().UTC(),
	})
	if errors.Is(err, autherr.ErrConflict) {
		log.Info("user already exists", "email", normalized)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("user created", "email", normalized, "role", role)
	return nil
}
