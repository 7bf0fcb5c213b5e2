package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/queryowl/internal/auth"
	"github.com/wisbric/queryowl/internal/config"
)

// runSeed bootstraps the initial MASTER operator account. It is a no-op when
// accounts already exist.
func runSeed(ctx context.Context, _ *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	store := auth.NewStore(db)

	n, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("checking existing accounts: %w", err)
	}
	if n > 0 {
		logger.Info("seed: accounts already exist, nothing to do", "count", n)
		return nil
	}

	email := envOr("QUERYOWL_ADMIN_EMAIL", "admin@localhost")
	password := os.Getenv("QUERYOWL_ADMIN_PASSWORD")
	if password == "" {
		password = auth.GenerateDevSecret()
		logger.Info("seed: generated admin password (set QUERYOWL_ADMIN_PASSWORD to choose one)", "password", password)
	}

	user, err := store.Create(ctx, email, "Administrator", password, auth.RoleMaster)
	if err != nil {
		return fmt.Errorf("creating admin account: %w", err)
	}

	logger.Info("seed: created MASTER operator", "email", user.Email, "id", user.ID)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
