package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "obsync"),
		getEnv("POSTGRES_PASSWORD", "obsync"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "indexer"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the subset of the indexer tables the service reads.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			block_height BIGINT PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS perpetual_markets (
			id BIGINT PRIMARY KEY,
			clob_pair_id BIGINT NOT NULL UNIQUE,
			ticker TEXT NOT NULL UNIQUE,
			atomic_resolution INTEGER NOT NULL,
			quantum_conversion_exponent INTEGER NOT NULL,
			subticks_per_tick BIGINT NOT NULL,
			step_base_quantums BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			subaccount_id UUID NOT NULL,
			client_id TEXT NOT NULL,
			clob_pair_id BIGINT NOT NULL,
			side TEXT NOT NULL,
			size NUMERIC NOT NULL,
			total_filled NUMERIC NOT NULL DEFAULT 0,
			price NUMERIC NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			time_in_force TEXT NOT NULL,
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			order_flags BIGINT NOT NULL,
			good_til_block BIGINT,
			good_til_block_time TIMESTAMPTZ,
			created_at_height BIGINT,
			client_metadata BIGINT NOT NULL DEFAULT 0,
			trigger_price NUMERIC,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at_height BIGINT
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM orders",
		"DELETE FROM blocks",
		"DELETE FROM perpetual_markets",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
