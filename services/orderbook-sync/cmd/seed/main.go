package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/AfshinJalili/obsync/services/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

type seedMarket struct {
	ID                        int64
	ClobPairID                int64
	Ticker                    string
	AtomicResolution          int32
	QuantumConversionExponent int32
	SubticksPerTick           int64
	StepBaseQuantums          int64
}

var markets = []seedMarket{
	{ID: 0, ClobPairID: 0, Ticker: "BTC-USD", AtomicResolution: -10, QuantumConversionExponent: -9, SubticksPerTick: 100000, StepBaseQuantums: 1000000},
	{ID: 1, ClobPairID: 1, Ticker: "ETH-USD", AtomicResolution: -9, QuantumConversionExponent: -9, SubticksPerTick: 100000, StepBaseQuantums: 1000000},
	{ID: 2, ClobPairID: 2, Ticker: "SOL-USD", AtomicResolution: -7, QuantumConversionExponent: -9, SubticksPerTick: 1000000, StepBaseQuantums: 1000000},
}

func main() {
	env := getEnv("OBSYNC_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: OBSYNC_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "obsync"),
		getEnv("POSTGRES_PASSWORD", "obsync"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "indexer"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := testutil.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	fmt.Println("✓ Schema ready")

	if err := seedMarkets(ctx, pool); err != nil {
		log.Fatalf("seed markets: %v", err)
	}
	fmt.Println("✓ Perpetual markets seeded")

	if err := seedBlock(ctx, pool); err != nil {
		log.Fatalf("seed block: %v", err)
	}
	fmt.Println("✓ Genesis block seeded")

	if os.Getenv("SEED_EVENTS") == "1" {
		brokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
		topic := getEnv("KAFKA_OFF_CHAIN_UPDATES_TOPIC", "to-vulcan")
		n, err := publishDemoEvents(ctx, brokers, topic)
		if err != nil {
			log.Fatalf("publish demo events: %v", err)
		}
		fmt.Printf("✓ %d demo off-chain updates published to %s\n", n, topic)
	}

	fmt.Println("\n=== Seed Complete ===")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedMarkets(ctx context.Context, pool *pgxpool.Pool) error {
	for _, m := range markets {
		_, err := pool.Exec(ctx, `
			INSERT INTO perpetual_markets (id, clob_pair_id, ticker, atomic_resolution, quantum_conversion_exponent, subticks_per_tick, step_base_quantums)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE
			SET ticker = EXCLUDED.ticker,
			    atomic_resolution = EXCLUDED.atomic_resolution,
			    quantum_conversion_exponent = EXCLUDED.quantum_conversion_exponent,
			    subticks_per_tick = EXCLUDED.subticks_per_tick,
			    step_base_quantums = EXCLUDED.step_base_quantums
		`, m.ID, m.ClobPairID, m.Ticker, m.AtomicResolution, m.QuantumConversionExponent, m.SubticksPerTick, m.StepBaseQuantums)
		if err != nil {
			return fmt.Errorf("%s: %w", m.Ticker, err)
		}
	}
	return nil
}

func seedBlock(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO blocks (block_height, time)
		VALUES ($1, $2)
		ON CONFLICT (block_height) DO NOTHING
	`, 1, time.Now().UTC())
	return err
}
