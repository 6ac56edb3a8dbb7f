package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

const orderColumns = `
	id::text, subaccount_id::text, client_id, clob_pair_id::text, side,
	size::text, total_filled::text, price::text, type, status, time_in_force,
	reduce_only, order_flags::text, good_til_block::text, good_til_block_time,
	COALESCE(created_at_height::text, ''), client_metadata::text,
	trigger_price::text, updated_at, COALESCE(updated_at_height::text, '')`

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindOrderByUUID returns ErrNotFound when the order has not been persisted yet.
func (s *Store) FindOrderByUUID(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find order %s: %w", id, err)
	}
	return order, nil
}

// UpdateOrderStatus sets the status and returns the updated row.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status protocol.OrderStatus) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+orderColumns, id, string(status), time.Now().UTC())
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("update order status %s: %w", id, err)
	}
	return order, nil
}

func (s *Store) LatestBlock(ctx context.Context) (Block, error) {
	var block Block
	row := s.pool.QueryRow(ctx, `SELECT block_height, time FROM blocks ORDER BY block_height DESC LIMIT 1`)
	if err := row.Scan(&block.Height, &block.Time); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Block{}, fmt.Errorf("%w: no blocks", ErrNotFound)
		}
		return Block{}, fmt.Errorf("latest block: %w", err)
	}
	return block, nil
}

func (s *Store) ListPerpetualMarkets(ctx context.Context) ([]protocol.PerpetualMarket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, clob_pair_id::text, ticker, atomic_resolution,
			quantum_conversion_exponent, subticks_per_tick, step_base_quantums
		FROM perpetual_markets
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list perpetual markets: %w", err)
	}
	defer rows.Close()

	var markets []protocol.PerpetualMarket
	for rows.Next() {
		var (
			m         protocol.PerpetualMarket
			subticks  int64
			stepQuant int64
		)
		if err := rows.Scan(&m.ID, &m.ClobPairID, &m.Ticker, &m.AtomicResolution,
			&m.QuantumConversionExponent, &subticks, &stepQuant); err != nil {
			return nil, fmt.Errorf("scan perpetual market: %w", err)
		}
		m.SubticksPerTick = uint32(subticks)
		m.StepBaseQuantums = uint64(stepQuant)
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list perpetual markets: %w", err)
	}
	return markets, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		order                          Order
		sizeStr, filledStr, priceStr   string
		status                         string
		goodTilBlock, triggerPriceText *string
	)
	if err := row.Scan(
		&order.ID, &order.SubaccountID, &order.ClientID, &order.ClobPairID, &order.Side,
		&sizeStr, &filledStr, &priceStr, &order.Type, &status, &order.TimeInForce,
		&order.ReduceOnly, &order.OrderFlags, &goodTilBlock, &order.GoodTilBlockTime,
		&order.CreatedAtHeight, &order.ClientMetadata,
		&triggerPriceText, &order.UpdatedAt, &order.UpdatedAtHeight,
	); err != nil {
		return nil, err
	}
	order.Status = protocol.OrderStatus(status)
	order.GoodTilBlock = goodTilBlock

	var err error
	if order.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}
	if order.TotalFilled, err = decimal.NewFromString(filledStr); err != nil {
		return nil, fmt.Errorf("parse total filled: %w", err)
	}
	if order.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if triggerPriceText != nil {
		trigger, err := decimal.NewFromString(*triggerPriceText)
		if err != nil {
			return nil, fmt.Errorf("parse trigger price: %w", err)
		}
		order.TriggerPrice = &trigger
	}
	return &order, nil
}
