package data

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundsim/backtest-backend/pkg/types"
)

const getPricesQuery = `
SELECT day, open, high, low, close, volume
FROM daily_prices
WHERE ticker = $1 AND day BETWEEN $2 AND $3
ORDER BY day`

// PostgresRepository serves daily bars from a Postgres daily_prices table.
type PostgresRepository struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

// NewPostgresRepository connects a pool to dbURL and verifies connectivity.
func NewPostgresRepository(ctx context.Context, logger *zap.Logger, dbURL string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	// Register shopspring decimal so price columns scan losslessly.
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresRepository{logger: logger, pool: pool}, nil
}

// GetPrices returns the daily bars for a ticker within [start, end],
// inclusive and date-ordered. ErrNoPrices when the range is empty.
func (r *PostgresRepository) GetPrices(ctx context.Context, ticker string, start, end time.Time) ([]types.Price, error) {
	rows, err := r.pool.Query(ctx, getPricesQuery, ticker, start, end)
	if err != nil {
		return nil, fmt.Errorf("query prices for %s: %w", ticker, err)
	}
	defer rows.Close()

	var bars []types.Price
	for rows.Next() {
		var (
			day                                 time.Time
			open, high, low, closePrice, volume decimal.Decimal
		)
		if err := rows.Scan(&day, &open, &high, &low, &closePrice, &volume); err != nil {
			return nil, fmt.Errorf("scan price row for %s: %w", ticker, err)
		}
		bars = append(bars, types.Price{
			Date:   day,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price rows for %s: %w", ticker, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s to %s: %w",
			ticker, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoPrices)
	}
	return bars, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
