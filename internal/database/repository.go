package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpspot/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	LogPriceRecords(ctx context.Context, records []model.PriceRecord) error
	LogOpportunities(ctx context.Context, opps []model.Opportunity) error
	LogSimulation(ctx context.Context, res model.SimulationResult) error
}

const schema = `
CREATE TABLE IF NOT EXISTS price_records (
	id BIGSERIAL PRIMARY KEY,
	token VARCHAR(20) NOT NULL,
	source VARCHAR(50) NOT NULL,
	kind VARCHAR(10) NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS price_records_key_idx ON price_records (token, source, observed_at DESC);

CREATE TABLE IF NOT EXISTS opportunities (
	id TEXT PRIMARY KEY,
	token VARCHAR(20) NOT NULL,
	spot_price DOUBLE PRECISION NOT NULL,
	perp_price DOUBLE PRECISION NOT NULL,
	spread_bps DOUBLE PRECISION NOT NULL,
	strategy VARCHAR(32) NOT NULL,
	estimated_pnl DOUBLE PRECISION NOT NULL,
	funding_rate DOUBLE PRECISION NOT NULL,
	liquidity_score DOUBLE PRECISION NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS opportunities_observed_idx ON opportunities (observed_at DESC);

CREATE TABLE IF NOT EXISTS simulations (
	id TEXT PRIMARY KEY,
	token VARCHAR(20) NOT NULL,
	notional_usd DOUBLE PRECISION NOT NULL,
	template VARCHAR(100) NOT NULL DEFAULT '',
	spot_price DOUBLE PRECISION NOT NULL,
	perp_price DOUBLE PRECISION NOT NULL,
	spread_bps DOUBLE PRECISION NOT NULL,
	n_simulations INTEGER NOT NULL,
	mean_pnl DOUBLE PRECISION NOT NULL,
	median_pnl DOUBLE PRECISION NOT NULL,
	p95_pnl DOUBLE PRECISION NOT NULL,
	p5_pnl DOUBLE PRECISION NOT NULL,
	success_probability DOUBLE PRECISION NOT NULL,
	mean_exec_ms DOUBLE PRECISION NOT NULL,
	p99_exec_ms DOUBLE PRECISION NOT NULL,
	sharpe_like DOUBLE PRECISION NOT NULL,
	max_loss DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

// PostgresRepository implements the Repository interface for PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to the database and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Migrate creates the tables when they do not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("could not migrate: %w", err)
	}
	return nil
}

// LogPriceRecords appends one row per record.
func (r *PostgresRepository) LogPriceRecords(ctx context.Context, records []model.PriceRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`INSERT INTO price_records (token, source, kind, price, observed_at) VALUES ($1, $2, $3, $4, $5)`,
			rec.Token, rec.Source, string(rec.Kind), rec.Price, rec.ObservedAt)
	}
	return r.sendBatch(ctx, batch, "price records")
}

// LogOpportunities stores each opportunity once; re-logging an ID is a no-op.
func (r *PostgresRepository) LogOpportunities(ctx context.Context, opps []model.Opportunity) error {
	batch := &pgx.Batch{}
	for _, o := range opps {
		batch.Queue(`INSERT INTO opportunities (id, token, spot_price, perp_price, spread_bps, strategy, estimated_pnl, funding_rate, liquidity_score, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING`,
			o.ID, o.Token, o.SpotPrice, o.PerpPrice, o.SpreadBps, string(o.Strategy), o.EstimatedPnl, o.FundingRate, o.LiquidityScore, o.ObservedAt)
	}
	return r.sendBatch(ctx, batch, "opportunities")
}

// LogSimulation stores the summary of a Monte Carlo batch. Rejected
// simulations are not stored.
func (r *PostgresRepository) LogSimulation(ctx context.Context, res model.SimulationResult) error {
	if res.Failed() {
		return nil
	}
	_, err := r.Pool.Exec(ctx, `INSERT INTO simulations (id, token, notional_usd, template, spot_price, perp_price, spread_bps, n_simulations,
		mean_pnl, median_pnl, p95_pnl, p5_pnl, success_probability, mean_exec_ms, p99_exec_ms, sharpe_like, max_loss, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		res.ID, res.Token, res.NotionalUSD, res.Template, res.SpotPrice, res.PerpPrice, res.SpreadBps, res.NSimulations,
		res.MeanPnl, res.MedianPnl, res.P95Pnl, res.P5Pnl, res.SuccessProbability, res.MeanExecMs, res.P99ExecMs, res.SharpeLike, res.MaxLoss, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not log simulation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) sendBatch(ctx context.Context, batch *pgx.Batch, what string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := r.Pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("could not log %s: %w", what, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("could not log %s: %w", what, err)
	}
	return nil
}

func (r *PostgresRepository) Close() {
	r.Pool.Close()
}
