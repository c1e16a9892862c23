package trade

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists trade records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects a pool and ensures the trades table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS trades (
			id         BIGSERIAL PRIMARY KEY,
			mint       TEXT NOT NULL,
			side       TEXT NOT NULL,
			amount     BIGINT NOT NULL,
			price      DOUBLE PRECISION NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			signature  TEXT NOT NULL DEFAULT '',
			forced     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}
	return nil
}

// Append inserts one trade record.
func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	if r.Mint == "" {
		return ErrInvalidInput
	}

	query := `
		INSERT INTO trades (mint, side, amount, price, reason, signature, forced, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		r.Mint, string(r.Side), int64(r.Amount), r.Price, r.Reason, r.Signature, r.Forced, r.At,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = RecentLimit
	}

	query := `
		SELECT mint, side, amount, price, reason, signature, forced, created_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var side string
		var amount int64
		if err := rows.Scan(&r.Mint, &side, &amount, &r.Price, &r.Reason, &r.Signature, &r.Forced, &r.At); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		r.Side = Side(side)
		r.Amount = uint64(amount)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
