// Package postgres provides a PostgreSQL implementation of the
// gometer.Store interface. Snapshots are upserted as JSONB rows keyed
// by account, so each save atomically replaces the previous state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gometer/pkg/gometer"
)

// Store implements gometer.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL snapshot store and ensures its schema.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		config: config,
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ensureSchema creates the snapshot tables if they do not exist.
func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS gometer_quota_snapshots (
			account_id TEXT PRIMARY KEY,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS gometer_ledger_snapshots (
			account_id TEXT PRIMARY KEY,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS gometer_ratelimit_snapshots (
			id         INT PRIMARY KEY DEFAULT 1,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT gometer_ratelimit_single_row CHECK (id = 1)
		);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveQuota implements gometer.Store.
func (s *Store) SaveQuota(ctx context.Context, snap *gometer.QuotaSnapshot) error {
	if snap == nil || snap.AccountID == "" {
		return gometer.ErrInvalidConfig
	}
	return s.upsert(ctx, `
		INSERT INTO gometer_quota_snapshots (account_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET snapshot = $2, updated_at = now()
	`, snap.AccountID, snap)
}

// LoadQuota implements gometer.Store.
func (s *Store) LoadQuota(ctx context.Context, accountID string) (*gometer.QuotaSnapshot, error) {
	var snap gometer.QuotaSnapshot
	found, err := s.queryOne(ctx,
		`SELECT snapshot FROM gometer_quota_snapshots WHERE account_id = $1`,
		&snap, accountID)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SaveLedger implements gometer.Store.
func (s *Store) SaveLedger(ctx context.Context, snap *gometer.LedgerSnapshot) error {
	if snap == nil || snap.AccountID == "" {
		return gometer.ErrInvalidConfig
	}
	return s.upsert(ctx, `
		INSERT INTO gometer_ledger_snapshots (account_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET snapshot = $2, updated_at = now()
	`, snap.AccountID, snap)
}

// LoadLedger implements gometer.Store.
func (s *Store) LoadLedger(ctx context.Context, accountID string) (*gometer.LedgerSnapshot, error) {
	var snap gometer.LedgerSnapshot
	found, err := s.queryOne(ctx,
		`SELECT snapshot FROM gometer_ledger_snapshots WHERE account_id = $1`,
		&snap, accountID)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SaveRateLimits implements gometer.Store.
func (s *Store) SaveRateLimits(ctx context.Context, snap *gometer.RateLimitSnapshot) error {
	if snap == nil {
		return gometer.ErrInvalidConfig
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gometer_ratelimit_snapshots (id, snapshot, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET snapshot = $1, updated_at = now()
	`, data)
	if err != nil {
		return fmt.Errorf("%w: %v", gometer.ErrStoreUnavailable, err)
	}
	return nil
}

// LoadRateLimits implements gometer.Store.
func (s *Store) LoadRateLimits(ctx context.Context) (*gometer.RateLimitSnapshot, error) {
	var snap gometer.RateLimitSnapshot
	found, err := s.queryOne(ctx,
		`SELECT snapshot FROM gometer_ratelimit_snapshots WHERE id = 1`,
		&snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) upsert(ctx context.Context, sql, accountID string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sql, accountID, data); err != nil {
		return fmt.Errorf("%w: %v", gometer.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, sql string, out interface{}, args ...interface{}) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", gometer.ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return true, nil
}
