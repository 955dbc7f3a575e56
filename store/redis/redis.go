// Package redis provides a Redis implementation of the gometer.Store
// interface. Snapshots are stored as JSON values under prefixed keys;
// each save replaces the previous snapshot atomically with a single SET.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gometer/pkg/gometer"
)

// Store implements gometer.Store using Redis.
type Store struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gometer:")
	KeyPrefix string

	// QuotaTTL bounds quota snapshot lifetime (0 = no expiration).
	// Quota snapshots self-invalidate via lazy rollover, so a TTL a
	// little over one month is enough.
	QuotaTTL time.Duration

	// LedgerTTL bounds ledger snapshot lifetime (0 = no expiration)
	LedgerTTL time.Duration

	// RateLimitTTL bounds limiter snapshot lifetime (default: 10 minutes;
	// limiter state is only meaningful within the trailing window)
	RateLimitTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "gometer:",
		QuotaTTL:     0,
		LedgerTTL:    0,
		RateLimitTTL: 10 * time.Minute,
	}
}

// New creates a new Redis snapshot store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gometer:"
	}
	if config.RateLimitTTL <= 0 {
		config.RateLimitTTL = 10 * time.Minute
	}

	return &Store{
		client: client,
		config: config,
	}, nil
}

// SaveQuota implements gometer.Store.
func (s *Store) SaveQuota(ctx context.Context, snap *gometer.QuotaSnapshot) error {
	if snap == nil || snap.AccountID == "" {
		return gometer.ErrInvalidConfig
	}
	return s.setJSON(ctx, s.quotaKey(snap.AccountID), snap, s.config.QuotaTTL)
}

// LoadQuota implements gometer.Store.
func (s *Store) LoadQuota(ctx context.Context, accountID string) (*gometer.QuotaSnapshot, error) {
	var snap gometer.QuotaSnapshot
	found, err := s.getJSON(ctx, s.quotaKey(accountID), &snap)
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
	return s.setJSON(ctx, s.ledgerKey(snap.AccountID), snap, s.config.LedgerTTL)
}

// LoadLedger implements gometer.Store.
func (s *Store) LoadLedger(ctx context.Context, accountID string) (*gometer.LedgerSnapshot, error) {
	var snap gometer.LedgerSnapshot
	found, err := s.getJSON(ctx, s.ledgerKey(accountID), &snap)
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
	return s.setJSON(ctx, s.rateLimitKey(), snap, s.config.RateLimitTTL)
}

// LoadRateLimits implements gometer.Store.
func (s *Store) LoadRateLimits(ctx context.Context) (*gometer.RateLimitSnapshot, error) {
	var snap gometer.RateLimitSnapshot
	found, err := s.getJSON(ctx, s.rateLimitKey(), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// Close implements gometer.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", gometer.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
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

func (s *Store) quotaKey(accountID string) string {
	return s.config.KeyPrefix + "quota:" + accountID
}

func (s *Store) ledgerKey(accountID string) string {
	return s.config.KeyPrefix + "ledger:" + accountID
}

func (s *Store) rateLimitKey() string {
	return s.config.KeyPrefix + "ratelimits"
}
