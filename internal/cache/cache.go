// Package cache is the Redis short-term store shared by the decision layers
// and the executor. Redis being down is never fatal: operations return
// errors the callers treat like a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-trading-engine/internal/logging"
)

// Namespace TTLs.
const (
	MarketContextTTL  = 5 * time.Minute
	TradingContextTTL = time.Hour
	TradeActionTTL    = 15 * time.Minute
	MarketPricesTTL   = time.Hour
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache miss")

// Store wraps a Redis client with a health gate: after a few consecutive
// failures calls short-circuit until a background ping succeeds.
type Store struct {
	client *redis.Client
	log    zerolog.Logger

	mu            sync.RWMutex
	healthy       bool
	failures      int
	lastCheck     time.Time
	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis at the given URL. A failed initial ping returns the
// store in degraded mode rather than an error.
func New(url string, poolSize int) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid REDIS_URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	s := &Store{
		client:        redis.NewClient(opts),
		log:           logging.Component("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return s, nil
	}
	s.healthy = true
	s.lastCheck = time.Now()
	return s, nil
}

func (s *Store) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.maxFailures && s.healthy {
		s.log.Warn().Int("failures", s.failures).Msg("redis marked unhealthy")
		s.healthy = false
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.log.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failures = 0
	s.lastCheck = time.Now()
}

func (s *Store) available() bool {
	s.mu.RLock()
	healthy := s.healthy
	stale := time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !healthy && stale {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.client.Ping(ctx).Err(); err == nil {
				s.recordSuccess()
			} else {
				s.mu.Lock()
				s.lastCheck = time.Now()
				s.mu.Unlock()
			}
		}()
	}
	return healthy
}

// SetJSON stores a JSON-encoded value under key with the given TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !s.available() {
		return errors.New("cache: redis unavailable")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// GetJSON loads and decodes the value under key; ErrMiss when absent.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) error {
	if !s.available() {
		return errors.New("cache: redis unavailable")
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		s.recordFailure()
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	s.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !s.available() {
		return errors.New("cache: redis unavailable")
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// Close shuts the underlying client.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Key builders for the engine's namespaces.

func MarketContextKey(symbol string) string { return "market:context:" + symbol }
func MarketPricesKey(symbol string) string  { return "market:prices:" + symbol }
func TradeActionKey(symbol string) string   { return "trade:action:" + symbol }
func TradingContextKey() string             { return "trading:context" }
