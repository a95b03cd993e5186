// Package cache provides Redis-backed caching with graceful degradation.
// When Redis is unavailable the circuit breaker opens and operations return
// errors that callers handle by falling back to the database or exchange.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"risk-trader/internal/logging"
)

// ErrMiss is returned on a cache miss.
var ErrMiss = errors.New("cache miss")

// Config controls the Redis connection.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Key prefixes for the cache types the core uses.
const (
	prefixPolicyState  = "tenant:%s:policy:%s"   // tenant, month
	prefixTicker       = "ticker:%s"             // symbol
	prefixRateLimit    = "tenant:%s:ratelimit:%s" // tenant, window
	prefixGuardCooldown = "tenant:%s:cooldown:%s" // tenant, symbol
)

// Default TTLs.
const (
	PolicyStateTTL = 30 * time.Second
	TickerTTL      = 2 * time.Second
	RateLimitTTL   = 2 * time.Minute
)

// Service wraps a Redis client with a small circuit breaker.
type Service struct {
	client       *redis.Client
	config       Config
	log          *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures     int
	checkInterval   time.Duration
}

// New creates the cache service and verifies connectivity. A failed initial
// ping returns the service in degraded mode rather than an error.
func New(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		config:        cfg,
		log:           logging.Default().WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn("initial redis connection failed, starting degraded", "error", err.Error())
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.log.Info("redis connected", "address", cfg.Address)

	return s, nil
}

// IsHealthy reports whether Redis is currently usable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.log.Warn("circuit breaker open, redis marked unhealthy",
				"failures", s.failureCount)
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.log.Info("circuit breaker closed, redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth schedules a background ping once the breaker has been open
// long enough.
func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(pingCtx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// Get retrieves a raw value. Returns ErrMiss on a miss.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return "", fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	result, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		s.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()
	return result, nil
}

// Set stores a value with TTL. Non-string values are JSON encoded.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// DeletePattern deletes all keys matching a pattern.
func (s *Service) DeletePattern(ctx context.Context, pattern string) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			s.recordFailure()
			return fmt.Errorf("redis delete pattern failed: %w", err)
		}
	}

	if err := iter.Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis scan failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value.
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.Set(ctx, key, value, ttl)
}

// Increment atomically increments a counter, setting the TTL on first use.
// This is what the API rate limiter uses per tenant per window.
func (s *Service) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return 0, fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}

	if val == 1 {
		s.client.Expire(ctx, key, ttl)
	}

	s.recordSuccess()
	return val, nil
}

// Close closes the Redis connection.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity directly.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Stats reports breaker state for the health endpoint.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Healthy:      s.healthy,
		FailureCount: s.failureCount,
		Address:      s.config.Address,
		PoolSize:     s.config.PoolSize,
	}
}

// PolicyStateKey is the cache key for a tenant's monthly policy snapshot.
func PolicyStateKey(tenantID, month string) string {
	return fmt.Sprintf(prefixPolicyState, tenantID, month)
}

// TickerKey is the cache key for a symbol's last ticker.
func TickerKey(symbol string) string {
	return fmt.Sprintf(prefixTicker, symbol)
}

// RateLimitKey is the per-tenant counter key for a rate-limit window.
func RateLimitKey(tenantID, window string) string {
	return fmt.Sprintf(prefixRateLimit, tenantID, window)
}

// CooldownKey is the cache key for a tenant's last stop-out on a symbol.
func CooldownKey(tenantID, symbol string) string {
	return fmt.Sprintf(prefixGuardCooldown, tenantID, symbol)
}
