package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crashout/internal/money"
)

const (
	keyRateLimitPrefix = "crash:ratelimit:"
	keyCrashHistory    = "crash:history"

	crashHistoryKeep = 100
)

type Service interface {
	GetClient() *redis.Client
	Health(ctx context.Context) map[string]string
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
	RecordCrash(ctx context.Context, crashPoint money.Multiplier) error
	RecentCrashes(ctx context.Context, n int) ([]money.Multiplier, error)
	Close() error
}

type service struct {
	client *redis.Client
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(opts Options) (Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info("redis connected")
	return &service{client: client}, nil
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := make(map[string]string)

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

// CheckRateLimit counts calls for key in a fixed window. On the first call
// of a window the counter key gets the window as TTL; retryAfter is the
// remaining TTL once the limit is hit.
func (s *service) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	redisKey := keyRateLimitPrefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr failed: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, redisKey, window)
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}

// RecordCrash appends a crash point to the persisted history list.
func (s *service) RecordCrash(ctx context.Context, crashPoint money.Multiplier) error {
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, keyCrashHistory, int64(crashPoint))
	pipe.LTrim(ctx, keyCrashHistory, 0, crashHistoryKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record crash: %w", err)
	}
	return nil
}

// RecentCrashes returns up to n most recent crash points, newest first.
// Unlike the engine's in-memory ring this survives restarts.
func (s *service) RecentCrashes(ctx context.Context, n int) ([]money.Multiplier, error) {
	vals, err := s.client.LRange(ctx, keyCrashHistory, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read crash history: %w", err)
	}
	out := make([]money.Multiplier, 0, len(vals))
	for _, v := range vals {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, money.Multiplier(i))
	}
	return out, nil
}

func (s *service) Close() error {
	log.Info("disconnecting from redis")
	return s.client.Close()
}
