package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsboard/opsboard/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyIngestCaller = "usage:ingest:caller:%s"
	keyIngestLock   = "usage:ingest:lock:%s:%s"
)

// IngestLimiter throttles the usage ingest API per caller and serializes
// writes to the same (workspace, resource type) counter. A nil limiter is
// valid and allows everything; the limiter is only built when rate limiting
// is enabled in config.
type IngestLimiter struct {
	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    limitCfg.IngestRate,
		burst:   limitCfg.IngestBurst,
		lockTTL: time.Duration(limitCfg.ConcurrencyTTLSeconds) * time.Second,
	}, nil
}

func (l *IngestLimiter) Enabled() bool { return l != nil }

// AllowCaller consumes one ingest token for the calling identity.
func (l *IngestLimiter) AllowCaller(ctx context.Context, callerID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIngestCaller, strings.TrimSpace(callerID)), l.rate, l.burst)
}

// TryLockCounter claims the (workspace, resource type) ingest slot.
func (l *IngestLimiter) TryLockCounter(ctx context.Context, workspaceID, resourceType string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyIngestLock, strings.TrimSpace(workspaceID), strings.TrimSpace(resourceType))
	return l.locker.TryLock(ctx, key, l.lockTTL)
}

func (l *IngestLimiter) ReleaseCounter(ctx context.Context, workspaceID, resourceType, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyIngestLock, strings.TrimSpace(workspaceID), strings.TrimSpace(resourceType))
	return l.locker.Release(ctx, key, token)
}
