package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// LoginTrackerConfig holds configuration for login tracking
type LoginTrackerConfig struct {
	MaxAttempts   int           // failed attempts before a block (default: 5)
	AttemptWindow time.Duration // window for counting attempts (default: 15min)
	BlockDuration time.Duration // block length after max attempts (default: 15min)
}

func DefaultLoginTrackerConfig() LoginTrackerConfig {
	return LoginTrackerConfig{
		MaxAttempts:   5,
		AttemptWindow: 15 * time.Minute,
		BlockDuration: 15 * time.Minute,
	}
}

// LoginTracker counts failed sign-ins per email in Redis and blocks the
// address once MaxAttempts is reached. Without Redis it fails open.
type LoginTracker struct {
	client *goredis.Client
	config LoginTrackerConfig
	logger *SecurityLogger
}

func NewLoginTracker(client *goredis.Client, config LoginTrackerConfig, logger *SecurityLogger) *LoginTracker {
	return &LoginTracker{client: client, config: config, logger: logger}
}

const (
	failLoginPrefix    = "fail:login:user:"
	blockedLoginPrefix = "blocked:login:user:"
)

// Lua script for atomic increment with TTL on first set
// KEYS[1] = counter key
// ARGV[1] = TTL in seconds
const incrWithTTLScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// IsBlocked returns the remaining block time, zero when not blocked.
func (lt *LoginTracker) IsBlocked(ctx context.Context, email string) (time.Duration, error) {
	if lt == nil || lt.client == nil {
		return 0, nil
	}
	ttl, err := lt.client.TTL(ctx, blockedLoginPrefix+normalize(email)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check login block: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordFailedAttempt returns true once the address has been blocked.
func (lt *LoginTracker) RecordFailedAttempt(ctx context.Context, email string, req Request) (bool, error) {
	if lt == nil || lt.client == nil {
		return false, nil
	}
	email = normalize(email)

	result, err := lt.client.Eval(ctx, incrWithTTLScript, []string{failLoginPrefix + email}, int(lt.config.AttemptWindow.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment login counter: %w", err)
	}
	count, ok := result.(int64)
	if !ok {
		return false, errors.New("unexpected result type from Lua script")
	}

	lt.logger.LogAuth(ctx, EventLoginFailed, email, req, map[string]any{"attempt": count})
	if int(count) < lt.config.MaxAttempts {
		return false, nil
	}

	if err := lt.client.Set(ctx, blockedLoginPrefix+email, "1", lt.config.BlockDuration).Err(); err != nil {
		return true, fmt.Errorf("failed to set login block: %w", err)
	}
	lt.logger.LogAuth(ctx, EventBlockCreated, email, req, map[string]any{"duration_minutes": int(lt.config.BlockDuration.Minutes())})
	return true, nil
}

// ClearAttempts clears failed login attempts on successful login
func (lt *LoginTracker) ClearAttempts(ctx context.Context, email string) error {
	if lt == nil || lt.client == nil {
		return nil
	}
	if err := lt.client.Del(ctx, failLoginPrefix+normalize(email)).Err(); err != nil {
		return fmt.Errorf("failed to clear login attempts: %w", err)
	}
	return nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
