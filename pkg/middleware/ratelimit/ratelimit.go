package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "login_attempts:"

// LoginLimiter counts failed logins per client in Redis so every instance
// sees the same state. Counters expire after the window.
type LoginLimiter struct {
	client      redis.UniversalClient
	maxAttempts int
	window      time.Duration
}

func NewLoginLimiter(client redis.UniversalClient, maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		client:      client,
		maxAttempts: maxAttempts,
		window:      window,
	}
}

func (l *LoginLimiter) key(clientID string) string {
	return keyPrefix + clientID
}

// Blocked reports whether clientID has used up its attempts.
func (l *LoginLimiter) Blocked(ctx context.Context, clientID string) (bool, error) {
	val, err := l.client.Get(ctx, l.key(clientID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read login attempts: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return false, fmt.Errorf("corrupt login attempt counter: %w", err)
	}
	return count >= l.maxAttempts, nil
}

// RecordFailure increments the counter and refreshes its expiry.
func (l *LoginLimiter) RecordFailure(ctx context.Context, clientID string) (int64, error) {
	key := l.key(clientID)
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record login attempt: %w", err)
	}
	return incr.Val(), nil
}

func (l *LoginLimiter) Reset(ctx context.Context, clientID string) error {
	if err := l.client.Del(ctx, l.key(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

func (l *LoginLimiter) RetryAfter(ctx context.Context, clientID string) time.Duration {
	ttl, err := l.client.TTL(ctx, l.key(clientID)).Result()
	if err != nil || ttl < 0 {
		return l.window
	}
	return ttl
}

// LoginRateLimitMiddleware rejects blocked clients before the login handler
// runs. Counting failures stays with the handler, which knows the outcome.
func LoginRateLimitMiddleware(limiter *LoginLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		blocked, err := limiter.Blocked(c.Request.Context(), key)
		if err != nil {
			// Redis being down must not lock everyone out
			c.Next()
			return
		}
		if blocked {
			retry := limiter.RetryAfter(c.Request.Context(), key)
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many failed login attempts. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
