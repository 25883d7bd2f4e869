package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RateLimiter is a fixed-window limiter shared by every server instance
// through Redis. Requests are keyed by the authenticated user, or by client
// IP before authentication.
type RateLimiter struct {
	rdb      *redis.Client
	name     string
	rate     int           // Requests per window
	interval time.Duration // Window length
	log      zerolog.Logger
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rdb *redis.Client, name string, rate int, interval time.Duration, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:      rdb,
		name:     name,
		rate:     rate,
		interval: interval,
		log:      log.With().Str("component", "ratelimit").Str("limiter", name).Logger(),
	}
}

func (rl *RateLimiter) key(c *gin.Context) string {
	window := time.Now().UnixMilli() / rl.interval.Milliseconds()
	if claims := GetClaims(c); claims != nil {
		return fmt.Sprintf("ratelimit:%s:%s:%d:%d", rl.name, claims.TokenType, claims.UserID, window)
	}
	return fmt.Sprintf("ratelimit:%s:ip:%s:%d", rl.name, c.ClientIP(), window)
}

// Middleware returns a Gin middleware that rejects requests over the limit.
// A Redis failure lets the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := rl.key(c)

		pipe := rl.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, rl.interval)
		if _, err := pipe.Exec(ctx); err != nil {
			rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
			c.Next()
			return
		}

		count := int(incr.Val())
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(rl.rate-count, 0)))
		if count > rl.rate {
			c.Header("Retry-After", strconv.Itoa(int(rl.interval.Seconds())))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
