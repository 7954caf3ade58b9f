package middleware

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/obs"
)

//go:embed scripts/token_bucket.lua
var tokenBucketSrc string

var tokenBucket = redis.NewScript(tokenBucketSrc)

// maxPeekBody bounds how much of a reserve body PerBuyer reads to find the
// buyer. The rest stays unread for the handler.
const maxPeekBody = 64 << 10

// Limiter throttles the inventory API with Redis token buckets. A nil
// Limiter lets everything through. Redis failures fail open.
type Limiter struct {
	cfg config.RateLimitConfig
	rdb redis.Scripter
	log *slog.Logger
	now func() time.Time
}

// NewLimiter returns nil when limiting is disabled or there is no Redis.
func NewLimiter(cfg config.RateLimitConfig, rdb redis.Scripter, log *slog.Logger) *Limiter {
	if !cfg.Enabled || rdb == nil {
		return nil
	}
	if log == nil {
		log = obs.Discard()
	}
	return &Limiter{cfg: cfg, rdb: rdb, log: log, now: time.Now}
}

// PerClient charges one token per request to a bucket keyed by client IP
// and route.
func (l *Limiter) PerClient() echo.MiddlewareFunc {
	if l == nil {
		return passthrough
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = "unknown"
			}
			key := l.cfg.Prefix + ":client:" + ip + ":" + c.Request().Method + " " + c.Path()
			return l.take(c, next, "client", key, l.cfg.Client, 1)
		}
	}
}

// buyerRequest is the part of a reserve body the buyer bucket needs.
type buyerRequest struct {
	UserID int64 `json:"user_id"`
	Items  []struct {
		Quantity int     `json:"quantity"`
		SeatIDs  []int64 `json:"seat_ids"`
	} `json:"items"`
}

// seats is the number of seats the request asks for, at least one.
func (r buyerRequest) seats() int {
	n := 0
	for _, it := range r.Items {
		n += max(it.Quantity, len(it.SeatIDs), 0)
	}
	return max(n, 1)
}

// PerBuyer charges reservations to a bucket per inventory group and
// user, one token per seat requested. Requests without a readable group
// or user pass untouched; the handler rejects them.
func (l *Limiter) PerBuyer() echo.MiddlewareFunc {
	if l == nil {
		return passthrough
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			groupID, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil {
				return next(c)
			}
			body, ok := peekBody(c.Request())
			if !ok {
				return next(c)
			}
			var req buyerRequest
			if err := json.Unmarshal(body, &req); err != nil || req.UserID <= 0 {
				return next(c)
			}
			key := l.cfg.Prefix + ":group:" + strconv.FormatInt(groupID, 10) +
				":user:" + strconv.FormatInt(req.UserID, 10)
			return l.take(c, next, "buyer", key, l.cfg.Buyer, req.seats())
		}
	}
}

// peekBody reads up to maxPeekBody bytes and puts them back in front of
// whatever remains, so the handler still sees the whole body.
func peekBody(r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, false
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
	return raw, err == nil && len(raw) < maxPeekBody
}

func (l *Limiter) take(c echo.Context, next echo.HandlerFunc, bucket, key string, b config.BucketConfig, cost int) error {
	vals, err := tokenBucket.Run(c.Request().Context(), l.rdb, []string{key},
		l.now().UnixMilli(),
		b.Capacity,
		b.RefillTokens,
		b.RefillInterval.Milliseconds(),
		b.TTL.Milliseconds(),
		cost,
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		l.log.Warn("ratelimit: limiter unavailable, allowing request", "key", key, "err", err)
		return next(c)
	}
	allowed, remaining, retryMs := vals[0] == 1, vals[1], vals[2]

	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(b.Capacity))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if l.cfg.Debug {
		h.Set("X-RateLimit-Key", key)
	}
	if allowed {
		return next(c)
	}

	metrics.Throttled.WithLabelValues(bucket).Inc()
	if l.cfg.Debug {
		l.log.Info("ratelimit: blocked", "key", key, "cost", cost, "retry_ms", retryMs)
	}
	if retryMs < 0 {
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":   "too_many_requests",
			"message": "request exceeds the per-buyer seat limit",
		})
	}
	secs := int(math.Ceil(float64(retryMs) / 1000))
	h.Set("Retry-After", strconv.Itoa(secs))
	return c.JSON(http.StatusTooManyRequests, echo.Map{
		"error":       "too_many_requests",
		"message":     "rate limit exceeded",
		"retry_after": secs,
	})
}

func passthrough(next echo.HandlerFunc) echo.HandlerFunc { return next }
