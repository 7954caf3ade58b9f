package config

import "time"

// BucketConfig sizes one token bucket: Capacity tokens at most, refilled
// continuously at RefillTokens per RefillInterval. Idle buckets expire
// after TTL.
type BucketConfig struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
}

// RateLimitConfig configures request throttling in front of the API.
//
// Client limits every /v1 request by client IP and route, one token per
// request. Buyer limits reservations per inventory group and user, one
// token per seat requested, so a single buyer cannot drain a flash sale.
type RateLimitConfig struct {
	Enabled bool
	Prefix  string
	Debug   bool
	Client  BucketConfig
	Buyer   BucketConfig
}

// LoadRateLimitConfig reads RATE_LIMIT_* variables.
func LoadRateLimitConfig() (RateLimitConfig, error) {
	var e env
	cfg := loadRateLimitConfig(&e)
	return cfg, e.err()
}

func loadRateLimitConfig(e *env) RateLimitConfig {
	return RateLimitConfig{
		Enabled: e.boolOr("RATE_LIMIT_ENABLED", true),
		Prefix:  e.str("RATE_LIMIT_PREFIX", "rl"),
		Debug:   e.boolOr("RATE_LIMIT_DEBUG", false),
		Client: loadBucket(e, "RATE_LIMIT", BucketConfig{
			Capacity:       60,
			RefillTokens:   1,
			RefillInterval: time.Second,
			TTL:            10 * time.Minute,
		}),
		Buyer: loadBucket(e, "RATE_LIMIT_BUYER", BucketConfig{
			Capacity:       8,
			RefillTokens:   1,
			RefillInterval: 30 * time.Second,
			TTL:            time.Hour,
		}),
	}
}

// loadBucket reads <prefix>_CAPACITY, _REFILL_TOKENS, _REFILL_INTERVAL and
// _TTL over def, then clamps the result into a usable bucket.
func loadBucket(e *env, prefix string, def BucketConfig) BucketConfig {
	b := BucketConfig{
		Capacity:       e.intOr(prefix+"_CAPACITY", def.Capacity),
		RefillTokens:   e.intOr(prefix+"_REFILL_TOKENS", def.RefillTokens),
		RefillInterval: e.durOr(prefix+"_REFILL_INTERVAL", def.RefillInterval),
		TTL:            e.durOr(prefix+"_TTL", def.TTL),
	}
	b.Capacity = max(b.Capacity, 1)
	b.RefillTokens = max(b.RefillTokens, 1)
	if b.RefillInterval <= 0 {
		b.RefillInterval = time.Second
	}
	// An idle bucket must outlive a full refill, otherwise expiry would
	// hand out a fresh bucket early.
	full := time.Duration(b.Capacity/b.RefillTokens+1) * b.RefillInterval
	b.TTL = max(b.TTL, full)
	return b
}
