package webchat

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectConfig controls how the streaming transport re-dials after the
// socket drops. Outbound dispatches are never retried.
type ReconnectConfig struct {
	// MaxRetries <= 0 disables reconnection. A nil *ReconnectConfig in
	// Config selects DefaultReconnectConfig instead.
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     bool          `koanf:"jitter"`
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   15 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

func (c ReconnectConfig) enabled() bool {
	return c.MaxRetries > 0
}

// delay returns BaseDelay * Multiplier^attempt, capped at MaxDelay, with up to
// 10% jitter either way.
func (c ReconnectConfig) delay(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(base) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		jitterRange := d * 0.1
		d += (rand.Float64() - 0.5) * 2 * jitterRange
		if d < 0 {
			d = float64(base)
		}
	}
	return time.Duration(d)
}
