package bridge

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig paces repeated attempts to reach a control socket that is not
// up yet. Kernel connections themselves are never retried.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts of 0 retries until ctx is done.
	MaxAttempts int
	Jitter      bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// retryDelay returns the wait before attempt N (1-based).
func retryDelay(cfg RetryConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// DialRetry dials the control socket, backing off between failures.
func DialRetry(ctx context.Context, path string, cfg RetryConfig) (*Client, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		client, err := Dial(ctx, path)
		if err == nil {
			return client, nil
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, err
		}
		delay := retryDelay(cfg, attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Str("socket", path).Msg("control dial retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
