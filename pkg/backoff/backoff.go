// Package backoff computes retry delays for dispatch attempts.
package backoff

import (
	"math"
	"time"
)

const (
	DefaultInitial = 30 * time.Second
	DefaultMax     = 24 * time.Hour
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 30s
	Max     time.Duration // default: 24h
}

// Exponential returns the delay to wait after `attempts` attempts have been
// made: initial * 2^(attempts-1), capped at max.
// After the first attempt it is 30s, then 60s, 120s, 240s and so on.
func Exponential(attempts int, cfg *Config) time.Duration {
	initial := DefaultInitial
	maxBackoff := DefaultMax
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempts < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempts-1))
	if backoff > float64(maxBackoff) || math.IsInf(backoff, 1) {
		return maxBackoff
	}
	return time.Duration(backoff)
}
