package telemetry

import (
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
)

const (
	defaultInterval = 2 * time.Second
	defaultBuffer   = 64
	// Readings older than this many intervals are left out of a merge.
	staleIntervals = 3
)

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
	Buffer   int
}

func DefaultConfig() Config {
	return Config{
		Interval: defaultInterval,
		MaxAge:   staleIntervals * defaultInterval,
		Buffer:   defaultBuffer,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.MaxAge < 0 || c.Buffer < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "max age and buffer must not be negative")
	}
	return nil
}

func (c Config) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return staleIntervals * c.Interval
}
