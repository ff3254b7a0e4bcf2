package experiment

import (
	"time"

	"codeberg.org/mutker/pvctl/internal/alert"
	"codeberg.org/mutker/pvctl/internal/metrics"
)

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReferenceArea sets the module area (m²) used for efficiency.
func WithReferenceArea(area float64) Option {
	return func(m *Manager) {
		m.area = area
	}
}

func WithEvaluator(e *alert.Evaluator) Option {
	return func(m *Manager) {
		m.evaluator = e
	}
}

func WithSuppressor(s *alert.Suppressor) Option {
	return func(m *Manager) {
		m.suppressor = s
	}
}

func WithPublishers(p ...Publisher) Option {
	return func(m *Manager) {
		m.publishers = append(m.publishers, p...)
	}
}

func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithDevices sets the source of the start-time health check. Without it
// the check is skipped.
func WithDevices(d DeviceLister) Option {
	return func(m *Manager) {
		m.devices = d
	}
}
