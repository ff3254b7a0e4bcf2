package alert

import (
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/pvctl/internal/model"
)

const maxTracked = 10000

// Suppressor lets at most one alert per (experiment, device, field, type)
// through within a window. A zero window lets everything through.
type Suppressor struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func NewSuppressor(window time.Duration) *Suppressor {
	return &Suppressor{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Allow reports whether a should be raised at now, and if so opens a new
// window for its key.
func (s *Suppressor) Allow(a model.Alert, now time.Time) bool {
	if s == nil || s.window <= 0 {
		return true
	}

	key := strings.Join([]string{a.ExperimentID, a.DeviceID, a.Field, string(a.Type)}, "|")

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.seen[key]; ok && now.Before(until) {
		return false
	}
	s.seen[key] = now.Add(s.window)

	if len(s.seen) > maxTracked {
		for k, until := range s.seen {
			if !now.Before(until) {
				delete(s.seen, k)
			}
		}
	}

	return true
}

// Filter returns the alerts of batch that Allow lets through.
func (s *Suppressor) Filter(batch []model.Alert, now time.Time) (allowed []model.Alert, suppressed int) {
	for _, a := range batch {
		if s.Allow(a, now) {
			allowed = append(allowed, a)
		} else {
			suppressed++
		}
	}
	return allowed, suppressed
}
