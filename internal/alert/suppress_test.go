package alert_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/pvctl/internal/alert"
	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestSuppressorDisabled(t *testing.T) {
	s := alert.NewSuppressor(0)
	a := model.Alert{ExperimentID: "e", Field: model.FieldTemperature, Type: model.AlertCritical}
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, s.Allow(a, now))
	}

	var nilSuppressor *alert.Suppressor
	assert.True(t, nilSuppressor.Allow(a, now))
}

func TestSuppressorWindow(t *testing.T) {
	s := alert.NewSuppressor(time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	temp := model.Alert{ExperimentID: "e", Field: model.FieldTemperature, Type: model.AlertCritical}

	assert.True(t, s.Allow(temp, now))
	assert.False(t, s.Allow(temp, now.Add(30*time.Second)))
	assert.True(t, s.Allow(temp, now.Add(time.Minute)))

	other := temp
	other.ExperimentID = "f"
	assert.True(t, s.Allow(other, now.Add(10*time.Second)), "keys are per experiment")

	warn := temp
	warn.Type = model.AlertWarning
	assert.True(t, s.Allow(warn, now.Add(10*time.Second)), "keys are per type")
}

func TestSuppressorFilter(t *testing.T) {
	s := alert.NewSuppressor(time.Minute)
	now := time.Now()
	batch := alert.Evaluate(model.DataPoint{ExperimentID: "e", Temperature: model.Float(90), Current: model.Float(200)})

	allowed, suppressed := s.Filter(batch, now)
	assert.Len(t, allowed, 2)
	assert.Zero(t, suppressed)

	allowed, suppressed = s.Filter(batch, now.Add(time.Second))
	assert.Empty(t, allowed)
	assert.Equal(t, 2, suppressed)
}
