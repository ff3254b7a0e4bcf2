package model_test

import (
	"math"
	"testing"

	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestDataPointMeasurements(t *testing.T) {
	p := model.DataPoint{Voltage: model.Float(20), Irradiance: model.Float(1000)}

	assert.True(t, p.Set(model.FieldCurrent, 5))
	assert.False(t, p.Set("resistance", 4))

	assert.Equal(t, map[string]float64{
		model.FieldVoltage:    20,
		model.FieldCurrent:    5,
		model.FieldIrradiance: 1000,
	}, p.Measurements())
	assert.Len(t, p.Refs(), len(model.Fields))
}

func TestDataPointNonFinite(t *testing.T) {
	p := model.DataPoint{Voltage: model.Float(20)}
	assert.Empty(t, p.NonFinite())

	p.Temperature = model.Float(math.Inf(1))
	assert.Equal(t, model.FieldTemperature, p.NonFinite())
}

func TestValue(t *testing.T) {
	assert.Zero(t, model.Value(nil))
	assert.Equal(t, 3.5, model.Value(model.Float(3.5)))
}

func TestStatus(t *testing.T) {
	assert.True(t, model.StatusRunning.IsValid())
	assert.False(t, model.Status("paused").IsValid())
	assert.False(t, model.StatusRunning.IsTerminal())
	for _, s := range []model.Status{model.StatusCompleted, model.StatusCancelled, model.StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
}
