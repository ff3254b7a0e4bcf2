// Package analysis derives IV-curve landmarks and aggregate results from the
// data points of an experiment. Everything here is pure.
package analysis

import "codeberg.org/mutker/pvctl/internal/model"

const (
	// A point qualifies as open circuit below this current (A).
	OpenCircuitCurrent = 0.1
	// A point qualifies as short circuit below this voltage (V).
	ShortCircuitVoltage = 0.1

	// DefaultReferenceArea is the module area used for efficiency (m²).
	DefaultReferenceArea = 1.0
)

// Power returns voltage × current.
func Power(voltage, current float64) float64 {
	return voltage * current
}

// Efficiency returns power / (irradiance × area) × 100. It returns false
// when irradiance is not positive. A non-positive area falls back to
// DefaultReferenceArea.
func Efficiency(power, irradiance, area float64) (float64, bool) {
	if irradiance <= 0 {
		return 0, false
	}
	if area <= 0 {
		area = DefaultReferenceArea
	}
	return power / (irradiance * area) * 100, true
}

// Derive fills power from voltage and current when it is missing. Efficiency
// is always recomputed from power and irradiance when both are known; a
// supplied value survives only without positive irradiance. It returns the
// updated copy.
func Derive(p model.DataPoint, area float64) model.DataPoint {
	if p.Power == nil && p.Voltage != nil && p.Current != nil {
		p.Power = model.Float(Power(*p.Voltage, *p.Current))
	}

	if p.Power != nil && p.Irradiance != nil {
		if eff, ok := Efficiency(*p.Power, *p.Irradiance, area); ok {
			p.Efficiency = model.Float(eff)
		}
	}

	return p
}

// Summarize reduces a time-ordered point sequence into Results. It returns
// false for an empty sequence; there are no results to persist then.
func Summarize(points []model.DataPoint) (model.Results, bool) {
	if len(points) == 0 {
		return model.Results{}, false
	}

	first := points[0]
	res := model.Results{
		TotalDataPoints: len(points),
		MaxPower:        model.Value(first.Power),
		MaxVoltage:      model.Value(first.Voltage),
		MaxCurrent:      model.Value(first.Current),
		MaxTemperature:  model.Value(first.Temperature),
		MPP:             powerPoint(first),
		// Placeholder until acceptance criteria exist.
		Passed: true,
	}

	var sumPower, sumEfficiency float64
	vocFound, iscFound := false, false

	for _, p := range points {
		power := model.Value(p.Power)
		sumPower += power
		sumEfficiency += model.Value(p.Efficiency)

		res.MaxVoltage = max(res.MaxVoltage, model.Value(p.Voltage))
		res.MaxCurrent = max(res.MaxCurrent, model.Value(p.Current))
		res.MaxTemperature = max(res.MaxTemperature, model.Value(p.Temperature))

		// Strict comparison keeps the first occurrence on ties.
		if power > res.MaxPower {
			res.MaxPower = power
			res.MPP = powerPoint(p)
		}

		if !vocFound && p.Current != nil && *p.Current < OpenCircuitCurrent {
			res.OpenCircuitVoltage = model.Value(p.Voltage)
			vocFound = true
		}

		if !iscFound && p.Voltage != nil && *p.Voltage < ShortCircuitVoltage {
			res.ShortCircuitCurrent = model.Value(p.Current)
			iscFound = true
		}
	}

	n := float64(len(points))
	res.AvgPower = sumPower / n
	res.AvgEfficiency = sumEfficiency / n

	if len(points) >= 2 {
		res.TestDuration = points[len(points)-1].Timestamp.Sub(first.Timestamp).Seconds()
	}

	res.FillFactor = FillFactor(res.MaxPower, res.OpenCircuitVoltage, res.ShortCircuitCurrent)

	return res, true
}

// FillFactor returns maxPower / (voc × isc), or 0 unless both are positive.
func FillFactor(maxPower, voc, isc float64) float64 {
	if voc <= 0 || isc <= 0 {
		return 0
	}
	return maxPower / (voc * isc)
}

func powerPoint(p model.DataPoint) model.PowerPoint {
	return model.PowerPoint{
		Voltage: model.Value(p.Voltage),
		Current: model.Value(p.Current),
		Power:   model.Value(p.Power),
	}
}
