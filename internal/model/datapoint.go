package model

import (
	"math"
	"time"
)

// DataPoint is one timestamped sample of an experiment. Absent
// measurements are nil.
type DataPoint struct {
	ID                  int64     `json:"id"`
	ExperimentID        string    `json:"experiment_id"`
	Timestamp           time.Time `json:"timestamp"`
	Voltage             *float64  `json:"voltage,omitempty"`
	Current             *float64  `json:"current,omitempty"`
	Power               *float64  `json:"power,omitempty"`
	Temperature         *float64  `json:"temperature,omitempty"`
	Humidity            *float64  `json:"humidity,omitempty"`
	Irradiance          *float64  `json:"irradiance,omitempty"`
	Efficiency          *float64  `json:"efficiency,omitempty"`
	FillFactor          *float64  `json:"fill_factor,omitempty"`
	OpenCircuitVoltage  *float64  `json:"open_circuit_voltage,omitempty"`
	ShortCircuitCurrent *float64  `json:"short_circuit_current,omitempty"`
	MaxPowerVoltage     *float64  `json:"max_power_voltage,omitempty"`
	MaxPowerCurrent     *float64  `json:"max_power_current,omitempty"`
}

// Measurement field names, shared by the store columns, sinks and device
// snapshots.
const (
	FieldVoltage             = "voltage"
	FieldCurrent             = "current"
	FieldPower               = "power"
	FieldTemperature         = "temperature"
	FieldHumidity            = "humidity"
	FieldIrradiance          = "irradiance"
	FieldEfficiency          = "efficiency"
	FieldFillFactor          = "fill_factor"
	FieldOpenCircuitVoltage  = "open_circuit_voltage"
	FieldShortCircuitCurrent = "short_circuit_current"
	FieldMaxPowerVoltage     = "max_power_voltage"
	FieldMaxPowerCurrent     = "max_power_current"
)

// Fields lists the measurement names in column order.
var Fields = []string{
	FieldVoltage,
	FieldCurrent,
	FieldPower,
	FieldTemperature,
	FieldHumidity,
	FieldIrradiance,
	FieldEfficiency,
	FieldFillFactor,
	FieldOpenCircuitVoltage,
	FieldShortCircuitCurrent,
	FieldMaxPowerVoltage,
	FieldMaxPowerCurrent,
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Value returns the measurement or 0 when it is absent.
func Value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Refs returns pointers to the measurement fields in Fields order.
func (p *DataPoint) Refs() []**float64 {
	return []**float64{
		&p.Voltage,
		&p.Current,
		&p.Power,
		&p.Temperature,
		&p.Humidity,
		&p.Irradiance,
		&p.Efficiency,
		&p.FillFactor,
		&p.OpenCircuitVoltage,
		&p.ShortCircuitCurrent,
		&p.MaxPowerVoltage,
		&p.MaxPowerCurrent,
	}
}

// Measurements returns the present measurements keyed by field name.
func (p *DataPoint) Measurements() map[string]float64 {
	out := make(map[string]float64, len(Fields))
	for i, ref := range p.Refs() {
		if *ref != nil {
			out[Fields[i]] = **ref
		}
	}
	return out
}

// Set stores v under the named field. Unknown names are ignored and
// reported as false.
func (p *DataPoint) Set(field string, v float64) bool {
	for i, name := range Fields {
		if name == field {
			*p.Refs()[i] = Float(v)
			return true
		}
	}
	return false
}

// NonFinite returns the first field holding NaN or ±Inf, or "".
func (p *DataPoint) NonFinite() string {
	for i, ref := range p.Refs() {
		if *ref != nil && (math.IsNaN(**ref) || math.IsInf(**ref, 0)) {
			return Fields[i]
		}
	}
	return ""
}
