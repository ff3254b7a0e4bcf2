package alert

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/pvctl/internal/model"
)

const (
	SeverityCritical       = 5
	SeverityElevated       = 3
	SeverityLowEfficiency  = 2
	SeverityDeviceDegraded = 3
)

// Thresholds are the limits a data point is checked against.
type Thresholds struct {
	TemperatureCritical float64
	TemperatureWarning  float64
	CurrentMax          float64
	VoltageMax          float64
	EfficiencyMin       float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TemperatureCritical: 85,
		TemperatureWarning:  75,
		CurrentMax:          150,
		VoltageMax:          1000,
		EfficiencyMin:       10,
	}
}

// Evaluator maps a data point to the threshold violations it contains.
type Evaluator struct {
	thresholds Thresholds
}

func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t}
}

var defaultEvaluator = NewEvaluator(DefaultThresholds())

// Evaluate checks p against the default thresholds.
func Evaluate(p model.DataPoint) []model.Alert {
	return defaultEvaluator.Evaluate(p)
}

// Evaluate returns one alert per violated condition. Conditions are
// independent; the result carries no IDs and is stamped with the point's
// timestamp.
func (e *Evaluator) Evaluate(p model.DataPoint) []model.Alert {
	var alerts []model.Alert
	t := e.thresholds

	newAlert := func(field string, typ model.AlertType, cat model.AlertCategory, severity int, msg string) {
		alerts = append(alerts, model.Alert{
			ExperimentID: p.ExperimentID,
			Type:         typ,
			Category:     cat,
			Field:        field,
			Message:      msg,
			Severity:     severity,
			CreatedAt:    p.Timestamp,
		})
	}

	if p.Temperature != nil {
		temp := *p.Temperature
		switch {
		case temp > t.TemperatureCritical:
			newAlert(model.FieldTemperature, model.AlertCritical, model.CategorySafety, SeverityCritical,
				fmt.Sprintf("temperature too high: %s°C", format(temp)))
		case temp > t.TemperatureWarning:
			newAlert(model.FieldTemperature, model.AlertWarning, model.CategorySafety, SeverityElevated,
				fmt.Sprintf("temperature elevated: %s°C", format(temp)))
		}
	}

	if p.Current != nil && *p.Current > t.CurrentMax {
		newAlert(model.FieldCurrent, model.AlertCritical, model.CategorySafety, SeverityCritical,
			fmt.Sprintf("current too high: %sA", format(*p.Current)))
	}

	if p.Voltage != nil && *p.Voltage > t.VoltageMax {
		newAlert(model.FieldVoltage, model.AlertCritical, model.CategorySafety, SeverityCritical,
			fmt.Sprintf("voltage too high: %sV", format(*p.Voltage)))
	}

	if p.Efficiency != nil && *p.Efficiency > 0 && *p.Efficiency < t.EfficiencyMin {
		newAlert(model.FieldEfficiency, model.AlertWarning, model.CategoryMeasurement, SeverityLowEfficiency,
			fmt.Sprintf("efficiency abnormally low: %s%%", format(*p.Efficiency)))
	}

	return alerts
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
