package model

import "time"

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsValid reports whether s is one of the known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type Experiment struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	TemplateID  string         `json:"template_id,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Tags        []string       `json:"tags"`
	Results     *Results       `json:"results,omitempty"`
}

// ExperimentFilter narrows a listing. Zero values match everything.
type ExperimentFilter struct {
	Status Status
	Tag    string
	Search string
	Limit  int
	Offset int
}

// Results are the derived metrics computed once when an experiment stops.
// Exporters rely on this shape.
type Results struct {
	TotalDataPoints     int        `json:"total_data_points"`
	MaxPower            float64    `json:"max_power"`
	AvgPower            float64    `json:"avg_power"`
	MaxVoltage          float64    `json:"max_voltage"`
	MaxCurrent          float64    `json:"max_current"`
	MaxTemperature      float64    `json:"max_temperature"`
	AvgEfficiency       float64    `json:"avg_efficiency"`
	TestDuration        float64    `json:"test_duration"`
	OpenCircuitVoltage  float64    `json:"open_circuit_voltage"`
	ShortCircuitCurrent float64    `json:"short_circuit_current"`
	MPP                 PowerPoint `json:"mpp"`
	FillFactor          float64    `json:"fill_factor"`
	Passed              bool       `json:"passed"`
}

type PowerPoint struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

// Template holds default parameters for a category of test.
type Template struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}
