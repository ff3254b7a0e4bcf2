package model

import "time"

type AlertType string

const (
	AlertCritical AlertType = "critical"
	AlertError    AlertType = "error"
	AlertWarning  AlertType = "warning"
	AlertInfo     AlertType = "info"
)

type AlertCategory string

const (
	CategoryDevice      AlertCategory = "device"
	CategoryMeasurement AlertCategory = "measurement"
	CategorySystem      AlertCategory = "system"
	CategorySafety      AlertCategory = "safety"
)

type Alert struct {
	ID             string        `json:"id"`
	DeviceID       string        `json:"device_id,omitempty"`
	ExperimentID   string        `json:"experiment_id,omitempty"`
	Type           AlertType     `json:"type"`
	Category       AlertCategory `json:"category"`
	Field          string        `json:"field,omitempty"`
	Message        string        `json:"message"`
	Severity       int           `json:"severity"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
}

// AlertFilter narrows an alert listing. Zero values match everything.
type AlertFilter struct {
	ExperimentID string
	DeviceID     string
	Unresolved   bool
	Limit        int
}
