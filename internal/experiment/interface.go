package experiment

import (
	"context"
	"time"

	"codeberg.org/mutker/pvctl/internal/model"
)

// Repository is the persistence the manager needs.
type Repository interface {
	// Experiments
	CreateExperiment(ctx context.Context, e *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	ListExperiments(ctx context.Context, f model.ExperimentFilter) ([]model.Experiment, error)
	DeleteExperiments(ctx context.Context, ids []string) (int64, error)
	MarkStarted(ctx context.Context, id string, at time.Time) (*model.Experiment, error)
	MarkEnded(
		ctx context.Context,
		id string,
		final model.Status,
		at time.Time,
		summarize func([]model.DataPoint) *model.Results,
	) (*model.Experiment, error)

	// Data points
	InsertDataPoint(ctx context.Context, p *model.DataPoint) error
	ListDataPoints(ctx context.Context, experimentID string) ([]model.DataPoint, error)

	// Alerts
	InsertAlerts(ctx context.Context, alerts []model.Alert) error
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error)
	ResolveAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error)

	// Templates
	CreateTemplate(ctx context.Context, t *model.Template) error
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
}

// DeviceLister reads the current device statuses for the health check.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
}

// Publisher forwards raised alerts to an external system.
type Publisher interface {
	Publish(ctx context.Context, alerts []model.Alert) error
}

// NewExperiment is the input of Create.
type NewExperiment struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	TemplateID  string         `json:"template_id"`
	Parameters  map[string]any `json:"parameters"`
	Tags        []string       `json:"tags"`
	CreatedBy   string         `json:"created_by"`
}
