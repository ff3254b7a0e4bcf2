package telemetry

import (
	"context"
	"time"

	"codeberg.org/mutker/pvctl/internal/model"
)

// Snapshot is one reading reported by a device. Values are keyed by data
// point field name.
type Snapshot struct {
	Device    string             `json:"device"`
	Source    string             `json:"-"`
	Timestamp time.Time          `json:"timestamp"`
	Status    model.DeviceStatus `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
	Values    map[string]float64 `json:"values"`
}

// Source produces snapshots until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Snapshot) error
}

// Recorder turns merged readings into data points of running experiments.
type Recorder interface {
	Running(ctx context.Context) ([]model.Experiment, error)
	RecordDataPoint(ctx context.Context, id string, p model.DataPoint) (*model.DataPoint, []model.Alert, error)
}

// DeviceStore tracks device liveness.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
	TouchDevice(ctx context.Context, id string, status model.DeviceStatus, seen time.Time, lastErr string) error
}

// Sink mirrors recorded data points to an external system.
type Sink interface {
	Name() string
	Write(ctx context.Context, p model.DataPoint) error
	Close() error
}
