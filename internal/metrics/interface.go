package metrics

import (
	"net/http"

	"codeberg.org/mutker/pvctl/internal/model"
)

// Collector records operational counters of the controller.
type Collector interface {
	// Lifecycle
	ExperimentTransition(to model.Status)
	DataPointRecorded()
	AlertsRaised(alerts []model.Alert)
	AlertsSuppressed(n int)

	// Telemetry
	SnapshotReceived(source string)
	SinkWrite(sink string, err error)
	BreakerState(target string, state int)

	// HTTP
	WrapHandler(route string, next http.Handler) http.Handler
	Handler() http.Handler
}
