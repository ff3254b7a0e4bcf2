// Package api exposes the experiment lifecycle and the stored records over
// JSON HTTP.
package api

import (
	"context"
	"net/http"

	"codeberg.org/mutker/pvctl/internal/experiment"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/metrics"
	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Service is the lifecycle surface served over HTTP.
type Service interface {
	Create(ctx context.Context, in experiment.NewExperiment) (*model.Experiment, error)
	Get(ctx context.Context, id string) (*model.Experiment, error)
	List(ctx context.Context, f model.ExperimentFilter) ([]model.Experiment, error)
	Delete(ctx context.Context, ids ...string) (int64, error)
	Start(ctx context.Context, id string) (*model.Experiment, []model.Alert, error)
	Stop(ctx context.Context, id string, final model.Status) (*model.Experiment, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	RecordDataPoint(ctx context.Context, id string, p model.DataPoint) (*model.DataPoint, []model.Alert, error)
	DataPoints(ctx context.Context, id string) ([]model.DataPoint, error)
	Alerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string) (*model.Alert, error)
	ResolveAlert(ctx context.Context, id, by string) (*model.Alert, error)
	Devices(ctx context.Context) ([]model.Device, error)
	CreateTemplate(ctx context.Context, t model.Template) (*model.Template, error)
	Templates(ctx context.Context) ([]model.Template, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	svc     Service
	health  Pinger
	metrics metrics.Collector
	logger  logger.Logger
}

func NewServer(svc Service, health Pinger, m metrics.Collector) *Server {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Server{
		svc:     svc,
		health:  health,
		metrics: m,
		logger:  logger.With("api"),
	}
}

// Handler returns the routed handler with recovery, CORS and access
// logging applied.
func (s *Server) Handler() http.Handler {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route_not_found", "no such route")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r := mux.NewRouter()
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notAllowed

	route := func(path, name string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(name, h)).Methods(methods...)
	}

	route("/healthz", "healthz", s.healthz, http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = notAllowed
	route = func(path, name string, h http.HandlerFunc, methods ...string) {
		api.Handle(path, s.metrics.WrapHandler(name, h)).Methods(methods...)
	}

	route("/experiments", "experiments_create", s.createExperiment, http.MethodPost)
	route("/experiments", "experiments_list", s.listExperiments, http.MethodGet)
	route("/experiments", "experiments_delete", s.deleteExperiments, http.MethodDelete)
	route("/experiments/{id}", "experiments_get", s.getExperiment, http.MethodGet)
	route("/experiments/{id}/start", "experiments_start", s.startExperiment, http.MethodPost)
	route("/experiments/{id}/stop", "experiments_stop", s.stopExperiment, http.MethodPost)
	route("/experiments/{id}/pause", "experiments_pause", s.pauseExperiment, http.MethodPost)
	route("/experiments/{id}/resume", "experiments_resume", s.resumeExperiment, http.MethodPost)
	route("/experiments/{id}/data", "data_record", s.recordDataPoint, http.MethodPost)
	route("/experiments/{id}/data", "data_list", s.listDataPoints, http.MethodGet)

	route("/alerts", "alerts_list", s.listAlerts, http.MethodGet)
	route("/alerts/{id}/acknowledge", "alerts_acknowledge", s.acknowledgeAlert, http.MethodPost)
	route("/alerts/{id}/resolve", "alerts_resolve", s.resolveAlert, http.MethodPost)

	route("/devices", "devices_list", s.listDevices, http.MethodGet)
	route("/templates", "templates_list", s.listTemplates, http.MethodGet)
	route("/templates", "templates_create", s.createTemplate, http.MethodPost)

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
	h = handlers.CombinedLoggingHandler(logger.Writer("http"), h)

	return h
}

type recoveryLogger struct {
	logger logger.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error().Interface("panic", v).Msg("Recovered from handler panic")
}
