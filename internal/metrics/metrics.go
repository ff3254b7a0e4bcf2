package metrics

import (
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type service struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	dataPoints   prometheus.Counter
	alerts       *prometheus.CounterVec
	suppressed   prometheus.Counter
	snapshots    *prometheus.CounterVec
	sinkWrites   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// No-op implementation
type noopCollector struct{}

// NewService builds a collector on its own registry. A disabled config
// yields a no-op collector.
func NewService(cfg Config) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Metrics disabled, using no-op collector")
		return NewNoop(), nil
	}

	ns := cfg.Namespace
	s := &service{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "experiment_transitions_total",
			Help:      "Experiment status transitions by target status.",
		}, []string{"status"}),
		dataPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "data_points_recorded_total",
			Help:      "Data points persisted for running experiments.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "alerts_raised_total",
			Help:      "Alerts persisted by type and category.",
		}, []string{"type", "category"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts dropped inside the suppression window.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "device_snapshots_total",
			Help:      "Device snapshots received by source.",
		}, []string{"source"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sink_writes_total",
			Help:      "Mirror sink writes by sink and result.",
		}, []string{"sink", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"target"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.transitions,
		s.dataPoints,
		s.alerts,
		s.suppressed,
		s.snapshots,
		s.sinkWrites,
		s.breakerState,
		s.httpRequests,
		s.httpDuration,
	} {
		if err := s.registry.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegistration, err)
		}
	}

	logger.Debug().Str("namespace", ns).Msg("Metrics service initialized")

	return s, nil
}

// NewNoop returns a collector that discards everything.
func NewNoop() Collector {
	return &noopCollector{}
}

func (s *service) ExperimentTransition(to model.Status) {
	s.transitions.WithLabelValues(string(to)).Inc()
}

func (s *service) DataPointRecorded() {
	s.dataPoints.Inc()
}

func (s *service) AlertsRaised(alerts []model.Alert) {
	for _, a := range alerts {
		s.alerts.WithLabelValues(string(a.Type), string(a.Category)).Inc()
	}
}

func (s *service) AlertsSuppressed(n int) {
	if n > 0 {
		s.suppressed.Add(float64(n))
	}
}

func (s *service) SnapshotReceived(source string) {
	s.snapshots.WithLabelValues(source).Inc()
}

func (s *service) SinkWrite(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.sinkWrites.WithLabelValues(sink, result).Inc()
}

func (s *service) BreakerState(target string, state int) {
	s.breakerState.WithLabelValues(target).Set(float64(state))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *service) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		s.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// No-op implementations
func (*noopCollector) ExperimentTransition(model.Status) {}
func (*noopCollector) DataPointRecorded()                {}
func (*noopCollector) AlertsRaised([]model.Alert)        {}
func (*noopCollector) AlertsSuppressed(int)              {}
func (*noopCollector) SnapshotReceived(string)           {}
func (*noopCollector) SinkWrite(string, error)           {}
func (*noopCollector) BreakerState(string, int)          {}

func (*noopCollector) WrapHandler(_ string, next http.Handler) http.Handler {
	return next
}

func (*noopCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}
