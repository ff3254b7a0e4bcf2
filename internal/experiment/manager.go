// Package experiment drives the experiment lifecycle: creation, start with
// a device health check, data point ingestion with threshold alerting, and
// stop with result calculation.
package experiment

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"codeberg.org/mutker/pvctl/internal/alert"
	"codeberg.org/mutker/pvctl/internal/analysis"
	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/metrics"
	"codeberg.org/mutker/pvctl/internal/model"
)

// Manager applies lifecycle operations against a Repository. It holds no
// per-experiment state; the repository's conditional writes serialize
// concurrent transitions.
type Manager struct {
	repo       Repository
	devices    DeviceLister
	evaluator  *alert.Evaluator
	suppressor *alert.Suppressor
	publishers []Publisher
	metrics    metrics.Collector
	area       float64
	now        func() time.Time
	logger     logger.Logger
}

func NewManager(repo Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		evaluator: alert.NewEvaluator(alert.DefaultThresholds()),
		metrics:   metrics.NewNoop(),
		area:      analysis.DefaultReferenceArea,
		now:       time.Now,
		logger:    logger.With("experiment"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Create stores a new pending experiment. Template defaults are merged
// under the submitted parameters.
func (m *Manager) Create(ctx context.Context, in NewExperiment) (*model.Experiment, error) {
	errFactory := errors.New()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errFactory.WithMessage(ErrValidation, "experiment name is required")
	}

	params := map[string]any{}
	if in.TemplateID != "" {
		tpl, err := m.repo.GetTemplate(ctx, in.TemplateID)
		if err != nil {
			return nil, err
		}
		maps.Copy(params, tpl.Parameters)
	}
	maps.Copy(params, in.Parameters)

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	e := &model.Experiment{
		Name:        name,
		Description: in.Description,
		TemplateID:  in.TemplateID,
		Parameters:  params,
		Status:      model.StatusPending,
		CreatedAt:   m.now().UTC(),
		CreatedBy:   in.CreatedBy,
		Tags:        tags,
	}
	if err := m.repo.CreateExperiment(ctx, e); err != nil {
		return nil, err
	}

	m.metrics.ExperimentTransition(model.StatusPending)
	m.logger.Info().Str("experiment_id", e.ID).Str("name", e.Name).Msg("Experiment created")

	return e, nil
}

// Start moves a pending experiment to running and raises a device alert for
// every device that is not online. The returned alerts are those of the
// health check.
func (m *Manager) Start(ctx context.Context, id string) (*model.Experiment, []model.Alert, error) {
	current, err := m.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkTransition(current, model.StatusRunning); err != nil {
		return nil, nil, err
	}

	now := m.now().UTC()
	e, err := m.repo.MarkStarted(ctx, id, now)
	if err != nil {
		return nil, nil, m.transitionError(err, id, model.StatusRunning)
	}

	m.metrics.ExperimentTransition(model.StatusRunning)
	m.logger.Info().Str("experiment_id", id).Msg("Experiment started")

	alerts := m.healthCheck(ctx, e, now)

	return e, alerts, nil
}

// healthCheck runs after the start has been committed, so its failures are
// logged rather than returned.
func (m *Manager) healthCheck(ctx context.Context, e *model.Experiment, now time.Time) []model.Alert {
	if m.devices == nil {
		return nil
	}

	devices, err := m.devices.ListDevices(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("experiment_id", e.ID).Msg("Device health check failed")
		return nil
	}

	var alerts []model.Alert
	for _, d := range devices {
		if d.Status == model.DeviceOnline {
			continue
		}
		alerts = append(alerts, model.Alert{
			DeviceID:     d.ID,
			ExperimentID: e.ID,
			Type:         model.AlertWarning,
			Category:     model.CategoryDevice,
			Message:      fmt.Sprintf("device %s is %s", d.Name, d.Status),
			Severity:     alert.SeverityDeviceDegraded,
			CreatedAt:    now,
		})
	}
	if len(alerts) == 0 {
		return nil
	}

	if err := m.repo.InsertAlerts(ctx, alerts); err != nil {
		m.logger.Error().Err(err).Str("experiment_id", e.ID).Msg("Failed to store device alerts")
		return nil
	}

	m.metrics.AlertsRaised(alerts)
	m.publish(ctx, alerts)

	m.logger.Warn().
		Str("experiment_id", e.ID).
		Int("devices", len(alerts)).
		Msg("Experiment started with devices not online")

	return alerts
}

// RecordDataPoint derives power and efficiency, stores the point for a
// running experiment and stores the alerts it raises. A zero timestamp is
// replaced with the current time.
func (m *Manager) RecordDataPoint(
	ctx context.Context,
	id string,
	point model.DataPoint,
) (*model.DataPoint, []model.Alert, error) {
	errFactory := errors.New()

	if field := point.NonFinite(); field != "" {
		return nil, nil, errFactory.WithMessage(ErrValidation, field+" must be a finite number")
	}

	e, err := m.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if e.Status != model.StatusRunning {
		return nil, nil, errFactory.WithData(ErrInvalidTransition, struct {
			Experiment string
			Status     model.Status
		}{
			Experiment: id,
			Status:     e.Status,
		}).WithMessage("data points are only accepted while running")
	}

	point.ExperimentID = id
	if point.Timestamp.IsZero() {
		point.Timestamp = m.now()
	}
	point.Timestamp = point.Timestamp.UTC()

	p := analysis.Derive(point, m.area)
	if field := p.NonFinite(); field != "" {
		return nil, nil, errFactory.WithMessage(ErrValidation, "derived "+field+" is not finite")
	}

	if err := m.repo.InsertDataPoint(ctx, &p); err != nil {
		return nil, nil, m.transitionError(err, id, model.StatusRunning)
	}
	m.metrics.DataPointRecorded()

	raised, suppressed := m.suppressor.Filter(m.evaluator.Evaluate(p), m.now())
	m.metrics.AlertsSuppressed(suppressed)

	if len(raised) > 0 {
		// The point is stored at this stage, so the call still succeeds.
		if err := m.repo.InsertAlerts(ctx, raised); err != nil {
			m.logger.Error().Err(err).
				Str("experiment_id", id).
				Int("alerts", len(raised)).
				Msg("Failed to store threshold alerts")
			return &p, nil, nil
		}
		m.metrics.AlertsRaised(raised)
		m.publish(ctx, raised)

		m.logger.Debug().
			Str("experiment_id", id).
			Int("alerts", len(raised)).
			Int("suppressed", suppressed).
			Msg("Threshold alerts raised")
	}

	return &p, raised, nil
}

// Stop moves a running experiment to final and stores the results computed
// over all of its data points. An experiment without points keeps no
// results.
func (m *Manager) Stop(ctx context.Context, id string, final model.Status) (*model.Experiment, error) {
	errFactory := errors.New()

	if !IsFinal(final) {
		return nil, errFactory.WithData(ErrValidation, struct {
			Status model.Status
		}{
			Status: final,
		}).WithMessage("final status must be completed, cancelled or failed")
	}

	current, err := m.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checkTransition(current, final); err != nil {
		return nil, err
	}

	e, err := m.repo.MarkEnded(ctx, id, final, m.now().UTC(), summarize)
	if err != nil {
		return nil, m.transitionError(err, id, final)
	}

	m.metrics.ExperimentTransition(final)

	event := m.logger.Info().Str("experiment_id", id).Str("status", string(final))
	if e.Results != nil {
		event = event.
			Int("data_points", e.Results.TotalDataPoints).
			Float64("max_power", e.Results.MaxPower).
			Float64("fill_factor", e.Results.FillFactor)
	}
	event.Msg("Experiment stopped")

	return e, nil
}

func summarize(points []model.DataPoint) *model.Results {
	res, ok := analysis.Summarize(points)
	if !ok {
		return nil
	}
	return &res
}

// Pause is not backed by any stored state.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.unsupported(ctx, id, "pause")
}

// Resume is not backed by any stored state.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.unsupported(ctx, id, "resume")
}

func (m *Manager) unsupported(ctx context.Context, id, op string) error {
	if _, err := m.repo.GetExperiment(ctx, id); err != nil {
		return err
	}
	return errors.New().WithMessage(ErrNotImplemented, op+" is not supported")
}

// Get returns one experiment.
func (m *Manager) Get(ctx context.Context, id string) (*model.Experiment, error) {
	return m.repo.GetExperiment(ctx, id)
}

// List returns experiments matching f.
func (m *Manager) List(ctx context.Context, f model.ExperimentFilter) ([]model.Experiment, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, errors.New().WithData(ErrValidation, struct {
			Status model.Status
		}{
			Status: f.Status,
		}).WithMessage("unknown status filter")
	}
	return m.repo.ListExperiments(ctx, f)
}

// Running returns the experiments currently accepting data points.
func (m *Manager) Running(ctx context.Context) ([]model.Experiment, error) {
	return m.repo.ListExperiments(ctx, model.ExperimentFilter{Status: model.StatusRunning})
}

// DataPoints returns the points of an existing experiment in time order.
func (m *Manager) DataPoints(ctx context.Context, id string) ([]model.DataPoint, error) {
	if _, err := m.repo.GetExperiment(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListDataPoints(ctx, id)
}

// Delete removes experiments and their data points.
func (m *Manager) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, errors.New().WithMessage(ErrValidation, "at least one experiment id is required")
	}
	return m.repo.DeleteExperiments(ctx, ids)
}

// Alerts returns alerts matching f.
func (m *Manager) Alerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	return m.repo.ListAlerts(ctx, f)
}

func (m *Manager) AcknowledgeAlert(ctx context.Context, id, by string) (*model.Alert, error) {
	if strings.TrimSpace(by) == "" {
		return nil, errors.New().WithMessage(ErrValidation, "acknowledging actor is required")
	}
	return m.repo.AcknowledgeAlert(ctx, id, by, m.now().UTC())
}

func (m *Manager) ResolveAlert(ctx context.Context, id, by string) (*model.Alert, error) {
	if strings.TrimSpace(by) == "" {
		return nil, errors.New().WithMessage(ErrValidation, "resolving actor is required")
	}
	return m.repo.ResolveAlert(ctx, id, by, m.now().UTC())
}

// Devices returns the registered devices, or none without a device lister.
func (m *Manager) Devices(ctx context.Context) ([]model.Device, error) {
	if m.devices == nil {
		return []model.Device{}, nil
	}
	return m.devices.ListDevices(ctx)
}

// CreateTemplate stores a template of default parameters.
func (m *Manager) CreateTemplate(ctx context.Context, t model.Template) (*model.Template, error) {
	errFactory := errors.New()

	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, errFactory.WithMessage(ErrValidation, "template name is required")
	}
	if strings.TrimSpace(t.Category) == "" {
		return nil, errFactory.WithMessage(ErrValidation, "template category is required")
	}

	t.ID = ""
	t.CreatedAt = m.now().UTC()
	if err := m.repo.CreateTemplate(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *Manager) Templates(ctx context.Context) ([]model.Template, error) {
	return m.repo.ListTemplates(ctx)
}

func (m *Manager) checkTransition(e *model.Experiment, to model.Status) error {
	if CanTransition(e.Status, to) {
		return nil
	}
	return errors.New().WithData(ErrInvalidTransition, struct {
		Experiment string
		From       model.Status
		To         model.Status
	}{
		Experiment: e.ID,
		From:       e.Status,
		To:         to,
	})
}

// transitionError maps a lost conditional write to an invalid transition.
func (m *Manager) transitionError(err error, id string, to model.Status) error {
	if !errors.HasCode(err, errors.ErrConflict) {
		return err
	}

	m.logger.Debug().Str("experiment_id", id).Str("to", string(to)).Msg("Lost transition race")

	return errors.New().Wrap(ErrInvalidTransition, err)
}

func (m *Manager) publish(ctx context.Context, alerts []model.Alert) {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, alerts); err != nil {
			m.logger.Warn().Err(err).Int("alerts", len(alerts)).Msg("Failed to publish alerts")
		}
	}
}
