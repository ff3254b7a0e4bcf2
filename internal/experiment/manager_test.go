package experiment_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/pvctl/internal/alert"
	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/experiment"
	"codeberg.org/mutker/pvctl/internal/model"
	"codeberg.org/mutker/pvctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticDevices struct {
	devices []model.Device
	err     error
}

func (s staticDevices) ListDevices(context.Context) ([]model.Device, error) {
	return s.devices, s.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]model.Alert
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, alerts []model.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, alerts)
	return p.err
}

func setup(t *testing.T, opts ...experiment.Option) (*experiment.Manager, *store.Store, *clock) {
	t.Helper()

	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "pvctl.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]experiment.Option{experiment.WithClock(c.Now)}, opts...)

	return experiment.NewManager(s, opts...), s, c
}

func running(t *testing.T, m *experiment.Manager, name string) *model.Experiment {
	t.Helper()

	ctx := context.Background()
	e, err := m.Create(ctx, experiment.NewExperiment{Name: name})
	require.NoError(t, err)
	e, _, err = m.Start(ctx, e.ID)
	require.NoError(t, err)

	return e
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.Status
		want     bool
	}{
		{model.StatusPending, model.StatusRunning, true},
		{model.StatusPending, model.StatusCompleted, false},
		{model.StatusRunning, model.StatusCompleted, true},
		{model.StatusRunning, model.StatusCancelled, true},
		{model.StatusRunning, model.StatusFailed, true},
		{model.StatusRunning, model.StatusRunning, false},
		{model.StatusRunning, model.StatusPending, false},
		{model.StatusCompleted, model.StatusRunning, false},
		{model.StatusFailed, model.StatusCompleted, false},
		{model.StatusCancelled, model.StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, experiment.CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m, s, c := setup(t)

	_, err := m.Create(ctx, experiment.NewExperiment{Name: "   "})
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	_, err = m.Create(ctx, experiment.NewExperiment{Name: "x", TemplateID: "missing"})
	assert.True(t, errors.HasCode(err, experiment.ErrNotFound))

	tpl := &model.Template{
		Name:       "Standard IV",
		Category:   "iv_curve",
		Parameters: map[string]any{"sweep_points": float64(100), "duration": float64(60)},
	}
	require.NoError(t, s.CreateTemplate(ctx, tpl))

	e, err := m.Create(ctx, experiment.NewExperiment{
		Name:       " Module A ",
		TemplateID: tpl.ID,
		Parameters: map[string]any{"duration": float64(120)},
		Tags:       []string{"outdoor"},
		CreatedBy:  "lab",
	})
	require.NoError(t, err)

	assert.Equal(t, "Module A", e.Name)
	assert.Equal(t, model.StatusPending, e.Status)
	assert.Equal(t, c.Now(), e.CreatedAt)
	assert.Equal(t, map[string]any{"sweep_points": float64(100), "duration": float64(120)}, e.Parameters,
		"submitted parameters override template defaults")

	stored, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Parameters, stored.Parameters)
	assert.Equal(t, []string{"outdoor"}, stored.Tags)
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	m, _, c := setup(t)

	_, _, err := m.Start(ctx, "missing")
	assert.True(t, errors.HasCode(err, experiment.ErrNotFound))

	e, err := m.Create(ctx, experiment.NewExperiment{Name: "start"})
	require.NoError(t, err)

	c.Advance(time.Minute)
	started, alerts, err := m.Start(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, c.Now(), *started.StartedAt)
	assert.Empty(t, alerts, "no device lister, no health check")

	_, _, err = m.Start(ctx, e.ID)
	assert.True(t, errors.HasCode(err, experiment.ErrInvalidTransition))
}

func TestStartHealthCheck(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	m, _, _ := setup(t,
		experiment.WithDevices(staticDevices{devices: []model.Device{
			{ID: "d1", Name: "psu-1", Status: model.DeviceOnline},
			{ID: "d2", Name: "load-1", Status: model.DeviceOffline},
			{ID: "d3", Name: "sun-1", Status: model.DeviceMaintenance},
		}}),
		experiment.WithPublishers(pub),
	)

	e, err := m.Create(ctx, experiment.NewExperiment{Name: "health"})
	require.NoError(t, err)

	_, alerts, err := m.Start(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	for _, a := range alerts {
		assert.Equal(t, model.AlertWarning, a.Type)
		assert.Equal(t, model.CategoryDevice, a.Category)
		assert.Equal(t, 3, a.Severity)
		assert.Equal(t, e.ID, a.ExperimentID)
		assert.NotEmpty(t, a.ID)
	}
	assert.Equal(t, "d2", alerts[0].DeviceID)
	assert.Equal(t, "device load-1 is offline", alerts[0].Message)

	stored, err := m.Alerts(ctx, model.AlertFilter{ExperimentID: e.ID})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Len(t, pub.batches, 1)
}

func TestStartHealthCheckFailureDoesNotFailStart(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, experiment.WithDevices(staticDevices{err: fmt.Errorf("bus down")}))

	e, err := m.Create(ctx, experiment.NewExperiment{Name: "health"})
	require.NoError(t, err)

	started, alerts, err := m.Start(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
	assert.Empty(t, alerts)
}

func TestRecordDataPoint(t *testing.T) {
	ctx := context.Background()
	m, _, c := setup(t, experiment.WithReferenceArea(1.6))

	pending, err := m.Create(ctx, experiment.NewExperiment{Name: "pending"})
	require.NoError(t, err)
	_, _, err = m.RecordDataPoint(ctx, pending.ID, model.DataPoint{Voltage: model.Float(1)})
	assert.True(t, errors.HasCode(err, experiment.ErrInvalidTransition))

	_, _, err = m.RecordDataPoint(ctx, "missing", model.DataPoint{})
	assert.True(t, errors.HasCode(err, experiment.ErrNotFound))

	e := running(t, m, "record")

	p, alerts, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{
		Voltage:    model.Float(40),
		Current:    model.Float(8),
		Irradiance: model.Float(1000),
	})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.NotZero(t, p.ID)
	assert.Equal(t, c.Now(), p.Timestamp, "zero timestamp becomes now")
	require.NotNil(t, p.Power)
	assert.InDelta(t, 320.0, *p.Power, 1e-9)
	require.NotNil(t, p.Efficiency)
	assert.InDelta(t, 20.0, *p.Efficiency, 1e-9)

	direct, _, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{
		Voltage: model.Float(40),
		Current: model.Float(8),
		Power:   model.Float(300),
	})
	require.NoError(t, err)
	assert.InDelta(t, 300.0, *direct.Power, 1e-9, "reported power is kept")
	assert.Nil(t, direct.Efficiency, "no irradiance, no efficiency")

	points, err := m.DataPoints(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestRecordDataPointRejectsNonFinite(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)
	e := running(t, m, "nan")

	_, _, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{Voltage: model.Float(math.NaN())})
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	_, _, err = m.RecordDataPoint(ctx, e.ID, model.DataPoint{
		Voltage: model.Float(math.MaxFloat64),
		Current: model.Float(10),
	})
	assert.True(t, errors.HasCode(err, experiment.ErrValidation), "overflowing power")

	points, err := m.DataPoints(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestRecordDataPointAlerts(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: fmt.Errorf("broker down")}
	m, _, _ := setup(t, experiment.WithPublishers(pub))
	e := running(t, m, "alerts")

	_, alerts, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{
		Temperature: model.Float(90),
		Power:       model.Float(5),
		Irradiance:  model.Float(100),
	})
	require.NoError(t, err, "publish failures do not fail recording")
	require.Len(t, alerts, 2)

	assert.Equal(t, model.AlertCritical, alerts[0].Type)
	assert.Equal(t, "temperature too high: 90°C", alerts[0].Message)
	assert.Equal(t, model.AlertWarning, alerts[1].Type)
	assert.Equal(t, "efficiency abnormally low: 5%", alerts[1].Message)

	stored, err := m.Alerts(ctx, model.AlertFilter{ExperimentID: e.ID})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Len(t, pub.batches, 1)

	// Without suppression every violating point raises again.
	_, again, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{Temperature: model.Float(90)})
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestRecordDataPointRecomputesEfficiency(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)
	e := running(t, m, "efficiency")

	p, alerts, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{
		Voltage:    model.Float(20),
		Current:    model.Float(5),
		Irradiance: model.Float(1000),
		Efficiency: model.Float(50),
	})
	require.NoError(t, err)
	require.NotNil(t, p.Efficiency)
	assert.InDelta(t, 10.0, *p.Efficiency, 1e-9)
	assert.Empty(t, alerts, "10% is not below the minimum")

	_, alerts, err = m.RecordDataPoint(ctx, e.ID, model.DataPoint{
		Power:      model.Float(50),
		Irradiance: model.Float(1000),
		Efficiency: model.Float(80),
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.FieldEfficiency, alerts[0].Field)
}

// failingAlerts stores everything except alerts.
type failingAlerts struct {
	*store.Store
}

func (failingAlerts) InsertAlerts(context.Context, []model.Alert) error {
	return fmt.Errorf("disk full")
}

func TestRecordDataPointKeepsPointWhenAlertsFail(t *testing.T) {
	ctx := context.Background()
	_, s, c := setup(t)
	m := experiment.NewManager(failingAlerts{s}, experiment.WithClock(c.Now))
	e := running(t, m, "alert store down")

	p, alerts, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{Temperature: model.Float(90)})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotZero(t, p.ID)
	assert.Empty(t, alerts)

	points, err := m.DataPoints(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestRecordDataPointSuppression(t *testing.T) {
	ctx := context.Background()
	m, _, c := setup(t, experiment.WithSuppressor(alert.NewSuppressor(time.Minute)))
	e := running(t, m, "suppressed")

	hot := model.DataPoint{Temperature: model.Float(80)}

	_, first, err := m.RecordDataPoint(ctx, e.ID, hot)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	c.Advance(30 * time.Second)
	_, second, err := m.RecordDataPoint(ctx, e.ID, hot)
	require.NoError(t, err)
	assert.Empty(t, second)

	c.Advance(time.Minute)
	_, third, err := m.RecordDataPoint(ctx, e.ID, hot)
	require.NoError(t, err)
	assert.Len(t, third, 1)

	points, err := m.DataPoints(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, points, 3, "suppression never drops data")
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	m, _, c := setup(t)

	pending, err := m.Create(ctx, experiment.NewExperiment{Name: "pending"})
	require.NoError(t, err)
	_, err = m.Stop(ctx, pending.ID, model.StatusCompleted)
	assert.True(t, errors.HasCode(err, experiment.ErrInvalidTransition))

	e := running(t, m, "stop")

	_, err = m.Stop(ctx, e.ID, model.StatusPending)
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))
	_, err = m.Stop(ctx, e.ID, model.StatusRunning)
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	c.Advance(time.Hour)
	stopped, err := m.Stop(ctx, e.ID, model.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stopped.Status)
	require.NotNil(t, stopped.EndedAt)
	assert.Equal(t, c.Now(), *stopped.EndedAt)
	assert.Nil(t, stopped.Results, "no points, no results")

	_, err = m.Stop(ctx, e.ID, model.StatusCompleted)
	assert.True(t, errors.HasCode(err, experiment.ErrInvalidTransition))

	_, _, err = m.RecordDataPoint(ctx, e.ID, model.DataPoint{Voltage: model.Float(1)})
	assert.True(t, errors.HasCode(err, experiment.ErrInvalidTransition))
}

func TestIVSweepEndToEnd(t *testing.T) {
	ctx := context.Background()
	m, _, c := setup(t)
	e := running(t, m, "iv sweep")

	start := c.Now()
	sweep := []struct{ v, i float64 }{{20, 5}, {0.05, 5}, {20, 0.05}}
	for n, s := range sweep {
		_, _, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{
			Timestamp: start.Add(time.Duration(n) * time.Second),
			Voltage:   model.Float(s.v),
			Current:   model.Float(s.i),
		})
		require.NoError(t, err)
	}

	stopped, err := m.Stop(ctx, e.ID, model.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, stopped.Results)

	r := stopped.Results
	assert.Equal(t, 3, r.TotalDataPoints)
	assert.InDelta(t, 100.0, r.MaxPower, 1e-9)
	assert.InDelta(t, 20.0, r.OpenCircuitVoltage, 1e-9)
	assert.InDelta(t, 5.0, r.ShortCircuitCurrent, 1e-9)
	assert.InDelta(t, 1.0, r.FillFactor, 1e-9)
	assert.InDelta(t, 2.0, r.TestDuration, 1e-9)
	assert.Equal(t, model.PowerPoint{Voltage: 20, Current: 5, Power: 100}, r.MPP)
	assert.True(t, r.Passed)

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, r, got.Results, "results are persisted")
}

func TestConcurrentStopHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)
	e := running(t, m, "race")

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Stop(ctx, e.ID, model.StatusCompleted)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range errs {
		assert.True(t, errors.HasCode(err, experiment.ErrInvalidTransition), err)
	}
}

func TestPauseResumeNotImplemented(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)
	e := running(t, m, "pause")

	assert.True(t, errors.HasCode(m.Pause(ctx, e.ID), experiment.ErrNotImplemented))
	assert.True(t, errors.HasCode(m.Resume(ctx, e.ID), experiment.ErrNotImplemented))
	assert.True(t, errors.HasCode(m.Pause(ctx, "missing"), experiment.ErrNotFound))

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	_, err := m.Delete(ctx)
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	a := running(t, m, "a")
	_, _, err = m.RecordDataPoint(ctx, a.ID, model.DataPoint{Voltage: model.Float(1)})
	require.NoError(t, err)
	b, err := m.Create(ctx, experiment.NewExperiment{Name: "b"})
	require.NoError(t, err)

	active, err := m.Running(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	_, err = m.List(ctx, model.ExperimentFilter{Status: "paused"})
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	removed, err := m.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = m.DataPoints(ctx, a.ID)
	assert.True(t, errors.HasCode(err, experiment.ErrNotFound))

	left, err := m.List(ctx, model.ExperimentFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, b.ID, left[0].ID)
}

func TestAlertActions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)
	e := running(t, m, "ack")

	_, alerts, err := m.RecordDataPoint(ctx, e.ID, model.DataPoint{Current: model.Float(200)})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	_, err = m.AcknowledgeAlert(ctx, id, "")
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	acked, err := m.AcknowledgeAlert(ctx, id, "operator")
	require.NoError(t, err)
	assert.NotNil(t, acked.AcknowledgedAt)

	resolved, err := m.ResolveAlert(ctx, id, "operator")
	require.NoError(t, err)
	assert.NotNil(t, resolved.ResolvedAt)

	open, err := m.Alerts(ctx, model.AlertFilter{Unresolved: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTemplates(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	_, err := m.CreateTemplate(ctx, model.Template{Category: "iv_curve"})
	assert.True(t, errors.HasCode(err, experiment.ErrValidation))

	tpl, err := m.CreateTemplate(ctx, model.Template{Name: "IV", Category: "iv_curve"})
	require.NoError(t, err)
	assert.NotEmpty(t, tpl.ID)

	list, err := m.Templates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	devices, err := m.Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
