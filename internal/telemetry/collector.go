package telemetry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/metrics"
	"codeberg.org/mutker/pvctl/internal/model"
)

// Collector owns the snapshot channel. It keeps the latest reading of each
// device and, once per interval, merges them into one data point recorded
// for every running experiment.
type Collector struct {
	cfg       Config
	recorder  Recorder
	devices   DeviceStore
	sinks     []Sink
	metrics   metrics.Collector
	snapshots chan Snapshot
	now       func() time.Time
	logger    logger.Logger

	mu     sync.Mutex
	latest map[string]Snapshot
	ids    map[string]string
}

type Option func(*Collector)

func WithSinks(s ...Sink) Option {
	return func(c *Collector) {
		c.sinks = append(c.sinks, s...)
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

func NewCollector(cfg Config, recorder Recorder, devices DeviceStore, opts ...Option) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Collector{
		cfg:       cfg,
		recorder:  recorder,
		devices:   devices,
		metrics:   metrics.NewNoop(),
		snapshots: make(chan Snapshot, cfg.Buffer),
		now:       time.Now,
		logger:    logger.With("telemetry"),
		latest:    make(map[string]Snapshot),
		ids:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run starts the sources and processes their snapshots until ctx is done.
// It returns after every source has stopped and the sinks are closed.
func (c *Collector) Run(ctx context.Context, sources ...Source) error {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.logger.Info().Str("source", src.Name()).Msg("Telemetry source started")
			if err := src.Run(ctx, c.snapshots); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Str("source", src.Name()).Msg("Telemetry source stopped")
			}
		}()
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.closeSinks()
			c.logger.Info().Msg("Telemetry collector stopped")
			return nil
		case s := <-c.snapshots:
			c.Observe(ctx, s)
		case <-ticker.C:
			if _, err := c.Flush(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Telemetry flush failed")
			}
		}
	}
}

// Observe stores s as the latest reading of its device and updates the
// device's liveness.
func (c *Collector) Observe(ctx context.Context, s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	if s.Status == "" {
		s.Status = model.DeviceOnline
	}
	if s.Status != model.DeviceOnline && s.Error == "" {
		s.Error = "device reported " + string(s.Status)
	}

	c.metrics.SnapshotReceived(s.Source)

	c.mu.Lock()
	c.latest[s.Device] = s
	c.mu.Unlock()

	id, ok := c.deviceID(ctx, s.Device)
	if !ok {
		c.logger.Debug().Str("device", s.Device).Msg("Snapshot from unregistered device")
		return
	}

	lastErr := s.Error
	if s.Status == model.DeviceOnline {
		lastErr = ""
	}
	if err := c.devices.TouchDevice(ctx, id, s.Status, s.Timestamp, lastErr); err != nil {
		c.logger.Warn().Err(err).Str("device", s.Device).Msg("Failed to update device status")
	}
}

// deviceID resolves a device name, reloading the registry on a miss.
func (c *Collector) deviceID(ctx context.Context, name string) (string, bool) {
	c.mu.Lock()
	id, ok := c.ids[name]
	c.mu.Unlock()
	if ok {
		return id, true
	}

	devices, err := c.devices.ListDevices(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load device registry")
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range devices {
		c.ids[d.Name] = d.ID
	}
	id, ok = c.ids[name]
	return id, ok
}

// Merge combines the fresh readings of all online devices into one data
// point. Devices are applied in name order, so a later name wins a field
// reported twice. It returns false when there is nothing to record.
func (c *Collector) Merge(now time.Time) (model.DataPoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.latest))
	for name := range c.latest {
		names = append(names, name)
	}
	slices.Sort(names)

	p := model.DataPoint{Timestamp: now}
	found := false
	for _, name := range names {
		s := c.latest[name]
		if s.Status != model.DeviceOnline || now.Sub(s.Timestamp) > c.cfg.maxAge() {
			continue
		}
		for field, v := range s.Values {
			if p.Set(field, v) {
				found = true
			}
		}
	}

	return p, found
}

// Flush records the merged reading for every running experiment and
// mirrors each stored point to the sinks. It returns how many points were
// recorded.
func (c *Collector) Flush(ctx context.Context) (int, error) {
	now := c.now().UTC()

	c.expire(ctx, now)

	point, ok := c.Merge(now)
	if !ok {
		return 0, nil
	}

	running, err := c.recorder.Running(ctx)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, e := range running {
		stored, alerts, err := c.recorder.RecordDataPoint(ctx, e.ID, point)
		if err != nil {
			// Stopped between listing and recording.
			if errors.HasCode(err, errors.ErrInvalidTransition) {
				c.logger.Debug().Str("experiment_id", e.ID).Msg("Experiment no longer running")
				continue
			}
			c.logger.Warn().Err(err).Str("experiment_id", e.ID).Msg("Failed to record data point")
			continue
		}
		recorded++

		if len(alerts) > 0 {
			c.logger.Debug().Str("experiment_id", e.ID).Int("alerts", len(alerts)).Msg("Telemetry raised alerts")
		}

		if stored != nil {
			c.mirror(ctx, *stored)
		}
	}

	return recorded, nil
}

// expire marks devices whose last online reading is older than the max age
// as offline. last_seen keeps the time of that reading.
func (c *Collector) expire(ctx context.Context, now time.Time) {
	maxAge := c.cfg.maxAge()

	c.mu.Lock()
	var silent []Snapshot
	for name, s := range c.latest {
		if s.Status != model.DeviceOnline || now.Sub(s.Timestamp) <= maxAge {
			continue
		}
		s.Status = model.DeviceOffline
		s.Error = fmt.Sprintf("no snapshot since %s", s.Timestamp.UTC().Format(time.RFC3339))
		c.latest[name] = s
		silent = append(silent, s)
	}
	c.mu.Unlock()

	for _, s := range silent {
		id, ok := c.deviceID(ctx, s.Device)
		if !ok {
			continue
		}
		if err := c.devices.TouchDevice(ctx, id, s.Status, s.Timestamp, s.Error); err != nil {
			c.logger.Warn().Err(err).Str("device", s.Device).Msg("Failed to mark silent device offline")
			continue
		}
		c.logger.Warn().Str("device", s.Device).Time("last_seen", s.Timestamp).Msg("Device went silent")
	}
}

func (c *Collector) mirror(ctx context.Context, p model.DataPoint) {
	for _, s := range c.sinks {
		err := s.Write(ctx, p)
		c.metrics.SinkWrite(s.Name(), err)
		if err != nil {
			c.logger.Warn().Err(err).Str("sink", s.Name()).Msg("Failed to mirror data point")
		}
	}
}

func (c *Collector) closeSinks() {
	for _, s := range c.sinks {
		if err := s.Close(); err != nil {
			c.logger.Warn().Err(err).Str("sink", s.Name()).Msg("Failed to close sink")
		}
	}
}
