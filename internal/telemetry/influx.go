package telemetry

import (
	"context"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/metrics"
	"codeberg.org/mutker/pvctl/internal/model"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
)

const (
	sinkInflux = "influxdb"

	defaultMeasurement = "pv_data"
	writeTimeout       = 5 * time.Second

	// Breaker trips after this many consecutive failures and stays open
	// for breakerOpen.
	breakerFailures = 5
	breakerOpen     = 30 * time.Second
	breakerInterval = time.Minute
)

type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

func (c InfluxConfig) Validate() error {
	if c.URL == "" || c.Token == "" || c.Org == "" || c.Bucket == "" {
		return errors.New().WithMessage(ErrInvalidConfig, "influx url, token, org and bucket are required")
	}
	return nil
}

// PointWriter is the blocking write side of an InfluxDB client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink mirrors data points to InfluxDB behind a circuit breaker.
type InfluxSink struct {
	writer      PointWriter
	measurement string
	breaker     *gobreaker.CircuitBreaker
	close       func()
}

// NewInfluxSink connects a blocking writer to the configured bucket.
func NewInfluxSink(cfg InfluxConfig, m metrics.Collector) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	sink := NewPointSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, m)
	sink.close = client.Close

	return sink, nil
}

// NewPointSink wraps an existing writer.
func NewPointSink(w PointWriter, measurement string, m metrics.Collector) *InfluxSink {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	if m == nil {
		m = metrics.NewNoop()
	}

	return &InfluxSink{
		writer:      w,
		measurement: measurement,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     sinkInflux,
			Interval: breakerInterval,
			Timeout:  breakerOpen,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, _, to gobreaker.State) {
				m.BreakerState(name, int(to))
			},
		}),
		close: func() {},
	}
}

func (s *InfluxSink) Name() string {
	return sinkInflux
}

func (s *InfluxSink) Write(ctx context.Context, p model.DataPoint) error {
	errFactory := errors.New()

	point := ToPoint(s.measurement, p)

	_, err := s.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return nil, s.writer.WritePoint(ctx, point)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errFactory.Wrap(ErrSinkUnavailable, err)
	case err != nil:
		return errFactory.Wrap(ErrSinkWrite, err)
	}

	return nil
}

func (s *InfluxSink) Close() error {
	s.close()
	return nil
}

// ToPoint converts a data point to a line protocol point tagged with its
// experiment. Absent measurements are omitted.
func ToPoint(measurement string, p model.DataPoint) *write.Point {
	tags := map[string]string{
		"experiment_id": p.ExperimentID,
	}

	fields := map[string]any{}
	for name, v := range p.Measurements() {
		fields[name] = v
	}

	return influxdb2.NewPoint(measurement, tags, fields, p.Timestamp)
}
