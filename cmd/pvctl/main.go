package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/pvctl/internal/alert"
	"codeberg.org/mutker/pvctl/internal/api"
	"codeberg.org/mutker/pvctl/internal/config"
	"codeberg.org/mutker/pvctl/internal/device"
	"codeberg.org/mutker/pvctl/internal/experiment"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/metrics"
	"codeberg.org/mutker/pvctl/internal/model"
	"codeberg.org/mutker/pvctl/internal/notify"
	"codeberg.org/mutker/pvctl/internal/pid"
	"codeberg.org/mutker/pvctl/internal/store"
	"codeberg.org/mutker/pvctl/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(cfg.PIDDir); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := run(ctx)
	stop()

	if rmErr := pid.Remove(cfg.PIDDir); rmErr != nil {
		logger.Error().Err(rmErr).Msg("Failed to remove PID file")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Exiting with error")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) error {
	db, err := store.Open(store.Config{
		DBPath:          cfg.Database,
		BackupDir:       filepath.Join(filepath.Dir(cfg.Database), "backups"),
		BackupOnMigrate: true,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := loadDevices(ctx, db)
	if err != nil {
		return err
	}

	collector, err := metrics.NewService(metrics.DefaultConfig())
	if err != nil {
		return err
	}

	opts := []experiment.Option{
		experiment.WithEvaluator(alert.NewEvaluator(alert.Thresholds{
			TemperatureCritical: cfg.Thresholds.TemperatureCritical,
			TemperatureWarning:  cfg.Thresholds.TemperatureWarning,
			CurrentMax:          cfg.Thresholds.CurrentMax,
			VoltageMax:          cfg.Thresholds.VoltageMax,
			EfficiencyMin:       cfg.Thresholds.EfficiencyMin,
		})),
		experiment.WithSuppressor(alert.NewSuppressor(cfg.AlertWindow)),
		experiment.WithReferenceArea(cfg.ReferenceArea),
		experiment.WithMetrics(collector),
		experiment.WithDevices(db),
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := notify.NewKafkaPublisher(notify.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, experiment.WithPublishers(publisher))
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Publishing alerts to Kafka")
	}

	manager := experiment.NewManager(db, opts...)

	telemetryCollector, sources, err := newTelemetry(manager, db, devices, collector)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(manager, db, collector).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := telemetryCollector.Run(ctx, sources...); err != nil {
			logger.Error().Err(err).Msg("Telemetry collector failed")
		}
	}()

	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("HTTP server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received termination signal.")
	case err = <-errs:
		logger.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("HTTP shutdown failed")
	}

	cancelRun()
	wg.Wait()
	return err
}

// loadDevices registers the inventory file, or simulated devices when no
// file is configured and the simulator is on.
func loadDevices(ctx context.Context, db *store.Store) ([]model.Device, error) {
	var inv *device.Inventory
	switch {
	case cfg.DevicesFile != "":
		var err error
		if inv, err = device.Load(cfg.DevicesFile); err != nil {
			return nil, err
		}
	case cfg.Simulator.Enabled:
		inv = device.Default(cfg.Simulator.Devices)
	default:
		return db.ListDevices(ctx)
	}

	devices, err := device.Sync(ctx, db, inv)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("devices", len(devices)).Msg("Device inventory synced")

	return devices, nil
}

func newTelemetry(
	manager *experiment.Manager,
	db *store.Store,
	devices []model.Device,
	collector metrics.Collector,
) (*telemetry.Collector, []telemetry.Source, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.Interval = cfg.IntervalDuration()
	// Staleness follows the configured interval.
	tcfg.MaxAge = 0

	opts := []telemetry.Option{telemetry.WithMetrics(collector)}

	if cfg.Influx.URL != "" {
		sink, err := telemetry.NewInfluxSink(telemetry.InfluxConfig{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}, collector)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, telemetry.WithSinks(sink))
		logger.Info().Str("url", cfg.Influx.URL).Msg("Mirroring data points to InfluxDB")
	}

	tc, err := telemetry.NewCollector(tcfg, manager, db, opts...)
	if err != nil {
		return nil, nil, err
	}

	var sources []telemetry.Source
	if cfg.Simulator.Enabled {
		sources = append(sources, telemetry.NewSimulator(devices, tcfg.Interval, uint64(time.Now().UnixNano())))
	}
	if cfg.MQTT.Broker != "" {
		sources = append(sources, telemetry.NewMQTTSource(telemetry.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			User:     cfg.MQTT.User,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      1,
		}))
	}
	if len(sources) == 0 {
		logger.Warn().Msg("No telemetry source configured, data points arrive over HTTP only")
	}

	return tc, sources, nil
}
