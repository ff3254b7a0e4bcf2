package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix     = "PVCTL"
	DefaultInterval      = 2
	DefaultLogLevel      = "info"
	DefaultDatabase      = "/var/lib/pvctl/pvctl.db"
	DefaultListen        = ":8080"
	DefaultReferenceArea = 1.0
	DefaultMQTTPort      = 1883
	DefaultMQTTPrefix    = "pvctl/devices"
	DefaultKafkaTopic    = "pv.alerts"
	DefaultMeasurement   = "pv_data"
	DefaultSimDevices    = 3

	configName = "pvctl"
	configType = "toml"
	configDir  = "/etc"
)

type Config struct {
	Interval      int           `mapstructure:"interval"`
	LogLevel      string        `mapstructure:"log_level"`
	Database      string        `mapstructure:"database"`
	Listen        string        `mapstructure:"listen"`
	ReferenceArea float64       `mapstructure:"reference_area"`
	AlertWindow   time.Duration `mapstructure:"alert_window"`
	DevicesFile   string        `mapstructure:"devices_file"`
	PIDDir        string        `mapstructure:"pid_dir"`

	Thresholds ThresholdConfig `mapstructure:"thresholds"`
	Simulator  SimulatorConfig `mapstructure:"simulator"`
	MQTT       MQTTConfig      `mapstructure:"mqtt"`
	Influx     InfluxConfig    `mapstructure:"influx"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
}

// ThresholdConfig overrides the alert limits
type ThresholdConfig struct {
	TemperatureCritical float64 `mapstructure:"temperature_critical"`
	TemperatureWarning  float64 `mapstructure:"temperature_warning"`
	CurrentMax          float64 `mapstructure:"current_max"`
	VoltageMax          float64 `mapstructure:"voltage_max"`
	EfficiencyMin       float64 `mapstructure:"efficiency_min"`
}

type SimulatorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Devices int  `mapstructure:"devices"`
}

// MQTTConfig is the device snapshot broker. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Prefix   string `mapstructure:"prefix"`
}

// InfluxConfig mirrors data points to InfluxDB. An empty URL disables it.
type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// KafkaConfig publishes alerts. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("reference_area", DefaultReferenceArea)
	v.SetDefault("alert_window", time.Duration(0))
	v.SetDefault("devices_file", "")
	v.SetDefault("pid_dir", os.TempDir())

	v.SetDefault("thresholds.temperature_critical", 85.0)
	v.SetDefault("thresholds.temperature_warning", 75.0)
	v.SetDefault("thresholds.current_max", 150.0)
	v.SetDefault("thresholds.voltage_max", 1000.0)
	v.SetDefault("thresholds.efficiency_min", 10.0)

	v.SetDefault("simulator.enabled", true)
	v.SetDefault("simulator.devices", DefaultSimDevices)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.port", DefaultMQTTPort)
	v.SetDefault("mqtt.user", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "pvctl")
	v.SetDefault("mqtt.prefix", DefaultMQTTPrefix)

	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("influx.measurement", DefaultMeasurement)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", DefaultKafkaTopic)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pvctl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.Int("interval", DefaultInterval, "Seconds between device snapshots")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("database", DefaultDatabase, "Path to the SQLite database")
	fs.String("listen", DefaultListen, "HTTP listen address")
	fs.Float64("reference-area", DefaultReferenceArea, "Reference module area in m² for efficiency")
	fs.Duration("alert-window", 0, "Suppress repeated alerts within this window (0 disables)")
	fs.String("devices-file", "", "YAML device inventory to load at start-up")
	fs.Bool("simulate", true, "Generate simulated device snapshots")
	return fs
}

// flag name -> viper key
var flagKeys = map[string]string{
	"interval":       "interval",
	"log-level":      "log_level",
	"database":       "database",
	"listen":         "listen",
	"reference-area": "reference_area",
	"alert-window":   "alert_window",
	"devices-file":   "devices_file",
	"simulate":       "simulator.enabled",
}

// Load reads defaults, the TOML config file, PVCTL_* environment variables
// and command line flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(o)
	}

	args := os.Args[1:]
	if o.argsSet {
		args = o.args
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if p, _ := fs.GetString("config"); p != "" {
		configPath = p
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType(configType)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(configDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "database path is required")
	}

	if c.ReferenceArea <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value float64
		}{
			Field: "reference_area",
			Value: c.ReferenceArea,
		})
	}

	if c.AlertWindow < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "alert_window must not be negative")
	}

	if c.Simulator.Enabled && c.Simulator.Devices <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulator.devices must be positive")
	}

	return nil
}

// IntervalDuration returns the snapshot interval as a duration
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}
