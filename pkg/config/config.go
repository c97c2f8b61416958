// Package config loads the observing session configuration.
//
// Values come from a YAML file laid over defaults, then OBSERVATORY_*
// environment variables. The result is validated once and handed to each
// component at construction; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Focus     FocusConfig     `yaml:"focus"`
	Images    ImagesConfig    `yaml:"images"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Dome      DomeConfig      `yaml:"dome"`
	Session   SessionConfig   `yaml:"session"`
}

type SiteConfig struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// FocusConfig holds the autofocus thresholds, step sizes and retry budgets.
type FocusConfig struct {
	InitialFocusDelta       int      `yaml:"initial_focus_delta"`   // focuser units per step
	FocusMaxDistance        int      `yaml:"focus_max_distance"`    // runaway guard, focuser units
	QuickFocusTolerance     float64  `yaml:"quick_focus_tolerance"` // FWHM deviation that triggers a correction
	Saturation              float64  `yaml:"saturation"`
	FocusExposureMultiplier float64  `yaml:"focus_exposure_multiplier"`
	Samples                 int      `yaml:"samples"`
	MeasurementRetries      int      `yaml:"measurement_retries"`
	CrashRetries            int      `yaml:"crash_retries"`
	CrashRetryInterval      Duration `yaml:"crash_retry_interval"`
	AdjustTimeout           Duration `yaml:"adjust_timeout"`
	MoveTimeout             Duration `yaml:"move_timeout"`
	ContinuousExposures     int      `yaml:"continuous_exposures"`
	MinContinuousDelta      int      `yaml:"min_continuous_delta"`
	CoolerSetpoint          float64  `yaml:"cooler_setpoint"`
}

type ImagesConfig struct {
	DataDirectory  string `yaml:"data_directory"`
	CalibrationDir string `yaml:"calibration_dir"`
	PlotName       string `yaml:"plot_name"`
	Watch          bool   `yaml:"watch"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	TopicRoot string `yaml:"topic_root"`
	QoS       int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Discovery bool   `yaml:"discovery"`
	Name      string `yaml:"name"`
	Location  string `yaml:"location"`
}

// SimulatorConfig shapes the simulated optics used when no hardware is attached.
type SimulatorConfig struct {
	BestFocus       int     `yaml:"best_focus"`
	StartPosition   int     `yaml:"start_position"`
	MinFWHM         float64 `yaml:"min_fwhm"`
	Curvature       float64 `yaml:"curvature"`
	Noise           float64 `yaml:"noise"`
	DriftPerImage   float64 `yaml:"drift_per_image"`
	ExposureSeconds float64 `yaml:"exposure_seconds"` // simulated exposures last Duration * this factor
}

type DomeConfig struct {
	Driver         string   `yaml:"driver"`     // "simulator" or "zro"
	TopicRoot      string   `yaml:"topic_root"` // MQTT topic root of the ZRO controller
	TicksPerTurn   int      `yaml:"ticks_per_turn"`
	Tolerance      int      `yaml:"tolerance"` // encoder ticks
	ParkPosition   float64  `yaml:"park_position"`
	HomePosition   float64  `yaml:"home_position"`
	UseShutter     bool     `yaml:"use_shutter"`
	CommandTimeout Duration `yaml:"command_timeout"`
	SlewTimeout    Duration `yaml:"slew_timeout"`
}

// SessionConfig describes the science sequence run after focusing.
type SessionConfig struct {
	Target     string   `yaml:"target"`
	RA         float64  `yaml:"ra"`
	Dec        float64  `yaml:"dec"`
	Filter     string   `yaml:"filter"`
	Exposure   Duration `yaml:"exposure"`
	Count      int      `yaml:"count"`
	Continuous bool     `yaml:"continuous_focus"`
}

// Duration reads Go duration strings ("10s") or plain seconds from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads path over the defaults. An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Site: SiteConfig{
			Name:      "Observatory",
			Latitude:  38.828,
			Longitude: -77.305,
		},
		Focus: FocusConfig{
			InitialFocusDelta:       10,
			FocusMaxDistance:        100,
			QuickFocusTolerance:     0.5,
			Saturation:              20000,
			FocusExposureMultiplier: 0.5,
			Samples:                 11,
			MeasurementRetries:      2,
			CrashRetries:            5,
			CrashRetryInterval:      Duration(10 * time.Second),
			AdjustTimeout:           Duration(10 * time.Second),
			MoveTimeout:             Duration(30 * time.Second),
			ContinuousExposures:     3,
			MinContinuousDelta:      5,
			CoolerSetpoint:          -30,
		},
		Images: ImagesConfig{
			DataDirectory:  "./data",
			CalibrationDir: "focuser_calibration_images",
			PlotName:       "focus_plot.svg",
		},
		Storage: StorageConfig{
			Path: "observatory.db",
		},
		MQTT: MQTTConfig{
			Host:      "tcp://localhost:1883",
			ClientID:  "observatory",
			TopicRoot: "observatory",
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "observatory",
			Bucket:        "focus",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Enabled:  true,
			Port:     8090,
			Name:     "Observatory Alpaca Server",
			Location: "Observatory",
		},
		Simulator: SimulatorConfig{
			BestFocus:       1000,
			StartPosition:   1010,
			MinFWHM:         2.1,
			Curvature:       0.0008,
			ExposureSeconds: 0.01,
		},
		Dome: DomeConfig{
			Driver:         "simulator",
			TopicRoot:      "zro",
			TicksPerTurn:   1470,
			Tolerance:      5,
			ParkPosition:   90,
			CommandTimeout: Duration(5 * time.Second),
			SlewTimeout:    Duration(120 * time.Second),
		},
		Session: SessionConfig{
			Target:     "TOI-1531",
			Filter:     "R",
			Exposure:   Duration(15 * time.Second),
			Count:      10,
			Continuous: true,
		},
	}
}

// applyEnvOverrides follows the pattern OBSERVATORY_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OBSERVATORY_DATA_DIRECTORY"); v != "" {
		cfg.Images.DataDirectory = v
	}
	if v := os.Getenv("OBSERVATORY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OBSERVATORY_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("OBSERVATORY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("OBSERVATORY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("OBSERVATORY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("OBSERVATORY_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []string

	f := c.Focus
	if f.InitialFocusDelta <= 0 {
		errs = append(errs, "focus.initial_focus_delta must be positive")
	}
	if f.FocusMaxDistance <= 0 {
		errs = append(errs, "focus.focus_max_distance must be positive")
	}
	if f.QuickFocusTolerance < 0 {
		errs = append(errs, "focus.quick_focus_tolerance cannot be negative")
	}
	if f.Samples < 3 {
		errs = append(errs, "focus.samples must be at least 3")
	}
	if f.MeasurementRetries < 0 || f.CrashRetries < 0 {
		errs = append(errs, "focus retry budgets cannot be negative")
	}
	if f.CrashRetryInterval <= 0 {
		errs = append(errs, "focus.crash_retry_interval must be positive")
	}
	if f.AdjustTimeout <= 0 || f.MoveTimeout <= 0 {
		errs = append(errs, "focus adjust and move timeouts must be positive")
	}
	if f.ContinuousExposures < 1 {
		errs = append(errs, "focus.continuous_exposures must be at least 1")
	}
	if f.FocusExposureMultiplier <= 0 {
		errs = append(errs, "focus.focus_exposure_multiplier must be positive")
	}

	if c.Images.DataDirectory == "" {
		errs = append(errs, "images.data_directory is required")
	}
	if c.Storage.Path == "" {
		errs = append(errs, "storage.path is required")
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		errs = append(errs, "mqtt.host is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server.port: %d", c.Server.Port))
	}

	switch c.Dome.Driver {
	case "simulator":
	case "zro":
		if !c.MQTT.Enabled {
			errs = append(errs, "dome.driver zro requires mqtt")
		}
		if c.Dome.TicksPerTurn <= 0 {
			errs = append(errs, "dome.ticks_per_turn must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown dome.driver %q", c.Dome.Driver))
	}

	if c.Session.Exposure <= 0 {
		errs = append(errs, "session.exposure must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// FocusExposure is the exposure used for focus frames.
func (c *Config) FocusExposure() time.Duration {
	return time.Duration(float64(c.Session.Exposure.Std()) * c.Focus.FocusExposureMultiplier)
}
