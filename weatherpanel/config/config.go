// Package config loads and validates the daemon's YAML configuration.
// Validation happens once at startup; a bad file terminates the process
// before the update loop starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mkohda/go-weatherpanel/weatherpanel/timing"
)

var validate = validator.New()

// DeviceConfig describes the e-paper panel geometry.
type DeviceConfig struct {
	Width  int `yaml:"width" validate:"required,gt=0"`
	Height int `yaml:"height" validate:"required,gt=0"`
}

// UpdateConfig holds the refresh cadence.
type UpdateConfig struct {
	// IntervalSec is the refresh period in seconds.
	IntervalSec int `yaml:"interval" validate:"required,gt=0"`

	// TargetSecond aligns updates at this second within each interval.
	TargetSecond int `yaml:"target_second" validate:"gte=0,lt=60"`
}

// TimingConfig exposes the controller's estimator parameters. Zero values
// fall back to the defaults below; deployments rarely need to touch these.
type TimingConfig struct {
	InitialEstimateSec float64 `yaml:"initial_estimate" validate:"gte=0"`
	InitialVariance    float64 `yaml:"initial_variance" validate:"gte=0"`
	ProcessNoise       float64 `yaml:"process_noise" validate:"gte=0"`
	ObservationNoise   float64 `yaml:"observation_noise" validate:"gte=0"`
	OutlierFactor      float64 `yaml:"outlier_factor" validate:"gte=0"`
	MaxElapsedFactor   float64 `yaml:"max_elapsed_factor" validate:"gte=0"`
}

// SourceConfig describes one panel source and where it lands on the frame.
type SourceConfig struct {
	Name       string `yaml:"name" validate:"required"`
	URL        string `yaml:"url" validate:"omitempty,url"`
	X          int    `yaml:"x" validate:"gte=0"`
	Y          int    `yaml:"y" validate:"gte=0"`
	Width      int    `yaml:"width" validate:"required,gt=0"`
	Height     int    `yaml:"height" validate:"required,gt=0"`
	TimeoutSec int    `yaml:"timeout" validate:"gte=0"`
}

// PanelConfig groups the device, cadence and sources.
type PanelConfig struct {
	Device  DeviceConfig   `yaml:"device" validate:"required"`
	Update  UpdateConfig   `yaml:"update" validate:"required"`
	Sources []SourceConfig `yaml:"sources" validate:"dive"`
}

// DisplayConfig is the remote framebuffer host the image is pushed to.
type DisplayConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	User    string `yaml:"user"`
	KeyFile string `yaml:"key_file"`
}

// LivenessConfig names the footprint file touched after each good cycle.
type LivenessConfig struct {
	File string `yaml:"file"`
}

// MetricsConfig names the per-cycle metrics sink consumed by the external
// collector.
type MetricsConfig struct {
	File string `yaml:"file"`
}

// AppConfig is the root of the configuration file.
type AppConfig struct {
	Panel    PanelConfig    `yaml:"panel" validate:"required"`
	Timing   TimingConfig   `yaml:"timing"`
	Display  DisplayConfig  `yaml:"display"`
	Liveness LivenessConfig `yaml:"liveness"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Estimator defaults for deployments that do not tune the timing section.
const (
	defaultInitialEstimateSec = 3.0
	defaultInitialVariance    = 1.0
	defaultProcessNoise       = 0.01
	defaultObservationNoise   = 0.25
	defaultSSHPort            = 22
	defaultSSHUser            = "ubuntu"
)

// Load reads, defaults and validates the configuration at path. Environment
// variables WP_HOSTNAME and WP_SSH_KEY override the display host and key so
// deployments can keep host specifics out of the shared file.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Timing.InitialEstimateSec == 0 {
		c.Timing.InitialEstimateSec = defaultInitialEstimateSec
	}
	if c.Timing.InitialVariance == 0 {
		c.Timing.InitialVariance = defaultInitialVariance
	}
	if c.Timing.ProcessNoise == 0 {
		c.Timing.ProcessNoise = defaultProcessNoise
	}
	if c.Timing.ObservationNoise == 0 {
		c.Timing.ObservationNoise = defaultObservationNoise
	}
	if c.Display.Port == 0 {
		c.Display.Port = defaultSSHPort
	}
	if c.Display.User == "" {
		c.Display.User = defaultSSHUser
	}
}

func (c *AppConfig) applyEnvOverrides() {
	if host := os.Getenv("WP_HOSTNAME"); host != "" {
		c.Display.Host = host
	}
	if key := os.Getenv("WP_SSH_KEY"); key != "" {
		c.Display.KeyFile = key
	}
}

// Interval returns the refresh period as a Duration.
func (c *AppConfig) Interval() time.Duration {
	return time.Duration(c.Panel.Update.IntervalSec) * time.Second
}

// TimingControllerConfig maps the file's timing section onto the controller's
// construction parameters.
func (c *AppConfig) TimingControllerConfig() timing.Config {
	return timing.Config{
		Interval:         c.Interval(),
		TargetSecond:     c.Panel.Update.TargetSecond,
		InitialEstimate:  time.Duration(c.Timing.InitialEstimateSec * float64(time.Second)),
		InitialVariance:  c.Timing.InitialVariance,
		ProcessNoise:     c.Timing.ProcessNoise,
		ObservationNoise: c.Timing.ObservationNoise,
		OutlierFactor:    c.Timing.OutlierFactor,
		MaxElapsedFactor: c.Timing.MaxElapsedFactor,
	}
}
