// Package config holds the runtime configuration of the stream client.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/live-detection/stream-client/internal/client"
	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/emitter"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
	"github.com/dj-oyu/live-detection/stream-client/internal/preview"
	"github.com/dj-oyu/live-detection/stream-client/internal/pump"
	"github.com/dj-oyu/live-detection/stream-client/internal/session"
	"github.com/dj-oyu/live-detection/stream-client/internal/source"
)

// Config defines the runtime configuration for the stream client.
type Config struct {
	Mode        string             `yaml:"mode"`
	RenderScale float64            `yaml:"render_scale"`
	Still       string             `yaml:"still"` // image served instead of live capture
	Client      client.Config      `yaml:"client"`
	Pump        pump.Config        `yaml:"pump"`
	Settings    detection.Settings `yaml:"settings"`
	Capture     Capture            `yaml:"capture"`
	Preview     preview.Config     `yaml:"preview"`
	Recording   Recording          `yaml:"recording"`
	MQTT        emitter.Config     `yaml:"mqtt"`
	Log         Log                `yaml:"log"`
}

// Capture holds the camera and screen constraints.
type Capture struct {
	Camera source.CaptureConfig `yaml:"camera"`
	Screen source.CaptureConfig `yaml:"screen"`
}

// Recording configures snapshot output.
type Recording struct {
	OutputPath string `yaml:"output_path"`
}

// Log configures the logger. File is optional and rotated.
type Log struct {
	Level      string `yaml:"level"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns a config for a camera session against a service on
// localhost:8000.
func DefaultConfig() Config {
	return Config{
		Mode:        string(session.ModeCamera),
		RenderScale: 1,
		Client:      client.DefaultConfig(),
		Pump:        pump.Config{FPS: 10},
		Settings:    detection.DefaultSettings(),
		Capture: Capture{
			Camera: source.DefaultCaptureConfig(),
			Screen: source.CaptureConfig{FrameRate: 10},
		},
		Preview:   preview.DefaultConfig(),
		Recording: Recording{OutputPath: "./snapshots"},
		MQTT:      emitter.DefaultConfig(),
		Log: Log{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that cannot be clamped.
func (c Config) Validate() error {
	mode, err := session.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	if mode == session.ModeUpload {
		return session.ErrUploadUnsupported
	}
	if _, err := detection.ParseModel(string(c.Settings.Model)); err != nil {
		return err
	}
	if c.Pump.FPS <= 0 {
		return errors.Errorf("pump fps must be positive, got %d", c.Pump.FPS)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// SessionMode returns the validated mode.
func (c Config) SessionMode() session.Mode {
	m, err := session.ParseMode(c.Mode)
	if err != nil {
		return session.ModeCamera
	}
	return m
}
