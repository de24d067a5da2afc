// Package server implements the TCP session server: per-connection
// cooperative loops that stream preview frames, run timed stand-and-hold
// sessions, and emit the offline post-processing result, plus the
// lightweight landmark streamer variant.
package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nahooni0511/aibox-server/internal/capture"
)

// Scoring device preferences.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config is the full server configuration. Values may come from a YAML file
// and/or CLI flags; Normalize applies the documented clamps and rejects
// invalid enumerations.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	CameraMode          string `yaml:"camera_mode"`
	VideoSource         string `yaml:"video_source"`
	HikvisionRTSP       string `yaml:"hikvision_rtsp"`
	HikvisionIP         string `yaml:"hikvision_ip"`
	HikvisionPassword   string `yaml:"hikvision_password"`
	HikvisionCameraType string `yaml:"hikvision_camera_type"`

	FPS                   int     `yaml:"fps"`
	JPEGQuality           int     `yaml:"jpeg_quality"`
	SessionSeconds        int     `yaml:"session_seconds"`
	ClientFrameTimeoutSec float64 `yaml:"client_frame_timeout_sec"`

	PreferWorldLandmarks bool   `yaml:"prefer_world_landmarks"`
	ScoringDevice        string `yaml:"scoring_device"`
	SendLandmarks        bool   `yaml:"send_landmarks"`

	AllowOpenAIFeedback bool    `yaml:"allow_openai_feedback"`
	OpenAIModel         string  `yaml:"openai_model"`
	OpenAITimeoutSec    float64 `yaml:"openai_timeout_sec"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Host:                  "0.0.0.0",
		Port:                  8091,
		CameraMode:            capture.ModeAuto,
		VideoSource:           "0",
		HikvisionPassword:     "aa123456",
		HikvisionCameraType:   capture.CameraTypeHikvision,
		FPS:                   12,
		JPEGQuality:           80,
		SessionSeconds:        5,
		ClientFrameTimeoutSec: 1.0,
		ScoringDevice:         DeviceAuto,
		OpenAIModel:           "gpt-4o-mini",
		OpenAITimeoutSec:      45.0,
	}
}

// LoadConfigFile overlays YAML settings from path onto the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Normalize clamps numeric settings into their documented ranges and
// validates the enumerations. Invalid enumerations are configuration
// errors, fatal at startup.
func (c *Config) Normalize() error {
	switch c.CameraMode {
	case capture.ModeAuto, capture.ModeWebcam, capture.ModeHikvision, capture.ModeClient:
	default:
		return fmt.Errorf("invalid camera-mode %q", c.CameraMode)
	}
	switch c.HikvisionCameraType {
	case capture.CameraTypeHikvision, capture.CameraTypeDahua:
	default:
		return fmt.Errorf("invalid hikvision-camera-type %q", c.HikvisionCameraType)
	}
	switch c.ScoringDevice {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("invalid scoring-device %q", c.ScoringDevice)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.FPS < 1 {
		c.FPS = 1
	}
	if c.JPEGQuality < capture.MinJPEGQuality {
		c.JPEGQuality = capture.MinJPEGQuality
	}
	if c.JPEGQuality > capture.MaxJPEGQuality {
		c.JPEGQuality = capture.MaxJPEGQuality
	}
	if c.SessionSeconds < 1 {
		c.SessionSeconds = 1
	}
	if c.SessionSeconds > 15 {
		c.SessionSeconds = 15
	}
	if c.ClientFrameTimeoutSec < 0.2 {
		c.ClientFrameTimeoutSec = 0.2
	}
	if c.OpenAITimeoutSec < 5 {
		c.OpenAITimeoutSec = 5
	}
	return nil
}

// SourceConfig extracts the frame-provider slice of the config.
func (c *Config) SourceConfig() capture.SourceConfig {
	return capture.SourceConfig{
		CameraMode:        c.CameraMode,
		VideoSource:       c.VideoSource,
		HikvisionRTSP:     c.HikvisionRTSP,
		HikvisionIP:       c.HikvisionIP,
		HikvisionPassword: c.HikvisionPassword,
		HikvisionType:     c.HikvisionCameraType,
	}
}
