package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahooni0511/aibox-server/internal/capture"
)

func TestNormalizeClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FPS = 0
	cfg.JPEGQuality = 5
	cfg.SessionSeconds = 40
	cfg.ClientFrameTimeoutSec = 0.05
	cfg.OpenAITimeoutSec = 1

	require.NoError(t, cfg.Normalize())
	assert.Equal(t, 1, cfg.FPS)
	assert.Equal(t, 10, cfg.JPEGQuality)
	assert.Equal(t, 15, cfg.SessionSeconds)
	assert.Equal(t, 0.2, cfg.ClientFrameTimeoutSec)
	assert.Equal(t, 5.0, cfg.OpenAITimeoutSec)

	cfg.JPEGQuality = 99
	cfg.SessionSeconds = 0
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, 95, cfg.JPEGQuality)
	assert.Equal(t, 1, cfg.SessionSeconds)
}

func TestNormalizeRejectsBadEnums(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CameraMode = "drone"
	assert.Error(t, cfg.Normalize())

	cfg = DefaultConfig()
	cfg.HikvisionCameraType = "xx"
	assert.Error(t, cfg.Normalize())

	cfg = DefaultConfig()
	cfg.ScoringDevice = "tpu"
	assert.Error(t, cfg.Normalize())

	cfg = DefaultConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Normalize())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 9100\ncamera_mode: hikvision\nhikvision_ip: 10.0.0.9\nfps: 24\nsend_landmarks: true\n",
	), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, capture.ModeHikvision, cfg.CameraMode)
	assert.Equal(t, "10.0.0.9", cfg.HikvisionIP)
	assert.Equal(t, 24, cfg.FPS)
	assert.True(t, cfg.SendLandmarks)
	// Untouched fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "aa123456", cfg.HikvisionPassword)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSourceConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CameraMode = capture.ModeHikvision
	cfg.HikvisionIP = "192.168.0.5"

	sc := cfg.SourceConfig()
	assert.Equal(t, capture.ModeHikvision, sc.CameraMode)
	assert.Equal(t, "192.168.0.5", sc.HikvisionIP)
	assert.Equal(t, "aa123456", sc.HikvisionPassword)
}

func TestBuildHikvisionRTSP(t *testing.T) {
	assert.Equal(t,
		"rtsp://admin:pw@10.0.0.2:554/Streaming/Channels/101",
		capture.BuildHikvisionRTSP("10.0.0.2", "pw", capture.CameraTypeHikvision))
	assert.Equal(t,
		"rtsp://admin:pw@10.0.0.2/cam/realmonitor?channel=1&subtype=0",
		capture.BuildHikvisionRTSP("10.0.0.2", "pw", capture.CameraTypeDahua))
}

func TestStreamConfigNormalize(t *testing.T) {
	cfg := DefaultStreamConfig()
	require.NoError(t, cfg.Normalize())

	cfg.AppVideoMode = "webrtc"
	assert.Error(t, cfg.Normalize())

	cfg = DefaultStreamConfig()
	cfg.FPS = 0
	cfg.JPEGQuality = 200
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, 1, cfg.FPS)
	assert.Equal(t, 95, cfg.JPEGQuality)
}
