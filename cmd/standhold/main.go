// Command standhold runs the stand-and-hold pose-coaching server: a TCP
// server speaking newline-delimited JSON that streams preview frames, runs
// timed sessions against a reference image, and reports the best held
// moment with a score and coaching feedback.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/edaniels/golog"

	"github.com/nahooni0511/aibox-server/internal/server"
)

var (
	configFile = flag.String("config", "", "Optional YAML config file; flags override file values")

	host = flag.String("host", "0.0.0.0", "Bind address")
	port = flag.Int("port", 8091, "Bind port")

	cameraMode  = flag.String("camera-mode", "auto", "auto | webcam | hikvision | client")
	videoSource = flag.String("video-source", "0", "Webcam index, file path, or stream URL")

	hikvisionRTSP       = flag.String("hikvision-rtsp", "", "Full RTSP URL")
	hikvisionIP         = flag.String("hikvision-ip", "", "Hikvision camera IP")
	hikvisionPassword   = flag.String("hikvision-password", "aa123456", "Camera admin password")
	hikvisionCameraType = flag.String("hikvision-camera-type", "hk", "hk | dh")

	fps                   = flag.Int("fps", 12, "Session capture FPS (>= 1)")
	jpegQuality           = flag.Int("jpeg-quality", 80, "JPEG quality 10..95")
	clientFrameTimeoutSec = flag.Float64("client-frame-timeout-sec", 1.0, "Client frame freshness window (>= 0.2)")
	sessionSeconds        = flag.Int("session-seconds", 5, "Default session length 1..15")

	preferWorldLandmarks = flag.Bool("prefer-world-landmarks", false, "Score on world-metric landmarks when available")
	scoringDevice        = flag.String("scoring-device", "auto", "auto | cpu | cuda")
	sendLandmarks        = flag.Bool("send-landmarks", false, "Stream a landmarks message each tick")

	allowOpenAIFeedback = flag.Bool("allow-openai-feedback", false, "Enable remote feedback when OPENAI_API_KEY is set")
	openAIModel         = flag.String("openai-model", "gpt-4o-mini", "Remote feedback model id")
	openAITimeoutSec    = flag.Float64("openai-timeout-sec", 45.0, "Remote feedback timeout (>= 5)")
)

func main() {
	flag.Parse()
	logger := golog.NewDevelopmentLogger("standhold")

	cfg := server.DefaultConfig()
	if *configFile != "" {
		loaded, err := server.LoadConfigFile(*configFile)
		if err != nil {
			logger.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}
	applyFlags(&cfg)

	if err := cfg.Normalize(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	logger.Infof("stand_hold server starting host=%s port=%d camera_mode=%s video_source=%s scoring_device=%s",
		cfg.Host, cfg.Port, cfg.CameraMode, cfg.VideoSource, cfg.ScoringDevice)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, nil, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
	logger.Infof("server stopped")
}

// applyFlags copies explicitly set flags over the (possibly file-loaded)
// configuration, so the precedence is defaults < file < flags.
func applyFlags(cfg *server.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "camera-mode":
			cfg.CameraMode = *cameraMode
		case "video-source":
			cfg.VideoSource = *videoSource
		case "hikvision-rtsp":
			cfg.HikvisionRTSP = *hikvisionRTSP
		case "hikvision-ip":
			cfg.HikvisionIP = *hikvisionIP
		case "hikvision-password":
			cfg.HikvisionPassword = *hikvisionPassword
		case "hikvision-camera-type":
			cfg.HikvisionCameraType = *hikvisionCameraType
		case "fps":
			cfg.FPS = *fps
		case "jpeg-quality":
			cfg.JPEGQuality = *jpegQuality
		case "client-frame-timeout-sec":
			cfg.ClientFrameTimeoutSec = *clientFrameTimeoutSec
		case "session-seconds":
			cfg.SessionSeconds = *sessionSeconds
		case "prefer-world-landmarks":
			cfg.PreferWorldLandmarks = *preferWorldLandmarks
		case "scoring-device":
			cfg.ScoringDevice = *scoringDevice
		case "send-landmarks":
			cfg.SendLandmarks = *sendLandmarks
		case "allow-openai-feedback":
			cfg.AllowOpenAIFeedback = *allowOpenAIFeedback
		case "openai-model":
			cfg.OpenAIModel = *openAIModel
		case "openai-timeout-sec":
			cfg.OpenAITimeoutSec = *openAITimeoutSec
		}
	})
}
