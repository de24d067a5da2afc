// Command aibox runs the lightweight landmark streamer: it pushes 33-point
// pose landmarks (and optionally embedded JPEG frames) to each client at a
// target FPS, falling back to synthetic landmarks when no detector is
// available.
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
	host          = flag.String("host", "0.0.0.0", "Bind address")
	port          = flag.Int("port", 8090, "Bind port")
	videoSource   = flag.String("video-source", "0", "Camera index, RTSP URL, or file path")
	hikvisionRTSP = flag.String("hikvision-rtsp", "", "RTSP URL announced to clients when app-video-mode includes rtsp_url")
	appVideoMode  = flag.String("app-video-mode", "rtsp_url", "rtsp_url | embedded_frames | both")
	fps           = flag.Int("fps", 15, "Stream FPS (>= 1)")
	jpegQuality   = flag.Int("jpeg-quality", 80, "JPEG quality 10..95")
)

func main() {
	flag.Parse()
	logger := golog.NewDevelopmentLogger("aibox")

	cfg := server.StreamConfig{
		Host:          *host,
		Port:          *port,
		VideoSource:   *videoSource,
		HikvisionRTSP: *hikvisionRTSP,
		AppVideoMode:  *appVideoMode,
		FPS:           *fps,
		JPEGQuality:   *jpegQuality,
	}
	if err := cfg.Normalize(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewStreamServer(cfg, nil, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
	logger.Infof("server stopped")
}
