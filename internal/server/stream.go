package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"

	"github.com/nahooni0511/aibox-server/internal/capture"
	"github.com/nahooni0511/aibox-server/internal/pose"
	"github.com/nahooni0511/aibox-server/internal/protocol"
)

// App video modes for the lightweight streamer.
const (
	VideoModeRTSPURL        = "rtsp_url"
	VideoModeEmbeddedFrames = "embedded_frames"
	VideoModeBoth           = "both"
)

const helloGrace = 200 * time.Millisecond

// StreamConfig configures the lightweight landmark streamer.
type StreamConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	VideoSource   string `yaml:"video_source"`
	HikvisionRTSP string `yaml:"hikvision_rtsp"`
	AppVideoMode  string `yaml:"app_video_mode"`
	FPS           int    `yaml:"fps"`
	JPEGQuality   int    `yaml:"jpeg_quality"`
}

// DefaultStreamConfig returns the streamer defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Host:         "0.0.0.0",
		Port:         8090,
		VideoSource:  "0",
		AppVideoMode: VideoModeRTSPURL,
		FPS:          15,
		JPEGQuality:  80,
	}
}

// Normalize validates the streamer configuration.
func (c *StreamConfig) Normalize() error {
	switch c.AppVideoMode {
	case VideoModeRTSPURL, VideoModeEmbeddedFrames, VideoModeBoth:
	default:
		return fmt.Errorf("invalid app-video-mode %q", c.AppVideoMode)
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
	return nil
}

// StreamServer pushes landmark packets (and optionally embedded frames) at
// a target FPS. It is the degenerate slice of the session pipeline: no
// sessions, no scoring, synthetic landmarks when no detector is available.
type StreamServer struct {
	cfg     StreamConfig
	clk     clock.Clock
	logger  golog.Logger
	backend BackendFactory
}

// NewStreamServer builds the streamer. backend may be nil; connections then
// emit synthetic sinusoidal landmarks as a visible placeholder.
func NewStreamServer(cfg StreamConfig, backend BackendFactory, logger golog.Logger) *StreamServer {
	return &StreamServer{cfg: cfg, clk: clock.New(), logger: logger, backend: backend}
}

// ListenAndServe blocks accepting connections until ctx is cancelled.
func (s *StreamServer) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	defer listener.Close()
	s.logger.Infof("listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

func (s *StreamServer) serveConn(conn net.Conn) {
	logger := s.logger
	logger.Infof("client connected: %s", conn.RemoteAddr())
	defer logger.Infof("client disconnected: %s", conn.RemoteAddr())
	defer conn.Close()

	var backend pose.Backend
	if s.backend != nil {
		b, err := s.backend(logger)
		if err != nil {
			logger.Errorf("pose backend init failed, streaming synthetic landmarks: %v", err)
		} else {
			backend = b
		}
	}
	estimator := pose.NewEstimator(backend, false)
	defer estimator.Close()

	provider := capture.NewProvider(capture.SourceConfig{
		CameraMode:  capture.ModeWebcam,
		VideoSource: s.cfg.VideoSource,
	}, s.clk, logger)
	defer provider.Close()

	writer := protocol.NewWriter(conn)
	if err := writer.Send(protocol.NewStatus("info", "client connected")); err != nil {
		return
	}

	if (s.cfg.AppVideoMode == VideoModeRTSPURL || s.cfg.AppVideoMode == VideoModeBoth) && s.cfg.HikvisionRTSP != "" {
		if err := writer.Send(protocol.Camera{Type: "camera", RTSPURL: s.cfg.HikvisionRTSP}); err != nil {
			return
		}
	}

	s.consumeHello(conn, logger)

	interval := time.Second / time.Duration(s.cfg.FPS)
	start := s.clk.Now()

	for {
		tickStart := s.clk.Now()

		frame := provider.Read()
		pkt := estimator.DetectVideo(frame, tickStart.Sub(start).Milliseconds())
		if pkt == nil {
			pkt = pose.SyntheticPacket(tickStart)
		}

		// The per-tick timestamps are wall clock on both messages, matching
		// the established consumer expectations.
		err := writer.Send(protocol.StreamLandmarks{
			Type:        "landmarks",
			TimestampMS: s.clk.Now().UnixMilli(),
			Keypoints:   streamKeypoints(pkt),
		})
		if err != nil {
			frame.Close()
			return
		}

		if s.cfg.AppVideoMode == VideoModeEmbeddedFrames || s.cfg.AppVideoMode == VideoModeBoth {
			err := writer.Send(protocol.Frame{
				Type:        "frame",
				TimestampMS: s.clk.Now().UnixMilli(),
				JPEGBase64:  capture.EncodeJPEGBase64(frame, s.cfg.JPEGQuality),
				Width:       frame.Cols(),
				Height:      frame.Rows(),
			})
			if err != nil {
				frame.Close()
				return
			}
		}
		frame.Close()

		if elapsed := s.clk.Now().Sub(tickStart); elapsed < interval {
			s.clk.Sleep(interval - elapsed)
		}
	}
}

// consumeHello grants the client a short window to send an optional hello
// line before streaming begins.
func (s *StreamServer) consumeHello(conn net.Conn, logger golog.Logger) {
	if err := conn.SetReadDeadline(time.Now().Add(helloGrace)); err != nil {
		return
	}
	defer conn.SetReadDeadline(time.Time{})

	reader := protocol.NewLineReader(conn)
	line, err := reader.ReadLine()
	if err == nil && len(line) > 0 {
		logger.Infof("client hello: %s", string(line))
	}
}

func streamKeypoints(pkt *pose.Packet) []protocol.StreamKeypoint {
	out := make([]protocol.StreamKeypoint, pose.NumLandmarks)
	for i := 0; i < pose.NumLandmarks; i++ {
		out[i] = protocol.StreamKeypoint{
			X:          pkt.Points[i].X,
			Y:          pkt.Points[i].Y,
			Z:          pkt.Points[i].Z,
			Visibility: pkt.Visibility[i],
		}
	}
	return out
}
