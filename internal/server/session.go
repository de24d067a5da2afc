package server

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"gocv.io/x/gocv"

	"github.com/nahooni0511/aibox-server/internal/capture"
	"github.com/nahooni0511/aibox-server/internal/feedback"
	"github.com/nahooni0511/aibox-server/internal/pose"
	"github.com/nahooni0511/aibox-server/internal/protocol"
	"github.com/nahooni0511/aibox-server/internal/score"
)

const (
	serverName    = "ai_box_stand_hold"
	serverVersion = "0.1.0"

	// idlePreviewFPS caps the preview cadence while no session runs.
	idlePreviewFPS = 3

	inboundQueueDepth = 32
)

// activeSession is the per-connection session state. The buffers grow in
// lockstep, one entry per loop tick, and are released with the session.
type activeSession struct {
	templateName      string
	startedAt         time.Time
	deadlineAt        time.Time
	referenceImageB64 string
	referencePose     *pose.Packet
	resultSent        bool

	frames []string
	poses  []*pose.Packet
	tsMS   []int64
}

type inboundLine struct {
	data      []byte
	oversized bool
}

// session is one client connection's cooperative loop. All state is owned
// by the loop goroutine; the only other goroutine is the line reader
// feeding the inbound channel.
type session struct {
	cfg    Config
	conn   io.ReadWriteCloser
	clk    clock.Clock
	logger golog.Logger

	writer  *protocol.Writer
	inbound chan inboundLine
	done    chan struct{}

	estimator *pose.Estimator
	provider  *capture.Provider // nil in client-only camera mode
	engine    *score.Engine
	feedback  *feedback.Generator

	active *activeSession

	clientFrame           gocv.Mat
	hasClientFrame        bool
	clientFrameAt         time.Time
	clientSourceAnnounced bool

	connectedAt time.Time
}

func newSession(conn io.ReadWriteCloser, cfg Config, clk clock.Clock, estimator *pose.Estimator, logger golog.Logger) *session {
	var provider *capture.Provider
	if cfg.CameraMode != capture.ModeClient {
		provider = capture.NewProvider(cfg.SourceConfig(), clk, logger)
	}
	device := score.ResolveDevice(cfg.ScoringDevice, logger)
	return &session{
		cfg:         cfg,
		conn:        conn,
		clk:         clk,
		logger:      logger,
		writer:      protocol.NewWriter(conn),
		inbound:     make(chan inboundLine, inboundQueueDepth),
		done:        make(chan struct{}),
		estimator:   estimator,
		provider:    provider,
		engine:      score.NewEngine(score.DefaultConfig(), device),
		feedback:    feedback.NewGenerator(cfg.AllowOpenAIFeedback, cfg.OpenAIModel, time.Duration(cfg.OpenAITimeoutSec*float64(time.Second)), logger),
		connectedAt: clk.Now(),
	}
}

// run drives the connection until the peer disconnects. It never returns an
// error: transport failures terminate the loop silently per the propagation
// policy.
func (s *session) run(platform string) {
	defer s.close()

	go s.readLines()

	err := s.send(protocol.ServerInfo{
		Type:               "server_info",
		Name:               serverName,
		Version:            serverVersion,
		CameraSource:       s.cameraSourceDesc(),
		Platform:           platform,
		ScoringDevice:      s.engine.Device(),
		CUDAAvailable:      false,
		MediapipeAvailable: s.estimator.Available(),
	})
	if err != nil {
		return
	}
	if err := s.send(protocol.NewStatus("info", "AI BOX stand-hold server connected")); err != nil {
		return
	}

	activeInterval := time.Second / time.Duration(s.cfg.FPS)
	idleInterval := time.Second / idlePreviewFPS
	if activeInterval > idleInterval {
		idleInterval = activeInterval
	}

	for {
		tickStart := s.clk.Now()

		if !s.drainCommands() {
			return
		}
		sessionActive := s.active != nil
		interval := idleInterval
		if sessionActive {
			interval = activeInterval
		}

		frame := s.readEffectiveFrame()
		videoTsMS := tickStart.Sub(s.connectedAt).Milliseconds()

		var pkt *pose.Packet
		if sessionActive || s.cfg.SendLandmarks {
			pkt = s.estimator.DetectVideo(frame, videoTsMS)
		}
		frameB64 := capture.EncodeJPEGBase64(frame, s.cfg.JPEGQuality)

		if s.active != nil {
			s.appendSample(frameB64, pkt)

			remaining := s.active.deadlineAt.Sub(s.clk.Now())
			if remaining < 0 {
				remaining = 0
			}
			progressErr := s.send(protocol.SessionProgress{
				Type:        "session_progress",
				RemainingMS: remaining.Milliseconds(),
				Metrics: map[string]any{
					"reliable": false,
					"reason":   "offline_temporal_postprocess",
				},
			})
			if progressErr != nil {
				frame.Close()
				return
			}
		}

		frameErr := s.send(protocol.Frame{
			Type:        "frame",
			TimestampMS: s.clk.Now().UnixMilli(),
			JPEGBase64:  frameB64,
			Width:       frame.Cols(),
			Height:      frame.Rows(),
		})
		frame.Close()
		if frameErr != nil {
			return
		}

		if s.cfg.SendLandmarks {
			err := s.send(protocol.Landmarks{
				Type:        "landmarks",
				TimestampMS: s.clk.Now().UnixMilli(),
				Keypoints:   packetKeypoints(pkt),
			})
			if err != nil {
				return
			}
		}

		if !s.drainCommands() {
			return
		}

		if s.active != nil && !s.clk.Now().Before(s.active.deadlineAt) {
			if !s.finishSession() {
				return
			}
		}

		if elapsed := s.clk.Now().Sub(tickStart); elapsed < interval {
			s.clk.Sleep(interval - elapsed)
		}
	}
}

// appendSample grows the session buffers in lockstep: one frame, one
// nullable pose, one wall timestamp per tick.
func (s *session) appendSample(frameB64 string, pkt *pose.Packet) {
	s.active.frames = append(s.active.frames, frameB64)
	s.active.poses = append(s.active.poses, pkt)
	s.active.tsMS = append(s.active.tsMS, s.clk.Now().UnixMilli())
}

// readLines feeds inbound lines to the loop; closing the channel signals
// disconnect.
func (s *session) readLines() {
	defer close(s.inbound)
	reader := protocol.NewLineReader(s.conn)
	for {
		line, err := reader.ReadLine()
		if err == protocol.ErrLineTooLong {
			if !s.enqueue(inboundLine{oversized: true}) {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !s.enqueue(inboundLine{data: line}) {
			return
		}
	}
}

func (s *session) enqueue(line inboundLine) bool {
	select {
	case s.inbound <- line:
		return true
	case <-s.done:
		return false
	}
}

// drainCommands handles everything already queued without blocking.
// Returns false when the connection is gone.
func (s *session) drainCommands() bool {
	for {
		select {
		case line, ok := <-s.inbound:
			if !ok {
				return false
			}
			if !s.handleLine(line) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *session) handleLine(line inboundLine) bool {
	if line.oversized {
		return s.send(protocol.NewStatus("warning", "incoming command too large")) == nil
	}

	cmd, err := protocol.ParseCommand(line.data)
	if err != nil {
		return s.send(protocol.NewStatus("warning", "invalid json command")) == nil
	}

	switch cmd.Type {
	case protocol.CmdHello:
		return s.send(protocol.NewStatus("info", "hello acknowledged")) == nil
	case protocol.CmdPing:
		return s.send(protocol.Pong{Type: "pong", TimestampMS: s.clk.Now().UnixMilli()}) == nil
	case protocol.CmdStopSession:
		s.active = nil
		return s.send(protocol.SessionStopped{Type: "session_stopped"}) == nil
	case protocol.CmdStartSession:
		return s.startSession(cmd)
	case protocol.CmdClientFrame:
		return s.handleClientFrame(cmd)
	default:
		return s.send(protocol.NewStatus("warning", fmt.Sprintf("unknown command: %s", cmd.Type))) == nil
	}
}

func (s *session) startSession(cmd *protocol.Command) bool {
	templateName := cmd.TemplateName
	if templateName == "" {
		templateName = "template"
	}

	refImage, err := capture.DecodeBase64Image(cmd.ReferenceImageBase64)
	if err != nil {
		return s.send(protocol.Error{
			Type:    "error",
			Message: "reference_image_base64 is required and must be decodable",
		}) == nil
	}
	refPose := s.estimator.DetectImage(refImage)
	refImage.Close()
	if refPose == nil {
		return s.send(protocol.Error{
			Type:    "error",
			Message: "No pose detected in the reference image",
		}) == nil
	}

	durationSec := s.cfg.SessionSeconds
	if cmd.CountdownSec != nil && *cmd.CountdownSec != 0 {
		durationSec = *cmd.CountdownSec
	}
	if durationSec < 1 {
		durationSec = 1
	}
	if durationSec > 15 {
		durationSec = 15
	}

	now := s.clk.Now()
	s.active = &activeSession{
		templateName:      templateName,
		startedAt:         now,
		deadlineAt:        now.Add(time.Duration(durationSec) * time.Second),
		referenceImageB64: capture.NormalizeBase64Image(cmd.ReferenceImageBase64),
		referencePose:     refPose,
	}

	return s.send(protocol.SessionStarted{
		Type:                "session_started",
		TemplateName:        templateName,
		CountdownSec:        durationSec,
		DeadlineTimestampMS: now.Add(time.Duration(durationSec) * time.Second).UnixMilli(),
	}) == nil
}

func (s *session) handleClientFrame(cmd *protocol.Command) bool {
	if s.cfg.CameraMode != capture.ModeAuto && s.cfg.CameraMode != capture.ModeClient {
		return true
	}
	if cmd.JPEGBase64 == "" {
		return true
	}
	frame, err := capture.DecodeBase64Image(cmd.JPEGBase64)
	if err != nil {
		// Undecodable client frames are dropped without a reply.
		return true
	}
	frame = capture.RotateFrame(frame, cmd.Rotation())

	if s.hasClientFrame {
		s.clientFrame.Close()
	}
	s.clientFrame = frame
	s.hasClientFrame = true
	s.clientFrameAt = s.clk.Now()

	if !s.clientSourceAnnounced {
		s.clientSourceAnnounced = true
		return s.send(protocol.NewStatus("info", "Android camera stream connected")) == nil
	}
	return true
}

// finishSession runs the offline pipeline and emits the terminal result.
// Clearing the session first makes the deadline path idempotent.
func (s *session) finishSession() bool {
	session := s.active
	if session == nil {
		return true
	}
	session.resultSent = true
	s.active = nil

	outcome := score.PostProcessBest(
		session.referencePose,
		session.poses,
		session.frames,
		session.tsMS,
		s.engine,
		s.cfg.FPS,
		s.cfg.PreferWorldLandmarks,
	)

	feedbackText, feedbackModel := s.feedback.Generate(
		session.referenceImageB64, outcome.BestFrame, outcome.Metrics)

	return s.send(protocol.Result{
		Type:                 "result",
		TemplateName:         session.templateName,
		BestScore:            outcome.BestScore,
		BestFrameJPEGBase64:  outcome.BestFrame,
		ReferenceImageBase64: session.referenceImageB64,
		Feedback:             feedbackText,
		FeedbackModel:        feedbackModel,
		Metrics:              outcome.Metrics,
		Landmarks:            packetKeypoints(outcome.Landmarks),
	}) == nil
}

func (s *session) cameraSourceDesc() string {
	if s.freshClientFrame() {
		return "android_client_frame"
	}
	if s.cfg.CameraMode == capture.ModeClient {
		return "android_client_frame(waiting)"
	}
	if s.provider != nil {
		return s.provider.SourceDesc()
	}
	return "placeholder"
}

// readEffectiveFrame prefers a fresh client-pushed frame over the capture
// source. The caller owns the returned Mat.
func (s *session) readEffectiveFrame() gocv.Mat {
	if s.freshClientFrame() {
		return s.clientFrame.Clone()
	}
	if s.cfg.CameraMode == capture.ModeClient {
		return capture.PlaceholderFrame()
	}
	if s.provider != nil {
		return s.provider.Read()
	}
	return capture.PlaceholderFrame()
}

func (s *session) freshClientFrame() bool {
	if !s.hasClientFrame {
		return false
	}
	age := s.clk.Now().Sub(s.clientFrameAt)
	return age.Seconds() <= s.cfg.ClientFrameTimeoutSec
}

func (s *session) send(payload any) error {
	return s.writer.Send(payload)
}

func (s *session) close() {
	close(s.done)
	if s.provider != nil {
		s.provider.Close()
	}
	if s.hasClientFrame {
		s.clientFrame.Close()
		s.hasClientFrame = false
	}
	if err := s.estimator.Close(); err != nil {
		s.logger.Debugw("estimator close", "error", err)
	}
	s.conn.Close()
}

// packetKeypoints flattens a packet for the wire; nil packets become an
// empty list.
func packetKeypoints(pkt *pose.Packet) []protocol.Keypoint {
	if pkt == nil {
		return []protocol.Keypoint{}
	}
	out := make([]protocol.Keypoint, pose.NumLandmarks)
	for i := 0; i < pose.NumLandmarks; i++ {
		out[i] = protocol.Keypoint{
			X:          pkt.Points[i].X,
			Y:          pkt.Points[i].Y,
			Z:          pkt.Points[i].Z,
			Visibility: pkt.Visibility[i],
			Presence:   pkt.Presence[i],
		}
	}
	return out
}
