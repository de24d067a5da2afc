package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"

	"github.com/nahooni0511/aibox-server/internal/pose"
)

// BackendFactory builds a fresh detector backend for one connection. The
// detector is per-connection state, never shared across connections. A nil
// factory (or a factory error) leaves pose detection disabled for that
// connection.
type BackendFactory func(logger golog.Logger) (pose.Backend, error)

// Server accepts TCP connections and runs one session loop per client.
type Server struct {
	cfg     Config
	clk     clock.Clock
	logger  golog.Logger
	backend BackendFactory
}

// New builds a server. backend may be nil.
func New(cfg Config, backend BackendFactory, logger golog.Logger) *Server {
	return &Server{cfg: cfg, clk: clock.New(), logger: logger, backend: backend}
}

// ListenAndServe blocks accepting connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
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

func (s *Server) serveConn(conn net.Conn) {
	logger := s.logger.Named(uuid.NewString()[:8])
	logger.Infof("client connected: %s", conn.RemoteAddr())
	defer logger.Infof("client disconnected: %s", conn.RemoteAddr())

	estimator := s.newEstimator(logger)
	sess := newSession(conn, s.cfg, s.clk, estimator, logger)
	sess.run(platformString())
}

func (s *Server) newEstimator(logger golog.Logger) *pose.Estimator {
	if s.backend == nil {
		return pose.NewEstimator(nil, s.cfg.PreferWorldLandmarks)
	}
	backend, err := s.backend(logger)
	if err != nil {
		logger.Errorf("pose backend init failed, detection disabled: %v", err)
		return pose.NewEstimator(nil, s.cfg.PreferWorldLandmarks)
	}
	return pose.NewEstimator(backend, s.cfg.PreferWorldLandmarks)
}

func platformString() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
