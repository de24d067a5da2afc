package pose

import (
	"math"
	"time"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"
)

// Landmarks is the raw output of a detector backend for one frame.
// Normalized coordinates are mandatory; World, Visibility and Presence are
// optional and default to normalized/1.0 at the facade.
type Landmarks struct {
	Normalized []r3.Vec
	World      []r3.Vec
	Visibility []float64
	Presence   []float64
}

// Backend is the underlying 33-point landmark detector. Implementations
// wrap an external model runtime; DetectVideo receives a monotonically
// increasing timestamp for stateful tracking backends. A frame with no
// person yields (nil, nil).
type Backend interface {
	DetectImage(frame gocv.Mat) (*Landmarks, error)
	DetectVideo(frame gocv.Mat, timestampMS int64) (*Landmarks, error)
	Close() error
}

// Estimator is the uniform facade over a detector backend. It owns the
// normalized-vs-world coordinate choice, fills missing confidence channels
// with 1.0, and turns malformed backend output into a nil packet instead of
// an error. A nil backend estimator reports unavailable and detects nothing.
type Estimator struct {
	backend     Backend
	preferWorld bool
}

// NewEstimator wraps backend. preferWorld selects world-metric coordinates
// whenever the backend provides them; the choice applies per packet, never
// mixing sources inside one.
func NewEstimator(backend Backend, preferWorld bool) *Estimator {
	return &Estimator{backend: backend, preferWorld: preferWorld}
}

// Available reports whether a backend is configured.
func (e *Estimator) Available() bool {
	return e != nil && e.backend != nil
}

// UsingWorld reports whether world-metric coordinates are preferred.
func (e *Estimator) UsingWorld() bool {
	return e != nil && e.preferWorld
}

// DetectImage runs single-image detection. Returns nil when no pose is
// found or the backend output is malformed.
func (e *Estimator) DetectImage(frame gocv.Mat) *Packet {
	if !e.Available() {
		return nil
	}
	lm, err := e.backend.DetectImage(frame)
	if err != nil {
		return nil
	}
	return e.toPacket(lm)
}

// DetectVideo runs streaming detection with a monotonic timestamp in
// milliseconds.
func (e *Estimator) DetectVideo(frame gocv.Mat, timestampMS int64) *Packet {
	if !e.Available() {
		return nil
	}
	lm, err := e.backend.DetectVideo(frame, timestampMS)
	if err != nil {
		return nil
	}
	return e.toPacket(lm)
}

// Close releases the backend.
func (e *Estimator) Close() error {
	if !e.Available() {
		return nil
	}
	return e.backend.Close()
}

func (e *Estimator) toPacket(lm *Landmarks) *Packet {
	if lm == nil || len(lm.Normalized) != NumLandmarks {
		return nil
	}
	points := lm.Normalized
	if e.preferWorld && len(lm.World) == NumLandmarks {
		points = lm.World
	}

	pkt := &Packet{}
	for i := 0; i < NumLandmarks; i++ {
		pkt.Points[i] = points[i]
		pkt.Visibility[i] = confidenceAt(lm.Visibility, i)
		pkt.Presence[i] = confidenceAt(lm.Presence, i)
	}
	return pkt
}

func confidenceAt(values []float64, i int) float64 {
	if len(values) != NumLandmarks {
		return 1
	}
	return clamp(values[i], 0, 1)
}

// SyntheticPacket emits a visibly moving placeholder pose for the
// lightweight streamer when no detector is configured: landmarks orbit the
// frame center on slow sinusoids with visibility 0.8.
func SyntheticPacket(now time.Time) *Packet {
	t := float64(now.UnixNano()) / float64(time.Second)
	pkt := &Packet{}
	for i := 0; i < NumLandmarks; i++ {
		pkt.Points[i] = r3.Vec{
			X: 0.5 + 0.2*math.Sin(t*1.8+float64(i)*0.11),
			Y: 0.5 + 0.2*math.Cos(t*1.6+float64(i)*0.13),
			Z: 0,
		}
		pkt.Visibility[i] = 0.8
		pkt.Presence[i] = 1
	}
	return pkt
}
