package score

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/nahooni0511/aibox-server/internal/pose"
)

// standingPacket builds a fully confident standing skeleton used as the
// reference in scoring tests.
func standingPacket() *pose.Packet {
	pkt := &pose.Packet{}
	head := r3.Vec{X: 0.5, Y: 0.2, Z: 0}
	for i := 0; i <= 10; i++ {
		pkt.Points[i] = head.Add(r3.Vec{X: float64(i) * 0.004, Y: 0, Z: 0})
	}
	pkt.Points[pose.LeftShoulder] = r3.Vec{X: 0.42, Y: 0.35, Z: 0}
	pkt.Points[pose.RightShoulder] = r3.Vec{X: 0.58, Y: 0.35, Z: 0}
	pkt.Points[pose.LeftElbow] = r3.Vec{X: 0.38, Y: 0.48, Z: 0.02}
	pkt.Points[pose.RightElbow] = r3.Vec{X: 0.62, Y: 0.48, Z: 0.02}
	pkt.Points[pose.LeftWrist] = r3.Vec{X: 0.36, Y: 0.60, Z: 0.04}
	pkt.Points[pose.RightWrist] = r3.Vec{X: 0.64, Y: 0.60, Z: 0.04}
	for i := 17; i <= 21; i += 2 {
		pkt.Points[i] = pkt.Points[pose.LeftWrist].Add(r3.Vec{X: -0.01, Y: float64(i-17) * 0.005})
		pkt.Points[i+1] = pkt.Points[pose.RightWrist].Add(r3.Vec{X: 0.01, Y: float64(i-17) * 0.005})
	}
	pkt.Points[pose.LeftHip] = r3.Vec{X: 0.45, Y: 0.62, Z: 0}
	pkt.Points[pose.RightHip] = r3.Vec{X: 0.55, Y: 0.62, Z: 0}
	pkt.Points[pose.LeftKnee] = r3.Vec{X: 0.44, Y: 0.78, Z: 0.01}
	pkt.Points[pose.RightKnee] = r3.Vec{X: 0.56, Y: 0.78, Z: 0.01}
	pkt.Points[pose.LeftAnkle] = r3.Vec{X: 0.44, Y: 0.92, Z: 0.02}
	pkt.Points[pose.RightAnkle] = r3.Vec{X: 0.56, Y: 0.92, Z: 0.02}
	pkt.Points[pose.LeftHeel] = r3.Vec{X: 0.43, Y: 0.94, Z: 0.03}
	pkt.Points[pose.RightHeel] = r3.Vec{X: 0.57, Y: 0.94, Z: 0.03}
	pkt.Points[pose.LeftFootIndex] = r3.Vec{X: 0.46, Y: 0.97, Z: 0.01}
	pkt.Points[pose.RightFootIndex] = r3.Vec{X: 0.54, Y: 0.97, Z: 0.01}
	for i := 0; i < pose.NumLandmarks; i++ {
		pkt.Visibility[i] = 1
		pkt.Presence[i] = 1
	}
	return pkt
}

// leftArmRaisedPacket is the standing pose with the left arm lifted,
// deliberately asymmetric for the mirror tests.
func leftArmRaisedPacket() *pose.Packet {
	pkt := standingPacket()
	pkt.Points[pose.LeftElbow] = r3.Vec{X: 0.36, Y: 0.25, Z: 0.02}
	pkt.Points[pose.LeftWrist] = r3.Vec{X: 0.34, Y: 0.12, Z: 0.04}
	return pkt
}

func newTestEngine() *Engine {
	return NewEngine(DefaultConfig(), "cpu")
}

func testLogger(t *testing.T) golog.Logger {
	return golog.NewTestLogger(t)
}

func TestScoreSelfMatch(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()

	result := engine.Score(ref, ref)
	require.NotNil(t, result.Final)
	assert.InDelta(t, 100, *result.Final, 1e-6)
	assert.InDelta(t, 100, *result.CoordScore, 1e-6)
	assert.InDelta(t, 100, *result.AngleScore, 1e-6)
	assert.InDelta(t, 100, *result.BoneScore, 1e-6)
	assert.True(t, result.Reliable)
	assert.False(t, result.MirrorUsed)
	assert.Equal(t, 16, result.MatchedJoints)
}

func TestScoreRigidTransformInvariance(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()

	cur := &pose.Packet{Visibility: ref.Visibility, Presence: ref.Presence}
	rad := 25 * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	for i, p := range ref.Points {
		rotated := r3.Vec{X: c*p.X - s*p.Y, Y: s*p.X + c*p.Y, Z: p.Z}
		cur.Points[i] = rotated.Scale(1.7).Add(r3.Vec{X: 0.3, Y: -0.2, Z: 0.1})
	}

	base := engine.Score(ref, ref)
	transformed := engine.Score(ref, cur)
	require.NotNil(t, transformed.Final)
	assert.InDelta(t, *base.Final, *transformed.Final, 1.0)
}

func TestScoreMirroredCandidate(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()

	result := engine.Score(ref, ref.Mirrored())
	require.NotNil(t, result.Final)
	assert.True(t, result.MirrorUsed)
	assert.GreaterOrEqual(t, *result.Final, 90.0)
}

func TestScoreLowConfidenceRejected(t *testing.T) {
	engine := newTestEngine()
	ref := standingPacket()
	cur := standingPacket()
	for i := 0; i < pose.NumLandmarks; i++ {
		cur.Visibility[i] = 0.2
	}

	result := engine.Score(ref, cur)
	assert.Nil(t, result.Final)
	assert.False(t, result.Reliable)
	assert.Equal(t, ReasonTooFewJoints, result.Reason)
}

func TestScoreMetricsShape(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()

	metrics := engine.Score(ref, ref).Metrics(false)
	assert.Equal(t, "NORMAL", metrics["mode"])
	assert.Equal(t, false, metrics["using_world"])
	assert.Equal(t, 16, metrics["valid_joints"])
	assert.NotNil(t, metrics["score"])
	assert.Contains(t, metrics, "angle_diffs")
}

func TestResolveDeviceNeverCUDA(t *testing.T) {
	logger := testLogger(t)
	assert.Equal(t, "cpu", ResolveDevice("auto", logger))
	assert.Equal(t, "cpu", ResolveDevice("cpu", logger))
	assert.Equal(t, "cpu", ResolveDevice("cuda", logger))
}
