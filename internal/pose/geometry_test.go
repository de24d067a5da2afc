package pose

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// standingPoints returns a plausible standing skeleton in image-normalized
// coordinates. Only the scored indices matter to the geometry; the face and
// hand detail points are parked near the head and wrists.
func standingPoints() [NumLandmarks]r3.Vec {
	var pts [NumLandmarks]r3.Vec
	head := r3.Vec{X: 0.5, Y: 0.2, Z: 0}
	for i := 0; i <= 10; i++ {
		pts[i] = head.Add(r3.Vec{X: float64(i) * 0.004, Y: 0, Z: 0})
	}

	pts[LeftShoulder] = r3.Vec{X: 0.42, Y: 0.35, Z: 0}
	pts[RightShoulder] = r3.Vec{X: 0.58, Y: 0.35, Z: 0}
	pts[LeftElbow] = r3.Vec{X: 0.38, Y: 0.48, Z: 0.02}
	pts[RightElbow] = r3.Vec{X: 0.62, Y: 0.48, Z: 0.02}
	pts[LeftWrist] = r3.Vec{X: 0.36, Y: 0.60, Z: 0.04}
	pts[RightWrist] = r3.Vec{X: 0.64, Y: 0.60, Z: 0.04}
	for i := 17; i <= 21; i += 2 {
		pts[i] = pts[LeftWrist].Add(r3.Vec{X: -0.01, Y: float64(i-17) * 0.005, Z: 0})
		pts[i+1] = pts[RightWrist].Add(r3.Vec{X: 0.01, Y: float64(i-17) * 0.005, Z: 0})
	}
	pts[LeftHip] = r3.Vec{X: 0.45, Y: 0.62, Z: 0}
	pts[RightHip] = r3.Vec{X: 0.55, Y: 0.62, Z: 0}
	pts[LeftKnee] = r3.Vec{X: 0.44, Y: 0.78, Z: 0.01}
	pts[RightKnee] = r3.Vec{X: 0.56, Y: 0.78, Z: 0.01}
	pts[LeftAnkle] = r3.Vec{X: 0.44, Y: 0.92, Z: 0.02}
	pts[RightAnkle] = r3.Vec{X: 0.56, Y: 0.92, Z: 0.02}
	pts[LeftHeel] = r3.Vec{X: 0.43, Y: 0.94, Z: 0.03}
	pts[RightHeel] = r3.Vec{X: 0.57, Y: 0.94, Z: 0.03}
	pts[LeftFootIndex] = r3.Vec{X: 0.46, Y: 0.97, Z: 0.01}
	pts[RightFootIndex] = r3.Vec{X: 0.54, Y: 0.97, Z: 0.01}
	return pts
}

// standingPacket is the fully confident packet used across scoring tests.
func standingPacket() *Packet {
	pkt := &Packet{Points: standingPoints()}
	for i := 0; i < NumLandmarks; i++ {
		pkt.Visibility[i] = 1
		pkt.Presence[i] = 1
	}
	return pkt
}

func TestCenterAndScaleTranslationInvariant(t *testing.T) {
	pts := standingPoints()
	shifted := pts
	offset := r3.Vec{X: 3.7, Y: -1.2, Z: 0.4}
	for i := range shifted {
		shifted[i] = shifted[i].Add(offset)
	}

	a := CenterAndScale(pts)
	b := CenterAndScale(shifted)
	for i := range a {
		if !vecsClose(a[i], b[i], 1e-6) {
			t.Fatalf("landmark %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestCenterAndScaleHipAtOrigin(t *testing.T) {
	norm := CenterAndScale(standingPoints())
	hipMid := norm[LeftHip].Add(norm[RightHip]).Scale(0.5)
	if !vecsClose(hipMid, r3.Vec{}, 1e-9) {
		t.Fatalf("hip midpoint should be the origin, got %v", hipMid)
	}
	shoulderMid := norm[LeftShoulder].Add(norm[RightShoulder]).Scale(0.5)
	if !floatsClose(r3.Norm(shoulderMid), 1, 1e-9) {
		t.Fatalf("torso length should normalize to 1, got %v", r3.Norm(shoulderMid))
	}
}

func TestCenterAndScaleDegenerateTorsoFallback(t *testing.T) {
	var pts [NumLandmarks]r3.Vec
	// Shoulders collapsed onto hips: the fallback bone list must supply
	// the scale instead of dividing by ~0.
	pts[LeftHip] = r3.Vec{X: 0.45, Y: 0.5, Z: 0}
	pts[RightHip] = r3.Vec{X: 0.55, Y: 0.5, Z: 0}
	pts[LeftShoulder] = pts[LeftHip]
	pts[RightShoulder] = pts[RightHip]
	pts[LeftKnee] = r3.Vec{X: 0.45, Y: 0.7, Z: 0}
	pts[LeftAnkle] = r3.Vec{X: 0.45, Y: 0.9, Z: 0}

	norm := CenterAndScale(pts)
	for i, p := range norm {
		if math.IsNaN(p.X) || math.IsInf(p.X, 0) {
			t.Fatalf("landmark %d not finite: %v", i, p)
		}
	}
}

func TestWrappedAngleDiff(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{0, 0, 0},
		{10, 350, 20},
		{350, 10, 20},
		{90, 270, 180},
		{179, 181, 2},
	}
	for _, tc := range tests {
		got := WrappedAngleDiff(tc.a, tc.b)
		if !floatsClose(got, tc.want, 1e-12) {
			t.Errorf("diff(%v,%v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		sym := WrappedAngleDiff(tc.b, tc.a)
		if !floatsClose(got, sym, 1e-12) {
			t.Errorf("diff not symmetric for (%v,%v)", tc.a, tc.b)
		}
		if got < 0 || got > 180 {
			t.Errorf("diff(%v,%v) = %v outside [0,180]", tc.a, tc.b, got)
		}
	}
}

func TestAngleDeg(t *testing.T) {
	a := r3.Vec{X: 1, Y: 0, Z: 0}
	b := r3.Vec{}
	c := r3.Vec{X: 0, Y: 1, Z: 0}
	got, ok := AngleDeg(a, b, c)
	if !ok || !floatsClose(got, 90, 1e-9) {
		t.Fatalf("expected 90 degrees, got %v ok=%v", got, ok)
	}

	if _, ok := AngleDeg(b, b, c); ok {
		t.Fatal("degenerate segment should not produce an angle")
	}
}

func TestMirroredRoundTrip(t *testing.T) {
	pkt := standingPacket()
	pkt.Visibility[LeftWrist] = 0.3

	back := pkt.Mirrored().Mirrored()
	for i := 0; i < NumLandmarks; i++ {
		if !vecsClose(back.Points[i], pkt.Points[i], 1e-12) {
			t.Fatalf("landmark %d points not restored", i)
		}
		if back.Visibility[i] != pkt.Visibility[i] {
			t.Fatalf("landmark %d visibility not restored", i)
		}
	}

	mirrored := pkt.Mirrored()
	if mirrored.Visibility[RightWrist] != 0.3 {
		t.Fatal("visibility should follow the left/right swap")
	}
	if !floatsClose(mirrored.Points[RightShoulder].X, -pkt.Points[LeftShoulder].X, 1e-12) {
		t.Fatal("mirrored x should be negated and swapped")
	}
}
