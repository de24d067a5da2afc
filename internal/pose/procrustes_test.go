package pose

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// Helper to check if two vectors are close.
func vecsClose(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) < tol && math.Abs(a.Y-b.Y) < tol && math.Abs(a.Z-b.Z) < tol
}

func floatsClose(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func rotateZ(p r3.Vec, deg float64) r3.Vec {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return r3.Vec{X: c*p.X - s*p.Y, Y: s*p.X + c*p.Y, Z: p.Z}
}

func TestProcrustesAlignRecoversRigidTransform(t *testing.T) {
	ref := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 1, Y: 1, Z: 0},
		{X: 0, Y: 1, Z: 0.5},
		{X: 0.5, Y: 0.5, Z: 1},
	}

	// Candidate = reference rotated 40 degrees about z, scaled by 2,
	// translated by (3, 4, -1). Alignment must undo all three.
	cur := make([]r3.Vec, len(ref))
	for i, p := range ref {
		cur[i] = rotateZ(p, 40).Scale(2).Add(r3.Vec{X: 3, Y: 4, Z: -1})
	}
	weights := []float64{1, 1, 1, 1, 1}

	align := ProcrustesAlign(ref, cur, weights)
	if !floatsClose(align.Err, 0, 1e-9) {
		t.Fatalf("expected near-zero alignment error, got %v", align.Err)
	}
	if !floatsClose(align.Scale, 0.5, 1e-9) {
		t.Errorf("expected scale 0.5, got %v", align.Scale)
	}
	for i, p := range cur {
		got := align.Apply(toPacketPoints(p))[0]
		if !vecsClose(got, ref[i], 1e-9) {
			t.Errorf("point %d: expected %v, got %v", i, ref[i], got)
		}
	}
}

func toPacketPoints(p r3.Vec) [NumLandmarks]r3.Vec {
	var out [NumLandmarks]r3.Vec
	out[0] = p
	return out
}

func TestProcrustesAlignWeightsMaskDegenerateRows(t *testing.T) {
	ref := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
		{X: 9, Y: 9, Z: 9}, // outlier, weight zero
	}
	cur := make([]r3.Vec, len(ref))
	copy(cur, ref)
	cur[4] = r3.Vec{X: -50, Y: 3, Z: 7}
	weights := []float64{1, 1, 1, 1, 0}

	align := ProcrustesAlign(ref, cur, weights)
	if !floatsClose(align.Err, 0, 1e-9) {
		t.Fatalf("zero-weight outlier should not affect error, got %v", align.Err)
	}
}

func TestProcrustesAlignNonFiniteRowsMasked(t *testing.T) {
	ref := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	}
	cur := make([]r3.Vec, len(ref))
	copy(cur, ref)
	cur[3] = r3.Vec{X: math.NaN(), Y: 0, Z: 1}
	weights := []float64{1, 1, 1, 1}

	align := ProcrustesAlign(ref, cur, weights)
	if !floatsClose(align.Err, 0, 1e-9) {
		t.Fatalf("non-finite row should be masked, got err %v", align.Err)
	}
}

func TestProcrustesAlignTooFewValidRows(t *testing.T) {
	ref := []r3.Vec{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}}
	cur := []r3.Vec{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}}
	weights := []float64{1, 1, 0}

	align := ProcrustesAlign(ref, cur, weights)
	if !math.IsInf(align.Err, 1) {
		t.Fatalf("expected infinite error with fewer than 3 valid rows, got %v", align.Err)
	}
}

func TestProcrustesAlignRejectsReflection(t *testing.T) {
	ref := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	}
	// A mirrored candidate cannot be matched by a proper rotation; the
	// determinant fix must still return a rotation (det +1), not a
	// reflection.
	cur := make([]r3.Vec, len(ref))
	for i, p := range ref {
		cur[i] = r3.Vec{X: -p.X, Y: p.Y, Z: p.Z}
	}
	weights := []float64{1, 1, 1, 1}

	align := ProcrustesAlign(ref, cur, weights)
	if math.IsInf(align.Err, 0) || math.IsNaN(align.Err) {
		t.Fatalf("alignment should succeed, got err %v", align.Err)
	}
	if align.Err < 1e-6 {
		t.Errorf("reflected candidate should keep residual error, got %v", align.Err)
	}
	det := det3(align)
	if !floatsClose(det, 1, 1e-9) {
		t.Errorf("rotation determinant must be +1, got %v", det)
	}
}

func det3(a Alignment) float64 {
	r := a.Rotation
	return r.At(0, 0)*(r.At(1, 1)*r.At(2, 2)-r.At(1, 2)*r.At(2, 1)) -
		r.At(0, 1)*(r.At(1, 0)*r.At(2, 2)-r.At(1, 2)*r.At(2, 0)) +
		r.At(0, 2)*(r.At(1, 0)*r.At(2, 1)-r.At(1, 1)*r.At(2, 0))
}
