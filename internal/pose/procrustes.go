package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Alignment is the rigid + uniform-scale transform produced by Procrustes,
// mapping candidate points onto the reference frame as s*(p·R) + t. Err is
// the weighted mean Euclidean distance on the valid rows, +Inf when the
// alignment could not be computed.
type Alignment struct {
	Rotation    *mat.Dense
	Scale       float64
	Translation r3.Vec
	Err         float64
}

func failedAlignment() Alignment {
	return Alignment{
		Rotation: identity3(),
		Scale:    1,
		Err:      math.Inf(1),
	}
}

// ProcrustesAlign solves the weighted orthogonal Procrustes problem for cur
// onto ref. Rows with non-positive weight or non-finite coordinates are
// masked out; fewer than three valid rows is a failure. Weights are
// normalized to sum 1 before computing the weighted centroids and the
// covariance H = (X_cur·√w)ᵀ(X_ref·√w); the rotation comes from the SVD of H
// with a determinant flip to rule out reflections.
func ProcrustesAlign(ref, cur []r3.Vec, weights []float64) Alignment {
	n := len(ref)
	if n == 0 || len(cur) != n || len(weights) != n {
		return failedAlignment()
	}

	valid := make([]bool, n)
	validCount := 0
	for i := 0; i < n; i++ {
		if weights[i] > 0 && finiteVec(ref[i]) && finiteVec(cur[i]) {
			valid[i] = true
			validCount++
		}
	}
	if validCount < 3 {
		return failedAlignment()
	}

	a := make([]r3.Vec, 0, validCount)
	b := make([]r3.Vec, 0, validCount)
	w := make([]float64, 0, validCount)
	var wSum float64
	for i := 0; i < n; i++ {
		if !valid[i] {
			continue
		}
		a = append(a, ref[i])
		b = append(b, cur[i])
		w = append(w, weights[i])
		wSum += weights[i]
	}
	if wSum <= 1e-12 {
		return failedAlignment()
	}
	for i := range w {
		w[i] /= wSum
	}

	var muA, muB r3.Vec
	for i := range w {
		muA = muA.Add(a[i].Scale(w[i]))
		muB = muB.Add(b[i].Scale(w[i]))
	}

	// Covariance of the sqrt-weighted centered point sets.
	h := mat.NewDense(3, 3, nil)
	for i := range w {
		xa := a[i].Sub(muA)
		xb := b[i].Sub(muB)
		xaRow := [3]float64{xa.X, xa.Y, xa.Z}
		xbRow := [3]float64{xb.X, xb.Y, xb.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+w[i]*xbRow[r]*xaRow[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDThin); !ok {
		return failedAlignment()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	svals := svd.Values(nil)

	// Row-vector convention (p·R): with H = X_curᵀ X_ref = U Σ Vᵀ, the
	// optimal rotation is R = U Vᵀ.
	rot := mat.NewDense(3, 3, nil)
	rot.Mul(&u, v.T())
	if mat.Det(rot) < 0 {
		// Reflection case: flip the last column of V and recompute.
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
		rot.Mul(&u, v.T())
		svals[len(svals)-1] = -svals[len(svals)-1]
	}

	var sigmaSum, denom float64
	for _, s := range svals {
		sigmaSum += s
	}
	for i := range w {
		xb := b[i].Sub(muB)
		denom += w[i] * r3.Dot(xb, xb)
	}
	scale := sigmaSum / math.Max(denom, 1e-12)
	t := muA.Sub(rotateRow(muB, rot).Scale(scale))

	align := Alignment{Rotation: rot, Scale: scale, Translation: t}

	var err float64
	for i := range w {
		err += w[i] * r3.Norm(a[i].Sub(align.transform(b[i])))
	}
	align.Err = err
	return align
}

// Apply transforms a full packet's points by the alignment.
func (al Alignment) Apply(points [NumLandmarks]r3.Vec) [NumLandmarks]r3.Vec {
	var out [NumLandmarks]r3.Vec
	for i, p := range points {
		out[i] = al.transform(p)
	}
	return out
}

func (al Alignment) transform(p r3.Vec) r3.Vec {
	return rotateRow(p, al.Rotation).Scale(al.Scale).Add(al.Translation)
}

// rotateRow applies the row-vector convention p' = p·R.
func rotateRow(p r3.Vec, rot *mat.Dense) r3.Vec {
	return r3.Vec{
		X: p.X*rot.At(0, 0) + p.Y*rot.At(1, 0) + p.Z*rot.At(2, 0),
		Y: p.X*rot.At(0, 1) + p.Y*rot.At(1, 1) + p.Z*rot.At(2, 1),
		Z: p.X*rot.At(0, 2) + p.Y*rot.At(1, 2) + p.Z*rot.At(2, 2),
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func finiteVec(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
