package pose

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// SmootherConfig tunes the per-axis constant-velocity Kalman filter and the
// RTS backward pass run over a buffered landmark sequence.
type SmootherConfig struct {
	RBase          float64 // measurement noise base, divided by w²
	AccelVar       float64 // process noise acceleration variance
	MinConf        float64 // below this min(vis, pres) a sample is invalid
	ResetGapFrames int     // valid-after-gap re-initializes the state
}

// DefaultSmootherConfig returns the tuning used by the session pipeline.
// The reset gap scales with fps so a half-second dropout always re-anchors.
func DefaultSmootherConfig(fps int) SmootherConfig {
	if fps < 1 {
		fps = 1
	}
	gap := fps / 2
	if gap < 2 {
		gap = 2
	}
	return SmootherConfig{
		RBase:          1e-4,
		AccelVar:       3.0,
		MinConf:        0.5,
		ResetGapFrames: gap,
	}
}

// SmoothSequence runs the RTS smoother over every joint and axis of a
// buffered pose sequence. Nil packets pass through as nil; output packets
// keep the original visibility/presence and carry smoothed points stored at
// single precision. The input packets are not modified.
func SmoothSequence(packets []*Packet, fps int, cfg SmootherConfig) []*Packet {
	total := len(packets)
	if total == 0 {
		return nil
	}
	if fps < 1 {
		fps = 1
	}
	dt := 1.0 / float64(fps)

	// Column-major working buffers: one series per joint per axis.
	z := make([]float64, total)
	w := make([]float64, total)
	smoothed := make([][NumLandmarks][3]float64, total)

	for joint := 0; joint < NumLandmarks; joint++ {
		for axis := 0; axis < 3; axis++ {
			for t, pkt := range packets {
				if pkt == nil {
					z[t] = math.NaN()
					w[t] = 0
					continue
				}
				z[t] = axisValue(pkt.Points[joint], axis)
				w[t] = pkt.Confidence(joint)
			}
			out := kalmanRTSSmooth1D(z, w, dt, cfg)
			for t := range out {
				smoothed[t][joint][axis] = out[t]
			}
		}
	}

	result := make([]*Packet, total)
	for t, pkt := range packets {
		if pkt == nil {
			continue
		}
		sp := &Packet{Visibility: pkt.Visibility, Presence: pkt.Presence}
		for joint := 0; joint < NumLandmarks; joint++ {
			// Smoothed coordinates are stored at single precision; the
			// filter itself runs in float64.
			sp.Points[joint].X = float64(float32(smoothed[t][joint][0]))
			sp.Points[joint].Y = float64(float32(smoothed[t][joint][1]))
			sp.Points[joint].Z = float64(float32(smoothed[t][joint][2]))
		}
		result[t] = sp
	}
	return result
}

// kalmanRTSSmooth1D filters a scalar series with a [position, velocity]
// constant-velocity model, then applies the Rauch-Tung-Striebel backward
// pass. Measurements with weight below cfg.MinConf (or non-finite values)
// are treated as missing; a valid measurement arriving after
// cfg.ResetGapFrames missing ones re-initializes the predicted state so
// stale velocity cannot corrupt re-acquisition.
func kalmanRTSSmooth1D(z, w []float64, dt float64, cfg SmootherConfig) []float64 {
	total := len(z)
	out := make([]float64, total)
	copy(out, z)
	if total == 0 {
		return out
	}

	firstValid := -1
	for k := 0; k < total; k++ {
		if isFinite(z[k]) && w[k] >= cfg.MinConf {
			firstValid = k
			break
		}
	}
	if firstValid < 0 {
		return out
	}

	// State x = [position, velocity]; F = [[1,dt],[0,1]]; H = [1,0].
	// Covariances are kept as explicit 2x2 arrays; the backward pass
	// inverts predicted covariances in closed form.
	dt2 := dt * dt
	q00 := cfg.AccelVar * dt2 * dt2 / 4
	q01 := cfg.AccelVar * dt2 * dt / 2
	q11 := cfg.AccelVar * dt2

	xf := make([][2]float64, total)    // filtered states
	pf := make([][2][2]float64, total) // filtered covariances
	xp := make([][2]float64, total)    // predicted states
	pp := make([][2][2]float64, total) // predicted covariances

	x := [2]float64{z[firstValid], 0}
	p := [2][2]float64{{1, 0}, {0, 1}}
	gap := 0

	for k := 0; k < total; k++ {
		var xPred [2]float64
		var pPred [2][2]float64
		if k == 0 {
			xPred = x
			pPred = p
		} else {
			xPred = [2]float64{x[0] + dt*x[1], x[1]}
			// P' = F P Fᵀ + Q
			pPred[0][0] = p[0][0] + dt*(p[1][0]+p[0][1]) + dt2*p[1][1] + q00
			pPred[0][1] = p[0][1] + dt*p[1][1] + q01
			pPred[1][0] = p[1][0] + dt*p[1][1] + q01
			pPred[1][1] = p[1][1] + q11
		}
		xp[k] = xPred
		pp[k] = pPred

		zk := z[k]
		wk := w[k]
		if !isFinite(wk) {
			wk = 0
		}
		measOK := wk >= cfg.MinConf && isFinite(zk)

		if measOK {
			if gap >= cfg.ResetGapFrames {
				xPred = [2]float64{zk, 0}
				pPred = [2][2]float64{{1, 0}, {0, 1}}
			}
			gap = 0

			r := cfg.RBase / math.Max(wk*wk, 1e-6)
			y := zk - xPred[0]
			s := pPred[0][0] + r
			if s < 1e-12 {
				x = xPred
				p = pPred
			} else {
				k0 := pPred[0][0] / s
				k1 := pPred[1][0] / s
				x = [2]float64{xPred[0] + k0*y, xPred[1] + k1*y}
				p[0][0] = (1 - k0) * pPred[0][0]
				p[0][1] = (1 - k0) * pPred[0][1]
				p[1][0] = pPred[1][0] - k1*pPred[0][0]
				p[1][1] = pPred[1][1] - k1*pPred[0][1]
			}
		} else {
			gap++
			x = xPred
			p = pPred
		}

		xf[k] = x
		pf[k] = p
	}

	xs := make([][2]float64, total)
	ps := make([][2][2]float64, total)
	xs[total-1] = xf[total-1]
	ps[total-1] = pf[total-1]

	for k := total - 2; k >= 0; k-- {
		pn := pp[k+1]
		det := pn[0][0]*pn[1][1] - pn[0][1]*pn[1][0]
		if math.Abs(det) < 1e-12 {
			xs[k] = xf[k]
			ps[k] = pf[k]
			continue
		}
		inv := [2][2]float64{
			{pn[1][1] / det, -pn[0][1] / det},
			{-pn[1][0] / det, pn[0][0] / det},
		}
		// C = P_f Fᵀ inv(P_pred_next)
		pfFT := [2][2]float64{
			{pf[k][0][0] + dt*pf[k][0][1], pf[k][0][1]},
			{pf[k][1][0] + dt*pf[k][1][1], pf[k][1][1]},
		}
		c := mul2x2(pfFT, inv)

		dx := [2]float64{xs[k+1][0] - xp[k+1][0], xs[k+1][1] - xp[k+1][1]}
		xs[k] = [2]float64{
			xf[k][0] + c[0][0]*dx[0] + c[0][1]*dx[1],
			xf[k][1] + c[1][0]*dx[0] + c[1][1]*dx[1],
		}

		dp := sub2x2(ps[k+1], pp[k+1])
		ps[k] = add2x2(pf[k], mul2x2(mul2x2(c, dp), transpose2x2(c)))
	}

	for k := 0; k < total; k++ {
		out[k] = xs[k][0]
	}
	return out
}

func axisValue(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func mul2x2(a, b [2][2]float64) [2][2]float64 {
	return [2][2]float64{
		{a[0][0]*b[0][0] + a[0][1]*b[1][0], a[0][0]*b[0][1] + a[0][1]*b[1][1]},
		{a[1][0]*b[0][0] + a[1][1]*b[1][0], a[1][0]*b[0][1] + a[1][1]*b[1][1]},
	}
}

func add2x2(a, b [2][2]float64) [2][2]float64 {
	return [2][2]float64{
		{a[0][0] + b[0][0], a[0][1] + b[0][1]},
		{a[1][0] + b[1][0], a[1][1] + b[1][1]},
	}
}

func sub2x2(a, b [2][2]float64) [2][2]float64 {
	return [2][2]float64{
		{a[0][0] - b[0][0], a[0][1] - b[0][1]},
		{a[1][0] - b[1][0], a[1][1] - b[1][1]},
	}
}

func transpose2x2(a [2][2]float64) [2][2]float64 {
	return [2][2]float64{{a[0][0], a[1][0]}, {a[0][1], a[1][1]}}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
