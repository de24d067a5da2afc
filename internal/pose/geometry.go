package pose

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// degenerateTorsoEps guards the torso-length division in CenterAndScale.
	degenerateTorsoEps = 1e-6
	// degenerateVecEps guards unit-vector and angle computations.
	degenerateVecEps = 1e-8
)

// torsoFallbackPairs are the bone lengths averaged when the torso itself is
// degenerate (e.g. a sideways pose collapsing shoulder mid onto hip mid).
var torsoFallbackPairs = [10][2]int{
	{LeftShoulder, LeftElbow},
	{LeftElbow, LeftWrist},
	{RightShoulder, RightElbow},
	{RightElbow, RightWrist},
	{LeftHip, LeftKnee},
	{LeftKnee, LeftAnkle},
	{RightHip, RightKnee},
	{RightKnee, RightAnkle},
	{LeftHip, RightHip},
	{LeftShoulder, RightShoulder},
}

// CenterAndScale translates the packet so the hip midpoint is the origin and
// divides by the torso length (shoulder mid to hip mid). The result is
// translation-invariant and scale-normalized. A degenerate torso falls back
// to the mean of the available fallback bone lengths, then to 1.
func CenterAndScale(points [NumLandmarks]r3.Vec) [NumLandmarks]r3.Vec {
	hipMid := midpoint(points[LeftHip], points[RightHip])
	shoulderMid := midpoint(points[LeftShoulder], points[RightShoulder])

	torsoLen := r3.Norm(shoulderMid.Sub(hipMid))
	if torsoLen < degenerateTorsoEps {
		var sum float64
		var n int
		for _, pair := range torsoFallbackPairs {
			length := r3.Norm(points[pair[0]].Sub(points[pair[1]]))
			if length > degenerateTorsoEps {
				sum += length
				n++
			}
		}
		if n > 0 {
			torsoLen = sum / float64(n)
		} else {
			torsoLen = 1
		}
	}
	if torsoLen < degenerateTorsoEps {
		torsoLen = 1
	}

	var out [NumLandmarks]r3.Vec
	for i, p := range points {
		out[i] = p.Sub(hipMid).Scale(1 / torsoLen)
	}
	return out
}

// AngleDeg returns the angle at b between the b→a and b→c segments, in
// degrees, or false when either segment is degenerate.
func AngleDeg(a, b, c r3.Vec) (float64, bool) {
	v1 := a.Sub(b)
	v2 := c.Sub(b)
	n1 := r3.Norm(v1)
	n2 := r3.Norm(v2)
	if n1 < degenerateVecEps || n2 < degenerateVecEps {
		return 0, false
	}
	cos := clamp(r3.Dot(v1, v2)/(n1*n2), -1, 1)
	return math.Acos(cos) * 180 / math.Pi, true
}

// WrappedAngleDiff is the absolute angular difference on a 360-degree
// circle; symmetric, and always in [0, 180].
func WrappedAngleDiff(a, b float64) float64 {
	diff := math.Mod(math.Abs(a-b), 360)
	return math.Min(diff, 360-diff)
}

// AngleScore compares the eight articulation angles of a normalized
// reference against an aligned candidate. Triplets whose weakest joint falls
// below confThreshold, or whose segments are degenerate, are skipped. It
// returns the weighted mean angular error in degrees, the exp(-err/sigma)
// score, the matched-triplet count, and the per-triplet differences. The
// error and score are false when no triplet qualifies.
func AngleScore(ref, cur [NumLandmarks]r3.Vec, jointWeights [NumLandmarks]float64, confThreshold, sigmaAngle float64) (angleErr, angleScore float64, matched int, diffs map[string]float64, ok bool) {
	diffs = make(map[string]float64)
	var ds, ws []float64

	for _, tri := range AngleTriplets {
		w := min3(jointWeights[tri.First], jointWeights[tri.Mid], jointWeights[tri.Last])
		if w < confThreshold {
			continue
		}
		refAngle, refOK := AngleDeg(ref[tri.First], ref[tri.Mid], ref[tri.Last])
		curAngle, curOK := AngleDeg(cur[tri.First], cur[tri.Mid], cur[tri.Last])
		if !refOK || !curOK {
			continue
		}
		diff := WrappedAngleDiff(refAngle, curAngle)
		ds = append(ds, diff)
		ws = append(ws, w)
		diffs[tri.Name] = diff
	}
	if len(ds) == 0 {
		return 0, 0, 0, diffs, false
	}

	var wSum float64
	for _, w := range ws {
		wSum += w
	}
	wSum = math.Max(wSum, 1e-12)
	for i, w := range ws {
		angleErr += (w / wSum) * ds[i]
	}
	angleScore = math.Exp(-angleErr / math.Max(sigmaAngle, degenerateTorsoEps))
	return angleErr, angleScore, len(ds), diffs, true
}

// BoneScore compares the direction of the eight limb bones plus the derived
// torso bone (shoulder mid → hip mid). Each cosine similarity is mapped to
// [0, 1]; the result is the weighted mean, false when no bone qualifies.
func BoneScore(ref, cur [NumLandmarks]r3.Vec, jointWeights [NumLandmarks]float64, confThreshold float64) (score float64, matched int, ok bool) {
	var sims, ws []float64

	for _, bone := range Bones {
		w := math.Min(jointWeights[bone.Head], jointWeights[bone.Tail])
		if w < confThreshold {
			continue
		}
		uRef, refOK := unitVec(ref[bone.Tail].Sub(ref[bone.Head]))
		uCur, curOK := unitVec(cur[bone.Tail].Sub(cur[bone.Head]))
		if !refOK || !curOK {
			continue
		}
		cos := clamp(r3.Dot(uRef, uCur), -1, 1)
		sims = append(sims, 0.5*(cos+1))
		ws = append(ws, w)
	}

	torsoW := min3(jointWeights[LeftShoulder], jointWeights[RightShoulder],
		math.Min(jointWeights[LeftHip], jointWeights[RightHip]))
	if torsoW >= confThreshold {
		uRef, refOK := unitVec(midpoint(ref[LeftShoulder], ref[RightShoulder]).Sub(midpoint(ref[LeftHip], ref[RightHip])))
		uCur, curOK := unitVec(midpoint(cur[LeftShoulder], cur[RightShoulder]).Sub(midpoint(cur[LeftHip], cur[RightHip])))
		if refOK && curOK {
			cos := clamp(r3.Dot(uRef, uCur), -1, 1)
			sims = append(sims, 0.5*(cos+1))
			ws = append(ws, torsoW)
		}
	}

	if len(sims) == 0 {
		return 0, 0, false
	}
	var wSum float64
	for _, w := range ws {
		wSum += w
	}
	wSum = math.Max(wSum, 1e-12)
	for i, w := range ws {
		score += (w / wSum) * sims[i]
	}
	return score, len(sims), true
}

func unitVec(v r3.Vec) (r3.Vec, bool) {
	n := r3.Norm(v)
	if n < degenerateVecEps {
		return r3.Vec{}, false
	}
	return v.Scale(1 / n), true
}

func midpoint(a, b r3.Vec) r3.Vec {
	return a.Add(b).Scale(0.5)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min3(a, b, c float64) float64 {
	return math.Min(a, math.Min(b, c))
}
