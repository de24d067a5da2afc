package score

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/nahooni0511/aibox-server/internal/pose"
)

// Selection tuning. The stable-segment search keeps frames within
// topScoreDelta of the session maximum whose motion energy sits below the
// stableVelQuantile of the valid samples, in runs of at least
// minStableSeconds.
const (
	stableVelQuantile        = 0.35
	topScoreDelta            = 12.0
	minStableSeconds         = 0.8
	representativePercentile = 80.0
	fallbackTopK             = 7
)

// MotionEnergy returns the per-frame mean landmark displacement between
// consecutive normalized packets, restricted to the scored indices with
// confident joints on both sides. Frames without a usable pair are NaN.
func MotionEnergy(packets []*pose.Packet, confThreshold float64) []float64 {
	total := len(packets)
	vel := make([]float64, total)
	for i := range vel {
		vel[i] = math.NaN()
	}
	if total <= 1 {
		return vel
	}

	for i := 1; i < total; i++ {
		prev, cur := packets[i-1], packets[i]
		if prev == nil || cur == nil {
			continue
		}
		prevNorm := pose.CenterAndScale(prev.Points)
		curNorm := pose.CenterAndScale(cur.Points)

		var sum float64
		var n int
		for _, idx := range pose.SelectedIndices {
			w := math.Min(prev.Confidence(idx), cur.Confidence(idx))
			if w < confThreshold {
				continue
			}
			sum += norm3(curNorm[idx], prevNorm[idx])
			n++
		}
		if n < 6 {
			continue
		}
		vel[i] = sum / float64(n)
	}
	return vel
}

// Pick is the representative frame chosen from a session window, with the
// selection debug payload attached to result metrics.
type Pick struct {
	Index int
	Debug map[string]any
}

// PickRepresentative selects the frame that best represents the held pose.
// It prefers the stable segment with the highest median score (ties go to
// the longer run) and picks the frame nearest the 80th percentile of that
// run; without a qualifying run it falls back to the top-k valid frames.
// Returns nil when fewer than three frames are valid.
func PickRepresentative(scores []float64, reliables []bool, vel []float64, fps int) *Pick {
	total := len(scores)
	valid := make([]bool, total)
	validCount := 0
	for i := 0; i < total; i++ {
		if isFinite(scores[i]) && reliables[i] {
			valid[i] = true
			validCount++
		}
	}
	if validCount < 3 {
		return nil
	}

	sMax := math.Inf(-1)
	for i := 0; i < total; i++ {
		if valid[i] && scores[i] > sMax {
			sMax = scores[i]
		}
	}
	scoreThreshold := math.Max(0, sMax-topScoreDelta)

	var validVel []float64
	for i := 0; i < total; i++ {
		if valid[i] && isFinite(vel[i]) {
			validVel = append(validVel, vel[i])
		}
	}
	velThreshold := math.Inf(1)
	if len(validVel) > 0 {
		if q, err := stats.Percentile(validVel, stableVelQuantile*100); err == nil {
			velThreshold = q
		}
	}

	stable := make([]bool, total)
	for i := 0; i < total; i++ {
		stable[i] = valid[i] && scores[i] >= scoreThreshold &&
			isFinite(vel[i]) && vel[i] <= velThreshold
	}

	if fps < 1 {
		fps = 1
	}
	minLen := int(math.Round(minStableSeconds * float64(fps)))
	if minLen < 3 {
		minLen = 3
	}

	type run struct{ start, end int }
	var runs []run
	for i := 0; i < total; {
		if !stable[i] {
			i++
			continue
		}
		end := i + 1
		for end < total && stable[end] {
			end++
		}
		if end-i >= minLen {
			runs = append(runs, run{i, end})
		}
		i = end
	}

	if len(runs) == 0 {
		// Fallback: pick near the 80th percentile of the top-k valid
		// frames rather than the single noisy maximum.
		var candidates []int
		for i := 0; i < total; i++ {
			if valid[i] {
				candidates = append(candidates, i)
			}
		}
		k := fallbackTopK
		if len(candidates) < k {
			k = len(candidates)
		}
		top := topKByScore(candidates, scores, k)
		topScores := make([]float64, len(top))
		for i, idx := range top {
			topScores[i] = scores[idx]
		}
		target, err := stats.Percentile(topScores, representativePercentile)
		if err != nil {
			target = sMax
		}
		pick := nearestToTarget(top, scores, target)
		return &Pick{Index: pick, Debug: map[string]any{
			"mode":         "fallback_topk",
			"s_max":        sMax,
			"score_thr":    scoreThreshold,
			"vel_thr":      velThreshold,
			"picked_index": pick,
			"picked_score": scores[pick],
			"topk":         k,
		}}
	}

	bestMed := -1.0
	bestLen := -1
	var bestRun *run
	for i := range runs {
		var finiteScores []float64
		for j := runs[i].start; j < runs[i].end; j++ {
			if isFinite(scores[j]) {
				finiteScores = append(finiteScores, scores[j])
			}
		}
		if len(finiteScores) == 0 {
			continue
		}
		med, err := stats.Median(finiteScores)
		if err != nil {
			continue
		}
		runLen := runs[i].end - runs[i].start
		if med > bestMed || (med == bestMed && runLen > bestLen) {
			bestMed = med
			bestLen = runLen
			bestRun = &runs[i]
		}
	}
	if bestRun == nil {
		return nil
	}

	seg := make([]int, 0, bestRun.end-bestRun.start)
	segScores := make([]float64, 0, bestRun.end-bestRun.start)
	for i := bestRun.start; i < bestRun.end; i++ {
		seg = append(seg, i)
		segScores = append(segScores, scores[i])
	}
	target, err := stats.Percentile(segScores, representativePercentile)
	if err != nil {
		target = bestMed
	}
	pick := nearestToTarget(seg, scores, target)

	segMedian, _ := stats.Median(segScores)
	segMax, _ := stats.Max(segScores)
	return &Pick{Index: pick, Debug: map[string]any{
		"mode":                      "stable_segment",
		"segment_start":             bestRun.start,
		"segment_end":               bestRun.end,
		"segment_len":               bestRun.end - bestRun.start,
		"s_max":                     sMax,
		"score_thr":                 scoreThreshold,
		"vel_thr":                   velThreshold,
		"representative_percentile": representativePercentile,
		"picked_index":              pick,
		"picked_score":              scores[pick],
		"segment_score_median":      segMedian,
		"segment_score_max":         segMax,
	}}
}

// topKByScore returns the k candidate indices with the highest scores,
// in ascending score order.
func topKByScore(candidates []int, scores []float64, k int) []int {
	sorted := make([]int, len(candidates))
	copy(sorted, candidates)
	// Insertion sort by score: candidate lists are at most a session long.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && scores[sorted[j]] < scores[sorted[j-1]]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[len(sorted)-k:]
}

func nearestToTarget(indices []int, scores []float64, target float64) int {
	best := indices[0]
	bestDist := math.Abs(scores[best] - target)
	for _, idx := range indices[1:] {
		d := math.Abs(scores[idx] - target)
		if d < bestDist {
			bestDist = d
			best = idx
		}
	}
	return best
}

func norm3(a, b r3.Vec) float64 {
	return r3.Norm(a.Sub(b))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
