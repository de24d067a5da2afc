package score

import (
	"math"

	"github.com/nahooni0511/aibox-server/internal/pose"
)

// Outcome is the offline post-processing result for one session window.
// Landmarks is the packet backing the result message: the raw packet at the
// picked index, or the smoothed one when the raw frame had no detection.
type Outcome struct {
	BestScore float64
	BestFrame string
	Metrics   map[string]any
	Landmarks *pose.Packet
}

func failedOutcome(reason string) Outcome {
	return Outcome{
		Metrics: map[string]any{
			"score":    0.0,
			"reliable": false,
			"reason":   reason,
		},
	}
}

// PostProcessBest runs the whole offline pipeline over a buffered session
// window: RTS-smooth the pose sequence, score every smoothed packet against
// the reference (mirror-aware), compute motion energy on the raw packets,
// and pick the representative frame. Session timestamps are attached to the
// temporal debug payload when available.
func PostProcessBest(ref *pose.Packet, posesSeq []*pose.Packet, framesB64 []string, tsMS []int64, engine *Engine, fps int, usingWorld bool) Outcome {
	if len(posesSeq) == 0 || len(framesB64) == 0 {
		return failedOutcome(ReasonNoFramesBuffered)
	}
	if fps < 1 {
		fps = 1
	}

	total := len(posesSeq)
	if len(framesB64) < total {
		total = len(framesB64)
	}
	posesSeq = posesSeq[:total]
	framesB64 = framesB64[:total]

	smoothed := pose.SmoothSequence(posesSeq, fps, pose.DefaultSmootherConfig(fps))

	scores := make([]float64, total)
	reliables := make([]bool, total)
	results := make([]*Result, total)
	for i := range scores {
		scores[i] = math.NaN()
	}
	for idx, pkt := range smoothed {
		if pkt == nil {
			continue
		}
		result := engine.Score(ref, pkt)
		results[idx] = &result
		if result.Final == nil {
			continue
		}
		scores[idx] = *result.Final
		reliables[idx] = result.Reliable
	}

	vel := MotionEnergy(posesSeq, engine.Config().ConfThreshold)

	picked := PickRepresentative(scores, reliables, vel, fps)
	if picked == nil {
		return failedOutcome(ReasonNoReliableFrame)
	}

	bestIdx := picked.Index
	pickedResult := results[bestIdx]
	if pickedResult == nil || pickedResult.Final == nil {
		return failedOutcome(ReasonPickedFrameNoScore)
	}

	metrics := pickedResult.Metrics(usingWorld)
	if len(tsMS) >= total && bestIdx < len(tsMS) {
		picked.Debug["picked_timestamp_ms"] = tsMS[bestIdx]
		if start, ok := picked.Debug["segment_start"].(int); ok {
			if end, okEnd := picked.Debug["segment_end"].(int); okEnd {
				if start >= 0 && start < len(tsMS) {
					picked.Debug["segment_start_ms"] = tsMS[start]
				}
				if last := end - 1; last >= 0 && last < len(tsMS) {
					picked.Debug["segment_end_ms"] = tsMS[last]
				}
			}
		}
	}
	metrics["temporal"] = picked.Debug

	landmarks := posesSeq[bestIdx]
	if landmarks == nil {
		landmarks = smoothed[bestIdx]
	}

	return Outcome{
		BestScore: *pickedResult.Final,
		BestFrame: framesB64[bestIdx],
		Metrics:   metrics,
		Landmarks: landmarks,
	}
}
