package score

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahooni0511/aibox-server/internal/pose"
)

func sessionWindow(n int, build func(i int) *pose.Packet) (poses []*pose.Packet, frames []string, ts []int64) {
	for i := 0; i < n; i++ {
		poses = append(poses, build(i))
		frames = append(frames, fmt.Sprintf("frame-%02d", i))
		ts = append(ts, int64(1_700_000_000_000+i*83))
	}
	return poses, frames, ts
}

func TestPostProcessBestSelfMatch(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()
	poses, frames, ts := sessionWindow(60, func(int) *pose.Packet {
		pkt := *ref
		return &pkt
	})

	outcome := PostProcessBest(ref, poses, frames, ts, engine, 12, false)
	assert.GreaterOrEqual(t, outcome.BestScore, 99.0)
	assert.LessOrEqual(t, outcome.BestScore, 100.0)
	assert.NotEmpty(t, outcome.BestFrame)
	require.NotNil(t, outcome.Landmarks)

	assert.Equal(t, "NORMAL", outcome.Metrics["mode"])
	temporal, ok := outcome.Metrics["temporal"].(map[string]any)
	require.True(t, ok)
	mode := temporal["mode"]
	assert.Contains(t, []any{"stable_segment", "fallback_topk"}, mode)
	assert.Contains(t, temporal, "picked_index")
	assert.Contains(t, temporal, "picked_timestamp_ms")
}

func TestPostProcessBestLowConfidence(t *testing.T) {
	engine := newTestEngine()
	ref := standingPacket()
	poses, frames, ts := sessionWindow(30, func(int) *pose.Packet {
		pkt := *standingPacket()
		for i := 0; i < pose.NumLandmarks; i++ {
			pkt.Visibility[i] = 0.2
		}
		return &pkt
	})

	outcome := PostProcessBest(ref, poses, frames, ts, engine, 12, false)
	assert.Equal(t, 0.0, outcome.BestScore)
	assert.Empty(t, outcome.BestFrame)
	assert.Equal(t, ReasonNoReliableFrame, outcome.Metrics["reason"])
}

func TestPostProcessBestEmptyWindow(t *testing.T) {
	engine := newTestEngine()
	outcome := PostProcessBest(standingPacket(), nil, nil, nil, engine, 12, false)
	assert.Equal(t, 0.0, outcome.BestScore)
	assert.Equal(t, ReasonNoFramesBuffered, outcome.Metrics["reason"])
}

func TestPostProcessBestNilPosesTolerated(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()
	poses, frames, ts := sessionWindow(40, func(i int) *pose.Packet {
		if i%10 == 3 {
			return nil
		}
		pkt := *ref
		return &pkt
	})

	outcome := PostProcessBest(ref, poses, frames, ts, engine, 12, false)
	assert.Greater(t, outcome.BestScore, 0.0)
	require.NotNil(t, outcome.Landmarks)
}

func TestPostProcessBestSegmentTimestamps(t *testing.T) {
	engine := newTestEngine()
	ref := leftArmRaisedPacket()
	poses, frames, ts := sessionWindow(60, func(int) *pose.Packet {
		pkt := *ref
		return &pkt
	})

	outcome := PostProcessBest(ref, poses, frames, ts, engine, 12, false)
	temporal, ok := outcome.Metrics["temporal"].(map[string]any)
	require.True(t, ok)
	if temporal["mode"] == "stable_segment" {
		assert.Contains(t, temporal, "segment_start_ms")
		assert.Contains(t, temporal, "segment_end_ms")
	}
}
