// Package score turns pose packets into comparable numbers: the composite
// coordinate/angle/bone similarity score, per-frame motion energy, and the
// stable-segment selection that picks the single representative frame of a
// session.
package score

import (
	"math"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/nahooni0511/aibox-server/internal/pose"
)

// Reason strings attached to unreliable score results.
const (
	ReasonTooFewJoints       = "Too few reliable joints."
	ReasonProcrustesFailed   = "Procrustes alignment failed."
	ReasonInsufficientParts  = "Insufficient reliable angles or bones."
	ReasonPoseNotReliable    = "Pose not reliable."
	ReasonNoReliableFrame    = "No reliable frame found (postprocess)"
	ReasonNoFramesBuffered   = "No frames buffered"
	ReasonPickedFrameNoScore = "Selected frame has no valid score"
)

// Config holds the fixed scoring constants.
type Config struct {
	SigmaCoord     float64
	SigmaAngle     float64
	WCoord         float64
	WAngle         float64
	WBone          float64
	ConfThreshold  float64
	MinValidJoints int
	MinValidAngles int
	MinValidBones  int
}

// DefaultConfig returns the tuning the session pipeline runs with.
func DefaultConfig() Config {
	return Config{
		SigmaCoord:     0.12,
		SigmaAngle:     15.0,
		WCoord:         0.4,
		WAngle:         0.4,
		WBone:          0.2,
		ConfThreshold:  0.5,
		MinValidJoints: 6,
		MinValidAngles: 2,
		MinValidBones:  3,
	}
}

// Result is one frame's comparison against the reference. Final is nil when
// geometry could not produce a reliable number; sub-scores are scaled to
// [0, 100]. Reliable is true only when every floor is satisfied.
type Result struct {
	Final         *float64
	CoordScore    *float64
	AngleScore    *float64
	BoneScore     *float64
	CoordErr      *float64
	AngleErr      *float64
	MatchedJoints int
	MatchedAngles int
	MatchedBones  int
	Reliable      bool
	MirrorUsed    bool
	Reason        string
	AngleDiffs    map[string]float64
}

// Metrics flattens the result into the wire metrics object.
func (r Result) Metrics(usingWorld bool) map[string]any {
	mode := "NORMAL"
	if r.MirrorUsed {
		mode = "MIRROR"
	}
	angleDiffs := r.AngleDiffs
	if angleDiffs == nil {
		angleDiffs = map[string]float64{}
	}
	return map[string]any{
		"score":        nullable(r.Final),
		"coord_score":  nullable(r.CoordScore),
		"angle_score":  nullable(r.AngleScore),
		"bone_score":   nullable(r.BoneScore),
		"coord_err":    nullable(r.CoordErr),
		"angle_err":    nullable(r.AngleErr),
		"valid_joints": r.MatchedJoints,
		"valid_angles": r.MatchedAngles,
		"valid_bones":  r.MatchedBones,
		"reliable":     r.Reliable,
		"mode":         mode,
		"using_world":  usingWorld,
		"reason":       r.Reason,
		"angle_diffs":  angleDiffs,
	}
}

// ResolveDevice maps the scoring-device preference onto what this build can
// actually run. No CUDA tensor runtime is wired in, so cuda/auto resolve to
// cpu; an explicit cuda request logs a single warning.
func ResolveDevice(preference string, logger golog.Logger) string {
	if preference == "cuda" {
		logger.Warnf("scoring-device cuda requested but no CUDA runtime is available; using cpu")
	}
	return "cpu"
}

// Engine scores candidate packets against a reference, mirror-aware.
type Engine struct {
	cfg    Config
	device string
}

// NewEngine builds an engine with the given tuning; device is the resolved
// scoring device (informational, Procrustes runs on CPU).
func NewEngine(cfg Config, device string) *Engine {
	return &Engine{cfg: cfg, device: device}
}

// Config returns the engine tuning.
func (e *Engine) Config() Config { return e.cfg }

// Device returns the resolved scoring device.
func (e *Engine) Device() string { return e.device }

// Score compares cur against ref twice — raw and mirror-swapped — and keeps
// the variant with the higher final score. When both variants fail, the one
// that matched more joints is returned so the reason reflects the better
// attempt.
func (e *Engine) Score(ref, cur *pose.Packet) Result {
	normal := e.scoreSingle(ref, cur)

	mirrored := e.scoreSingle(ref, cur.Mirrored())
	mirrored.MirrorUsed = true

	switch {
	case normal.Final == nil && mirrored.Final == nil:
		if mirrored.MatchedJoints > normal.MatchedJoints {
			return mirrored
		}
		return normal
	case normal.Final == nil:
		return mirrored
	case mirrored.Final == nil:
		return normal
	case *mirrored.Final > *normal.Final:
		return mirrored
	default:
		return normal
	}
}

func (e *Engine) scoreSingle(ref, cur *pose.Packet) Result {
	cfg := e.cfg

	refNorm := pose.CenterAndScale(ref.Points)
	curNorm := pose.CenterAndScale(cur.Points)

	var jointWeights [pose.NumLandmarks]float64
	for i := 0; i < pose.NumLandmarks; i++ {
		w := math.Min(ref.Visibility[i], cur.Visibility[i]) *
			math.Min(ref.Presence[i], cur.Presence[i])
		jointWeights[i] = clampUnit(w)
	}

	// Selected-joint subset with per-joint weights.
	sel := pose.SelectedIndices
	var (
		selRef  = make([]r3.Vec, 0, len(sel))
		selCur  = make([]r3.Vec, 0, len(sel))
		selW    = make([]float64, 0, len(sel))
		matched int
	)
	for _, idx := range sel {
		selRef = append(selRef, refNorm[idx])
		selCur = append(selCur, curNorm[idx])
		selW = append(selW, jointWeights[idx])
		if jointWeights[idx] >= cfg.ConfThreshold {
			matched++
		}
	}
	if matched < cfg.MinValidJoints {
		return Result{MatchedJoints: matched, Reason: ReasonTooFewJoints}
	}

	alignRef := make([]r3.Vec, 0, matched)
	alignCur := make([]r3.Vec, 0, matched)
	alignW := make([]float64, 0, matched)
	for i := range selW {
		if selW[i] >= cfg.ConfThreshold {
			alignRef = append(alignRef, selRef[i])
			alignCur = append(alignCur, selCur[i])
			alignW = append(alignW, selW[i])
		}
	}

	alignment := pose.ProcrustesAlign(alignRef, alignCur, alignW)
	if math.IsInf(alignment.Err, 0) || math.IsNaN(alignment.Err) {
		return Result{MatchedJoints: matched, Reason: ReasonProcrustesFailed}
	}

	curAligned := alignment.Apply(curNorm)
	coordErr := alignment.Err
	coordScore := math.Exp(-coordErr / math.Max(cfg.SigmaCoord, 1e-6))

	angleErr, angleScore, matchedAngles, angleDiffs, anglesOK := pose.AngleScore(
		refNorm, curAligned, jointWeights, cfg.ConfThreshold, cfg.SigmaAngle)
	boneScore, matchedBones, bonesOK := pose.BoneScore(
		refNorm, curAligned, jointWeights, cfg.ConfThreshold)

	base := Result{
		CoordScore:    f64ptr(coordScore * 100),
		CoordErr:      f64ptr(coordErr),
		MatchedJoints: matched,
		MatchedAngles: matchedAngles,
		MatchedBones:  matchedBones,
		AngleDiffs:    angleDiffs,
	}
	if anglesOK {
		base.AngleScore = f64ptr(angleScore * 100)
		base.AngleErr = f64ptr(angleErr)
	}
	if bonesOK {
		base.BoneScore = f64ptr(boneScore * 100)
	}

	if !anglesOK || !bonesOK {
		base.Reason = ReasonInsufficientParts
		return base
	}
	if matchedAngles < cfg.MinValidAngles || matchedBones < cfg.MinValidBones {
		base.Reason = ReasonPoseNotReliable
		return base
	}

	final := 100 * (cfg.WCoord*coordScore + cfg.WAngle*angleScore + cfg.WBone*boneScore)
	final = math.Max(0, math.Min(100, final))
	base.Final = f64ptr(final)
	base.Reliable = true
	return base
}

func nullable(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func f64ptr(v float64) *float64 { return &v }

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
