// Package pose holds the 33-point landmark model and the geometry used to
// compare a captured pose against a reference: normalization, weighted
// Procrustes alignment, joint angles, bone directions, and the temporal
// smoother applied to buffered landmark sequences.
package pose

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// NumLandmarks is the fixed size of a landmark packet. Every packet follows
// the same skeletal topology; indices 11..32 are the only ones scored.
const NumLandmarks = 33

// Landmark indices for the joints referenced by scoring.
const (
	LeftShoulder   = 11
	RightShoulder  = 12
	LeftElbow      = 13
	RightElbow     = 14
	LeftWrist      = 15
	RightWrist     = 16
	LeftHip        = 23
	RightHip       = 24
	LeftKnee       = 25
	RightKnee      = 26
	LeftAnkle      = 27
	RightAnkle     = 28
	LeftHeel       = 29
	RightHeel      = 30
	LeftFootIndex  = 31
	RightFootIndex = 32
)

// SelectedIndices lists the landmarks that participate in scoring and motion
// energy. Face and hand detail points (0..10, 17..22) are excluded.
var SelectedIndices = []int{
	LeftShoulder, RightShoulder,
	LeftElbow, RightElbow,
	LeftWrist, RightWrist,
	LeftHip, RightHip,
	LeftKnee, RightKnee,
	LeftAnkle, RightAnkle,
	LeftHeel, RightHeel,
	LeftFootIndex, RightFootIndex,
}

// leftRightSwapPairs pairs each left-side landmark with its right-side
// counterpart across the full topology.
var leftRightSwapPairs = [16][2]int{
	{1, 4}, {2, 5}, {3, 6},
	{7, 8}, {9, 10},
	{11, 12}, {13, 14}, {15, 16},
	{17, 18}, {19, 20}, {21, 22},
	{23, 24}, {25, 26}, {27, 28},
	{29, 30}, {31, 32},
}

// AngleTriplet names an articulation angle measured at Mid between the
// Mid→First and Mid→Last segments.
type AngleTriplet struct {
	Name  string
	First int
	Mid   int
	Last  int
}

// AngleTriplets are the eight articulation angles compared during scoring.
var AngleTriplets = []AngleTriplet{
	{"left_elbow", LeftShoulder, LeftElbow, LeftWrist},
	{"right_elbow", RightShoulder, RightElbow, RightWrist},
	{"left_knee", LeftHip, LeftKnee, LeftAnkle},
	{"right_knee", RightHip, RightKnee, RightAnkle},
	{"left_hip", LeftShoulder, LeftHip, LeftKnee},
	{"right_hip", RightShoulder, RightHip, RightKnee},
	{"left_shoulder", LeftElbow, LeftShoulder, LeftHip},
	{"right_shoulder", RightElbow, RightShoulder, RightHip},
}

// Bone is a directed skeleton segment from Head to Tail.
type Bone struct {
	Name string
	Head int
	Tail int
}

// Bones are the eight limb segments compared by direction during scoring.
// The torso bone (shoulder mid → hip mid) is derived separately.
var Bones = []Bone{
	{"left_upper_arm", LeftShoulder, LeftElbow},
	{"right_upper_arm", RightShoulder, RightElbow},
	{"left_forearm", LeftElbow, LeftWrist},
	{"right_forearm", RightElbow, RightWrist},
	{"left_thigh", LeftHip, LeftKnee},
	{"right_thigh", RightHip, RightKnee},
	{"left_shin", LeftKnee, LeftAnkle},
	{"right_shin", RightKnee, RightAnkle},
}

// Packet is an immutable per-frame pose record. Points are either
// image-normalized or world-metric coordinates, chosen once at detector
// construction; a packet never mixes the two. A missing detection is a nil
// *Packet, not a zero one.
type Packet struct {
	Points     [NumLandmarks]r3.Vec
	Visibility [NumLandmarks]float64
	Presence   [NumLandmarks]float64
}

// Confidence returns min(visibility, presence) for landmark i, clamped to
// [0, 1].
func (p *Packet) Confidence(i int) float64 {
	c := p.Visibility[i]
	if p.Presence[i] < c {
		c = p.Presence[i]
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Mirrored returns a copy with x negated and left/right landmarks swapped,
// including the confidence channels. Scoring runs both the raw and the
// mirrored candidate and keeps the better variant.
func (p *Packet) Mirrored() *Packet {
	out := *p
	for i := range out.Points {
		out.Points[i].X = -out.Points[i].X
	}
	out.Points = swapLeftRightVecs(out.Points)
	out.Visibility = SwapLeftRight(out.Visibility)
	out.Presence = SwapLeftRight(out.Presence)
	return &out
}

// SwapLeftRight exchanges the left/right entries of a per-landmark array.
func SwapLeftRight(values [NumLandmarks]float64) [NumLandmarks]float64 {
	out := values
	for _, pair := range leftRightSwapPairs {
		out[pair[0]], out[pair[1]] = values[pair[1]], values[pair[0]]
	}
	return out
}

func swapLeftRightVecs(points [NumLandmarks]r3.Vec) [NumLandmarks]r3.Vec {
	out := points
	for _, pair := range leftRightSwapPairs {
		out[pair[0]], out[pair[1]] = points[pair[1]], points[pair[0]]
	}
	return out
}
