package model

import (
	"fmt"
	"math"
)

// VisibilityThreshold is the confidence above which a keypoint counts as visible.
const VisibilityThreshold = 0.3

// Keypoint is one detected joint location. X and Y are normalized to [0,1]
// relative to the frame dimensions.
type Keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
	Visible    bool    `json:"visible"`
}

// KeypointFrame is a single timestamped detection result from the pose model.
type KeypointFrame struct {
	Timestamp int64                `json:"timestamp"` // ms since session start
	Points    [JointCount]Keypoint `json:"points"`
}

// NewKeypoint builds a keypoint, clamping confidence to [0,1] and deriving
// visibility. Non-finite coordinates or confidence yield an invisible point.
func NewKeypoint(x, y, confidence float64) Keypoint {
	if math.IsNaN(confidence) || math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return Keypoint{X: finiteOrZero(x), Y: finiteOrZero(y)}
	}
	confidence = math.Max(0, math.Min(1, confidence))
	return Keypoint{
		X:          x,
		Y:          y,
		Confidence: confidence,
		Visible:    confidence > VisibilityThreshold,
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// NewKeypointFrame validates and normalizes a raw detection. Exactly 17
// points are required, in Joint order.
func NewKeypointFrame(timestamp int64, points []Keypoint) (KeypointFrame, error) {
	if len(points) != JointCount {
		return KeypointFrame{}, fmt.Errorf("%w: got %d", ErrJointCount, len(points))
	}
	f := KeypointFrame{Timestamp: timestamp}
	for i, p := range points {
		f.Points[i] = NewKeypoint(p.X, p.Y, p.Confidence)
	}
	return f, nil
}

// Normalized re-derives confidence clamping and visibility for frames that
// were built without NewKeypointFrame.
func (f *KeypointFrame) Normalized() KeypointFrame {
	out := *f
	for i, p := range out.Points {
		out.Points[i] = NewKeypoint(p.X, p.Y, p.Confidence)
	}
	return out
}

// Point returns the keypoint for joint j.
func (f *KeypointFrame) Point(j Joint) Keypoint {
	return f.Points[j]
}

// Visible reports whether every listed joint is visible in the frame.
func (f *KeypointFrame) Visible(joints ...Joint) bool {
	for _, j := range joints {
		if !f.Points[j].Visible {
			return false
		}
	}
	return true
}

// ValidateSequence checks that timestamps never decrease.
func ValidateSequence(frames []KeypointFrame) error {
	for i := 1; i < len(frames); i++ {
		if frames[i].Timestamp < frames[i-1].Timestamp {
			return fmt.Errorf("%w: frame %d at %dms after %dms", ErrTimestampOrder, i, frames[i].Timestamp, frames[i-1].Timestamp)
		}
	}
	return nil
}
