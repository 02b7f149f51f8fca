// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
)

// Joint identifies one of the 17 body keypoints produced by the pose model,
// in COCO order.
type Joint int

// The fixed keypoint set.
const (
	Nose Joint = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle

	// JointCount is the number of keypoints every accepted frame carries.
	JointCount = 17
)

var jointNames = [JointCount]string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

// String returns the snake_case joint name.
func (j Joint) String() string {
	if !j.Valid() {
		return fmt.Sprintf("joint(%d)", int(j))
	}
	return jointNames[j]
}

// Valid reports whether j is one of the 17 known joints.
func (j Joint) Valid() bool {
	return j >= 0 && j < JointCount
}

// ParseJoint maps a joint name (case-insensitive) back to its Joint.
func ParseJoint(name string) (Joint, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range jointNames {
		if n == name {
			return Joint(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownJoint, name)
}

// AllJoints returns every joint in index order.
func AllJoints() []Joint {
	out := make([]Joint, JointCount)
	for i := range out {
		out[i] = Joint(i)
	}
	return out
}
