package model

import "errors"

// Sentinel kinds for input malformation. Frames failing these checks are
// rejected at the ingestion boundary, never padded or corrected.
var (
	ErrJointCount     = errors.New("frame must carry exactly 17 keypoints")
	ErrTimestampOrder = errors.New("frame timestamp goes backwards")
	ErrUnknownJoint   = errors.New("unknown joint")
	ErrInvalidStatus  = errors.New("invalid submission status")
)
