package types

import "errors"

// Pipeline failures. All of them are fatal to the task that raised them.
var (
	ErrNoFaceDetected  = errors.New("no faces detected in the reference image")
	ErrVideoOpen       = errors.New("error opening video file")
	ErrDetectorFailure = errors.New("face detector failed")
	ErrEmbedderFailure = errors.New("face embedder failed")
)

// Query-time failures, surfaced to callers as not-found.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrFrameNotFound = errors.New("frame not found")
)
