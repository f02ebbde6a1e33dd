package types

import (
	"fmt"
	"image"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Embedding is a face descriptor produced by an Embedder. Compared only by L2 distance.
type Embedding []float64

// ReferenceSet holds the embeddings of every face found in the reference image, in detector order.
type ReferenceSet []Embedding

// BoundingBox is a face location in pixel coordinates of the frame it was detected in.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BoxFromRect converts a detector box (x1,y1,x2,y2) into a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect is the inverse of BoxFromRect.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// MatchRecord is one threshold-passing face in one sampled frame.
type MatchRecord struct {
	Timestamp    float64     `json:"timestamp"`    // seconds, FrameNumber / fps
	FrameNumber  int         `json:"frame_number"` // 1-based, counts skipped frames too
	Distance     float64     `json:"distance"`
	Position     BoundingBox `json:"position"`
	MatchAddress string      `json:"match_address"`
	FrameURL     string      `json:"frame_url,omitempty"`
}

// MatchAddress builds the stable address of the seq-th match (1-based) found at frameIndex.
func MatchAddress(seq, frameIndex int) string {
	return fmt.Sprintf("%d_%d", seq, frameIndex)
}

// TaskResult is the durable outcome of a task.
type TaskResult struct {
	Status     Status        `json:"status"`
	Matches    []MatchRecord `json:"matches"`
	MatchCount int           `json:"match_count"`
	Error      string        `json:"error,omitempty"`
}

// Completed builds a successful result. MatchCount always mirrors len(matches).
func Completed(matches []MatchRecord) TaskResult {
	if matches == nil {
		matches = []MatchRecord{}
	}
	return TaskResult{Status: StatusCompleted, Matches: matches, MatchCount: len(matches)}
}

// Failed builds a failed result carrying err's message and no matches.
func Failed(err error) TaskResult {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return TaskResult{Status: StatusFailed, Matches: []MatchRecord{}, Error: msg}
}
