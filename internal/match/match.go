// Package match turns detector boxes into embeddings and decides which of them belong to
// the reference face.
package match

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/facefind/internal/imageio"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/andresmejia3/facefind/internal/vision"
	"github.com/sirupsen/logrus"
)

// DefaultThreshold is the L2 distance below which a face counts as the reference face.
const DefaultThreshold = 0.8

// EncodeReference detects every face in the reference image and embeds each of them,
// in detector order. It fails with types.ErrNoFaceDetected when there is none.
func EncodeReference(ctx context.Context, models vision.Models, img image.Image) (types.ReferenceSet, error) {
	boxes, err := models.Detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: reference image: %w", types.ErrDetectorFailure, err)
	}
	if len(boxes) == 0 {
		return nil, types.ErrNoFaceDetected
	}

	refs := make(types.ReferenceSet, 0, len(boxes))
	for _, box := range boxes {
		vec, ok, err := embedBox(ctx, models.Embedder, img, box)
		if err != nil {
			return nil, fmt.Errorf("reference image: %w", err)
		}
		if !ok {
			continue
		}
		refs = append(refs, vec)
	}
	if len(refs) == 0 {
		return nil, types.ErrNoFaceDetected
	}
	return refs, nil
}

// embedBox crops box, resizes it to the embedder input and embeds it. ok is false when the
// box lies completely outside img.
func embedBox(ctx context.Context, emb vision.Embedder, img image.Image, box image.Rectangle) (types.Embedding, bool, error) {
	face, ok := imageio.CropFace(img, box, emb.InputSize())
	if !ok {
		return nil, false, nil
	}
	vec, err := emb.Embed(ctx, face)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", types.ErrEmbedderFailure, err)
	}
	return vec, true, nil
}

// L2 is the Euclidean distance between a and b. Extra trailing dimensions of the longer
// vector count as distance from zero.
func L2(a, b types.Embedding) float64 {
	if len(a) < len(b) {
		a, b = b, a
	}
	var sum float64
	for i := range a {
		d := a[i]
		if i < len(b) {
			d -= b[i]
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Nearest returns the smallest distance from vec to any reference and that reference's index.
func Nearest(vec types.Embedding, refs types.ReferenceSet) (float64, int) {
	best, idx := math.Inf(1), -1
	for i, ref := range refs {
		if d := L2(vec, ref); d < best {
			best, idx = d, i
		}
	}
	return best, idx
}

// Match is one threshold-passing face. Box is the raw detector box for annotation.
type Match struct {
	Record types.MatchRecord
	Box    image.Rectangle
}

// Engine matches the faces of a prepared frame against a reference set.
type Engine struct {
	Models    vision.Models
	Threshold float64
	Log       logrus.FieldLogger
}

// NewEngine returns an Engine using the default threshold.
func NewEngine(models vision.Models) *Engine {
	return &Engine{Models: models, Threshold: DefaultThreshold, Log: logrus.StandardLogger()}
}

// MatchFrame evaluates every detected face of frame independently. A face matches when its
// nearest reference is strictly closer than the threshold.
func (e *Engine) MatchFrame(ctx context.Context, frame image.Image, index int, fps float64, refs types.ReferenceSet) ([]Match, error) {
	boxes, err := e.Models.Detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %w", types.ErrDetectorFailure, index, err)
	}

	var matches []Match
	for _, box := range boxes {
		vec, ok, err := embedBox(ctx, e.Models.Embedder, frame, box)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", index, err)
		}
		if !ok {
			e.log().WithFields(logrus.Fields{"frame": index, "box": box}).Debug("skipping face outside frame bounds")
			continue
		}

		dist, _ := Nearest(vec, refs)
		if !(dist < e.Threshold) {
			continue
		}
		matches = append(matches, Match{
			Record: types.MatchRecord{
				Timestamp:   float64(index) / fps,
				FrameNumber: index,
				Distance:    dist,
				Position:    types.BoxFromRect(box),
			},
			Box: box,
		})
	}
	return matches, nil
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}
