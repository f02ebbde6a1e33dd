// Package visiontest provides scripted Detector and Embedder fakes for pipeline tests.
package visiontest

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/andresmejia3/facefind/internal/types"
)

// MarkerDetector reports a face at Box whenever the pixel at Probe is brighter than
// Threshold (red channel). Frames are scripted by painting that pixel.
type MarkerDetector struct {
	Probe     image.Point
	Box       image.Rectangle
	Threshold uint8
	Err       error

	mu    sync.Mutex
	calls int
}

// Detect implements vision.Detector.
func (d *MarkerDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}
	r, _, _, _ := img.At(d.Probe.X, d.Probe.Y).RGBA()
	if uint8(r>>8) > d.Threshold {
		return []image.Rectangle{d.Box}, nil
	}
	return nil, nil
}

// Calls reports how many frames were inspected.
func (d *MarkerDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ScriptedDetector returns a fixed list of boxes for every image, or Err.
type ScriptedDetector struct {
	Boxes []image.Rectangle
	Err   error
}

// Detect implements vision.Detector.
func (d *ScriptedDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	return d.Boxes, d.Err
}

// SequenceEmbedder returns Vectors[i] on the i-th call (cycling) and records input sizes.
type SequenceEmbedder struct {
	Size    int
	Vectors []types.Embedding
	Err     error

	mu     sync.Mutex
	next   int
	Inputs []image.Rectangle
}

// InputSize implements vision.Embedder.
func (e *SequenceEmbedder) InputSize() int {
	if e.Size == 0 {
		return 160
	}
	return e.Size
}

// Embed implements vision.Embedder.
func (e *SequenceEmbedder) Embed(ctx context.Context, face image.Image) (types.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Inputs = append(e.Inputs, face.Bounds())
	if e.Err != nil {
		return nil, e.Err
	}
	if len(e.Vectors) == 0 {
		return types.Embedding{0}, nil
	}
	v := e.Vectors[e.next%len(e.Vectors)]
	e.next++
	return v, nil
}

// BrightnessEmbedder embeds a crop as its mean normalised red value, so identical faces
// land at distance zero and different shades land apart.
type BrightnessEmbedder struct {
	Size int
}

// InputSize implements vision.Embedder.
func (e *BrightnessEmbedder) InputSize() int {
	if e.Size == 0 {
		return 16
	}
	return e.Size
}

// Embed implements vision.Embedder.
func (e *BrightnessEmbedder) Embed(ctx context.Context, face image.Image) (types.Embedding, error) {
	b := face.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := face.At(x, y).RGBA()
			sum += float64(r>>8) / 255
		}
	}
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return types.Embedding{0}, nil
	}
	return types.Embedding{sum / n}, nil
}

// Frame paints a w×h frame with a dark background and, when face is true, a bright
// square covering box (red channel = level).
func Frame(w, h int, box image.Rectangle, face bool, level uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	bg := color.NRGBA{R: 10, G: 10, B: 10, A: 255}
	fg := color.NRGBA{R: level, G: level, B: level, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if face && image.Pt(x, y).In(box) {
				img.SetNRGBA(x, y, fg)
			} else {
				img.SetNRGBA(x, y, bg)
			}
		}
	}
	return img
}
