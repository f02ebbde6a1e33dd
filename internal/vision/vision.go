// Package vision defines the face capabilities the pipeline depends on.
//
// Detection and embedding run in external model runtimes (a Python worker pool or a
// CompreFace service); the pipeline only sees these two narrow interfaces.
package vision

import (
	"context"
	"image"

	"github.com/andresmejia3/facefind/internal/types"
)

// Detector locates faces. Boxes are (x1,y1,x2,y2) in the pixel space of img.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// Embedder converts a face crop of InputSize×InputSize pixels into a descriptor.
type Embedder interface {
	InputSize() int
	Embed(ctx context.Context, face image.Image) (types.Embedding, error)
}

// Models bundles the two capabilities used by one task.
type Models struct {
	Detector Detector
	Embedder Embedder
}
