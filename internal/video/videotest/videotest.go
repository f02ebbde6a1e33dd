// Package videotest provides an in-memory video Source for pipeline tests.
package videotest

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/facefind/internal/video"
)

// Source serves a synthetic stream of Frames frames. Render paints frame i (1-based).
// Every Open is counted, so tests can assert that no decoding was attempted.
type Source struct {
	Frames  int
	FPS     float64
	Render  func(index int) image.Image
	OpenErr error
	// FailAt makes Frame return an error when decoding that index.
	FailAt int

	mu      sync.Mutex
	opens   int
	decoded []int
	closed  int
}

// Open implements video.Source.
func (s *Source) Open(ctx context.Context, path string) (video.Decoder, video.Metadata, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, video.Metadata{}, s.OpenErr
	}
	return &decoder{src: s}, video.Metadata{FPS: s.FPS, TotalFrames: s.Frames}, nil
}

// Opens reports how many times the source was opened.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Decoded lists every frame index that was decoded to an image, across all opens.
func (s *Source) Decoded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.decoded...)
}

// Closed reports how many decoders were closed.
func (s *Source) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type decoder struct {
	src *Source
	pos int
}

func (d *decoder) Advance() error {
	if d.pos >= d.src.Frames {
		return io.EOF
	}
	d.pos++
	return nil
}

func (d *decoder) Frame() (image.Image, error) {
	d.src.mu.Lock()
	d.src.decoded = append(d.src.decoded, d.pos)
	d.src.mu.Unlock()

	if d.src.FailAt != 0 && d.pos == d.src.FailAt {
		return nil, errors.New("corrupt frame")
	}
	if d.src.Render == nil {
		return image.NewNRGBA(image.Rect(0, 0, 8, 8)), nil
	}
	return d.src.Render(d.pos), nil
}

func (d *decoder) Close() error {
	d.src.mu.Lock()
	d.src.closed++
	d.src.mu.Unlock()
	return nil
}
