// Package video streams a video one frame at a time and forwards every Nth frame.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/facefind/internal/types"
)

// DefaultStep is the sampling cadence: one frame in five is processed.
const DefaultStep = 5

// Metadata is what a Source learns about a stream before decoding it.
type Metadata struct {
	FPS         float64
	TotalFrames int // best effort, 0 when unknown
}

// Decoder walks a stream sequentially. Advance moves to the next frame without decoding
// it and returns io.EOF when the stream is exhausted. Frame decodes the current frame.
type Decoder interface {
	Advance() error
	Frame() (image.Image, error)
	Close() error
}

// Source opens a video file for decoding.
type Source interface {
	Open(ctx context.Context, path string) (Decoder, Metadata, error)
}

// Frame is a sampled frame with its 1-based position in the full stream.
type Frame struct {
	Index int
	Image image.Image
}

// Sampler yields every step-th frame of a stream.
type Sampler struct {
	dec  Decoder
	meta Metadata
	step int
	read int
}

// Open opens path through src. Any failure to open or probe the stream is reported as
// types.ErrVideoOpen.
func Open(ctx context.Context, src Source, path string, step int) (*Sampler, error) {
	if step < 1 {
		return nil, fmt.Errorf("invalid sample step %d: must be >= 1", step)
	}
	dec, meta, err := src.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrVideoOpen, err)
	}
	if meta.FPS <= 0 {
		dec.Close()
		return nil, fmt.Errorf("%w: invalid frame rate %v", types.ErrVideoOpen, meta.FPS)
	}
	return &Sampler{dec: dec, meta: meta, step: step}, nil
}

// Next returns the next sampled frame, or io.EOF once the stream ends. Skipped frames are
// counted but never decoded.
func (s *Sampler) Next() (Frame, error) {
	for {
		if err := s.dec.Advance(); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("reading frame %d: %w", s.read+1, err)
		}
		s.read++
		if s.read%s.step != 0 {
			continue
		}

		img, err := s.dec.Frame()
		if err != nil {
			return Frame{}, fmt.Errorf("decoding frame %d: %w", s.read, err)
		}
		return Frame{Index: s.read, Image: img}, nil
	}
}

// FramesRead counts every frame decoded so far, sampled or not.
func (s *Sampler) FramesRead() int { return s.read }

func (s *Sampler) FrameRate() float64 { return s.meta.FPS }

func (s *Sampler) TotalFrames() int { return s.meta.TotalFrames }

func (s *Sampler) Step() int { return s.step }

// Close releases the underlying decoder. Safe to call more than once.
func (s *Sampler) Close() error {
	if s.dec == nil {
		return nil
	}
	err := s.dec.Close()
	s.dec = nil
	return err
}
