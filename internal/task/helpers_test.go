package task

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/video"
	"github.com/andresmejia3/facefind/internal/video/videotest"
	"github.com/andresmejia3/facefind/internal/vision"
	"github.com/andresmejia3/facefind/internal/vision/visiontest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	frameW = 64
	frameH = 48
	// faceLevel brightens to 212 after the 2.122 gain, the reference face is painted at 212.
	faceLevel = 100
	refLevel  = 212
)

var faceBox = image.Rect(20, 16, 40, 36)

// clip renders a synthetic video in which the face is visible in frames [from, to].
func clip(frames, from, to int) *videotest.Source {
	return &videotest.Source{
		Frames: frames,
		FPS:    25,
		Render: func(i int) image.Image {
			return visiontest.Frame(frameW, frameH, faceBox, i >= from && i <= to, faceLevel)
		},
	}
}

func markerDetector() *visiontest.MarkerDetector {
	return &visiontest.MarkerDetector{Probe: image.Pt(30, 26), Box: faceBox, Threshold: 100}
}

func staticModels(det vision.Detector, emb vision.Embedder) *vision.Shared {
	return vision.NewShared(func(ctx context.Context) (vision.Models, io.Closer, error) {
		return vision.Models{Detector: det, Embedder: emb}, nil, nil
	})
}

func referencePNG(t *testing.T, withFace bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, visiontest.Frame(frameW, frameH, faceBox, withFace, refLevel)))
	return buf.Bytes()
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	pipeline *Pipeline
	store    *store.FileStore
	dir      string
}

func newFixture(t *testing.T, src video.Source, det vision.Detector) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "results"))
	require.NoError(t, err)
	if det == nil {
		det = markerDetector()
	}
	return &fixture{
		pipeline: &Pipeline{
			Store:    fs,
			Models:   staticModels(det, &visiontest.BrightnessEmbedder{}),
			Source:   src,
			Settings: DefaultSettings(),
			Log:      quietLogger(),
		},
		store: fs,
		dir:   dir,
	}
}

// run executes a task synchronously the way the scan command does.
func (f *fixture) run(t *testing.T, taskID string, withFace bool) *Tracker {
	t.Helper()
	refPath := filepath.Join(f.dir, taskID+"-reference.png")
	require.NoError(t, os.WriteFile(refPath, referencePNG(t, withFace), 0o644))
	require.NoError(t, f.store.Prepare(context.Background(), taskID))

	tr := &Tracker{}
	f.pipeline.Run(context.Background(), taskID, refPath, filepath.Join(f.dir, "clip.mp4"), tr)
	return tr
}

// flakyDetector fails (or panics) on the n-th call. Call 1 is the reference image.
type flakyDetector struct {
	inner  vision.Detector
	failOn int
	panics bool

	mu    sync.Mutex
	calls int
}

func (d *flakyDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()

	if n == d.failOn {
		if d.panics {
			panic("tensor shape mismatch")
		}
		return nil, errFlaky
	}
	return d.inner.Detect(ctx, img)
}

var errFlaky = errors.New("inference timeout")

// gatedDetector blocks every call until gate is closed.
type gatedDetector struct {
	inner vision.Detector
	gate  chan struct{}
}

func (d *gatedDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	<-d.gate
	return d.inner.Detect(ctx, img)
}

// routingSource picks the synthetic clip by the uploaded video's content.
type routingSource struct {
	clips map[string]*videotest.Source
}

func (r *routingSource) Open(ctx context.Context, path string) (video.Decoder, video.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, video.Metadata{}, err
	}
	src, ok := r.clips[string(data)]
	if !ok {
		return nil, video.Metadata{}, os.ErrNotExist
	}
	return src.Open(ctx, path)
}
