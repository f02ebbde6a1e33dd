package worker

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/facefind/internal/types"
	"github.com/sirupsen/logrus"
)

// Pool spreads requests over a fixed set of PythonWorkers, one request in flight per process.
// It satisfies both vision.Detector and vision.Embedder.
type Pool struct {
	idle      chan *PythonWorker
	all       []*PythonWorker
	inputSize int
}

// NewPool spawns size workers. If any fails to start, the ones already running are shut down.
func NewPool(ctx context.Context, size int, command []string, modelPath string, inputSize int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	workers := make([]*PythonWorker, 0, size)
	for i := 0; i < size; i++ {
		w, err := NewPythonWorker(ctx, i, command, modelPath)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		logrus.WithField("worker", i).Debug("Model worker started")
		workers = append(workers, w)
	}
	return newPool(inputSize, workers...), nil
}

func newPool(inputSize int, workers ...*PythonWorker) *Pool {
	p := &Pool{idle: make(chan *PythonWorker, len(workers)), all: workers, inputSize: inputSize}
	for _, w := range workers {
		p.idle <- w
	}
	return p
}

func (p *Pool) acquire(ctx context.Context) (*PythonWorker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Size() int { return len(p.all) }

func (p *Pool) InputSize() int { return p.inputSize }

func (p *Pool) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- w }()
	return w.Detect(ctx, img)
}

func (p *Pool) Embed(ctx context.Context, face image.Image) (types.Embedding, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- w }()
	return w.Embed(ctx, face)
}

// Close stops every worker.
func (p *Pool) Close() error {
	var errs []error
	for _, w := range p.all {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
