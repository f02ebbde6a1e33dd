package vision

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Loader constructs the process-wide models. The returned closer (may be nil) releases them.
type Loader func(ctx context.Context) (Models, io.Closer, error)

// Shared hands out one lazily loaded Models instance to every task in the process.
// Loading happens on first Acquire; a failed load is retried by the next Acquire.
// Models are never reloaded while the process runs.
type Shared struct {
	load Loader

	mu     sync.Mutex
	models *Models
	closer io.Closer
	refs   int
	closed bool
}

// NewShared wraps load.
func NewShared(load Loader) *Shared {
	return &Shared{load: load}
}

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("vision models closed")

// Acquire returns the shared models, loading them on first use. The release func must be
// called once the task no longer needs them.
func (s *Shared) Acquire(ctx context.Context) (Models, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Models{}, nil, ErrClosed
	}
	if s.models == nil {
		m, closer, err := s.load(ctx)
		if err != nil {
			return Models{}, nil, err
		}
		s.models = &m
		s.closer = closer
	}
	s.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			s.refs--
			s.mu.Unlock()
		})
	}
	return *s.models, release, nil
}

// Refs reports how many tasks currently hold the models.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Close releases the models at process shutdown. It refuses while tasks still hold them.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		return errors.New("vision models still in use")
	}
	s.closed = true
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	s.models = nil
	return err
}
