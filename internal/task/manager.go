package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Spool file names inside a task's upload directory.
const (
	referenceFile = "reference"
	videoFile     = "video"
)

// Snapshot is what a status query returns. While processing it carries progress, once
// terminal it is the durable result.
type Snapshot struct {
	TaskID   string
	Status   types.Status
	Result   types.TaskResult
	Progress *Progress
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.Status == types.StatusProcessing {
		return json.Marshal(struct {
			Status   types.Status `json:"status"`
			TaskID   string       `json:"task_id"`
			Progress *Progress    `json:"progress,omitempty"`
		}{s.Status, s.TaskID, s.Progress})
	}
	return json.Marshal(s.Result)
}

type record struct {
	id      string
	tracker *Tracker

	mu      sync.Mutex
	unsaved *types.TaskResult // set when the final result could not be persisted
}

func (r *record) setUnsaved(result types.TaskResult) {
	r.mu.Lock()
	r.unsaved = &result
	r.mu.Unlock()
}

func (r *record) terminal() (types.TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsaved == nil {
		return types.TaskResult{}, false
	}
	return *r.unsaved, true
}

// Manager owns the task index and runs each submitted task in the background.
type Manager struct {
	pipeline *Pipeline
	spoolDir string
	log      logrus.FieldLogger

	mu    sync.RWMutex
	tasks map[string]*record
	wg    sync.WaitGroup

	newID func() string
}

// NewManager returns a Manager that spools uploads under spoolDir.
func NewManager(p *Pipeline, spoolDir string) *Manager {
	return &Manager{
		pipeline: p,
		spoolDir: spoolDir,
		log:      p.log(),
		tasks:    make(map[string]*record),
		newID:    uuid.NewString,
	}
}

// Submit stores both uploads, registers the task as processing and starts it. It returns
// as soon as the task is registered. On error nothing of the task is left behind.
func (m *Manager) Submit(ctx context.Context, reference, video io.Reader) (string, error) {
	taskID := m.newID()
	log := m.log.WithField("task_id", taskID)

	if err := m.pipeline.Store.Prepare(ctx, taskID); err != nil {
		return "", fmt.Errorf("failed to create output location: %w", err)
	}

	dir := filepath.Join(m.spoolDir, taskID)
	referencePath, videoPath, err := spool(dir, reference, video)
	if err != nil {
		os.RemoveAll(dir)
		if rmErr := m.pipeline.Store.Remove(context.WithoutCancel(ctx), taskID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove output location")
		}
		return "", err
	}

	rec := &record{id: taskID, tracker: &Tracker{}}
	m.mu.Lock()
	m.tasks[taskID] = rec
	m.mu.Unlock()

	// The task outlives the submitting request.
	runCtx := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.WithError(err).Warn("Failed to remove uploads")
			}
		}()
		if _, err := m.pipeline.Run(runCtx, taskID, referencePath, videoPath, rec.tracker); err != nil {
			// Polling callers still get a terminal state from the index.
			rec.setUnsaved(types.Failed(err))
		}
	}()

	log.Info("Task submitted")
	return taskID, nil
}

func spool(dir string, reference, video io.Reader) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	referencePath := filepath.Join(dir, referenceFile)
	if err := writeUpload(referencePath, reference); err != nil {
		return "", "", fmt.Errorf("failed to save reference image: %w", err)
	}
	videoPath := filepath.Join(dir, videoFile)
	if err := writeUpload(videoPath, video); err != nil {
		return "", "", fmt.Errorf("failed to save video: %w", err)
	}
	return referencePath, videoPath, nil
}

func writeUpload(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Status reports a task's state. A terminal result removes the task from the index; the
// durable result stays readable afterwards. A task whose result could not be persisted
// stays in the index and reports that failure.
func (m *Manager) Status(ctx context.Context, taskID string) (Snapshot, error) {
	m.mu.RLock()
	rec, tracked := m.tasks[taskID]
	m.mu.RUnlock()

	result, err := m.pipeline.Store.Load(ctx, taskID)
	switch {
	case err == nil:
		m.forget(taskID)
		for i := range result.Matches {
			result.Matches[i].FrameURL = FrameURL(taskID, result.Matches[i].MatchAddress)
		}
		return Snapshot{TaskID: taskID, Status: result.Status, Result: result}, nil

	case errors.Is(err, store.ErrNoResult):
		if tracked {
			if result, ok := rec.terminal(); ok {
				return Snapshot{TaskID: taskID, Status: result.Status, Result: result}, nil
			}
		}
		snap := Snapshot{TaskID: taskID, Status: types.StatusProcessing}
		if tracked {
			p := rec.tracker.Progress()
			snap.Progress = &p
		}
		return snap, nil

	case errors.Is(err, store.ErrNotFound):
		return Snapshot{}, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)

	default:
		return Snapshot{}, err
	}
}

// FetchFrame returns the annotated JPEG saved for a match address.
func (m *Manager) FetchFrame(ctx context.Context, taskID, address string) ([]byte, error) {
	ok, err := m.pipeline.Store.Exists(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}

	// Once a result exists only the addresses it lists are served. A failed task keeps no
	// matches, so frames saved before the failure are hidden.
	result, err := m.pipeline.Store.Load(ctx, taskID)
	switch {
	case err == nil:
		if !hasAddress(result, address) {
			return nil, fmt.Errorf("%w: %s", types.ErrFrameNotFound, address)
		}
	case errors.Is(err, store.ErrNoResult):
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	default:
		return nil, err
	}

	data, err := m.pipeline.Store.LoadMatchImage(ctx, taskID, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrFrameNotFound, address)
	}
	return data, err
}

func hasAddress(result types.TaskResult, address string) bool {
	for _, m := range result.Matches {
		if m.MatchAddress == address {
			return true
		}
	}
	return false
}

// Active lists the IDs still in the index.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every running task has finalized.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) forget(taskID string) {
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
}

// FrameURL is the API path of a match image.
func FrameURL(taskID, address string) string {
	return "/frame/" + taskID + "/" + address
}
