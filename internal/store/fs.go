package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facefind/internal/types"
)

// FileStore keeps each task under <root>/<taskID>/. Results survive process restarts.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string { return s.root }

// Dir is the output location of taskID.
func (s *FileStore) Dir(taskID string) string { return filepath.Join(s.root, taskID) }

func (s *FileStore) Prepare(ctx context.Context, taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	// Re-preparing a task discards its previous output.
	if err := os.RemoveAll(s.Dir(taskID)); err != nil {
		return fmt.Errorf("clear task dir: %w", err)
	}
	if err := ensureDirDurable(s.Dir(taskID), 0o755); err != nil {
		return fmt.Errorf("ensure task dir: %w", err)
	}
	return nil
}

func (s *FileStore) Exists(ctx context.Context, taskID string) (bool, error) {
	if ValidateTaskID(taskID) != nil {
		return false, nil
	}
	info, err := os.Stat(s.Dir(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (s *FileStore) SaveMatchImage(ctx context.Context, taskID, address string, jpeg []byte) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	name, err := ImageName(address)
	if err != nil {
		return err
	}
	return writeFileAtomicDurable(filepath.Join(s.Dir(taskID), name), jpeg, 0o644)
}

func (s *FileStore) Finalize(ctx context.Context, taskID string, result types.TaskResult) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := writeFileAtomicDurable(filepath.Join(s.Dir(taskID), ResultFile), data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, taskID string) (types.TaskResult, error) {
	ok, err := s.Exists(ctx, taskID)
	if err != nil {
		return types.TaskResult{}, err
	}
	if !ok {
		return types.TaskResult{}, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(taskID), ResultFile))
	if errors.Is(err, fs.ErrNotExist) {
		return types.TaskResult{}, ErrNoResult
	}
	if err != nil {
		return types.TaskResult{}, err
	}

	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.TaskResult{}, fmt.Errorf("invalid result on disk: %w", err)
	}
	return result, nil
}

func (s *FileStore) LoadMatchImage(ctx context.Context, taskID, address string) ([]byte, error) {
	if ValidateTaskID(taskID) != nil {
		return nil, ErrNotFound
	}
	name, err := ImageName(address)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(taskID), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (s *FileStore) Remove(ctx context.Context, taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	return os.RemoveAll(s.Dir(taskID))
}

// Reset removes every task directory but keeps root itself.
func (s *FileStore) Reset(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	// Best-effort durability: sync the directory and its parent.
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if parent := filepath.Dir(dir); parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

// writeFileAtomicDurable writes to a temp file in the target directory and renames it into
// place, so a concurrent reader sees either nothing or the complete file.
func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
