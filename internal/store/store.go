// Package store persists task results and per-match snapshots under a task ID.
//
// Every backend shares one layout: a task's output location holds a result document
// (result.json) written once at finalization, plus one JPEG per match named
// match_<seq>_frame_<frameIndex>.jpg. A location that exists without a result document
// belongs to a task that is still running.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/andresmejia3/facefind/internal/types"
)

var (
	// ErrNotFound means the task has no output location, or the requested image does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoResult means the output location exists but the task has not finalized yet.
	ErrNoResult = errors.New("result not finalized")
)

// ResultFile is the name of the result document inside a task's output location.
const ResultFile = "result.json"

// ResultStore is the durable, key-addressed home of task outputs.
type ResultStore interface {
	// Prepare creates the output location for taskID.
	Prepare(ctx context.Context, taskID string) error
	// Exists reports whether taskID has an output location.
	Exists(ctx context.Context, taskID string) (bool, error)
	// SaveMatchImage stores the annotated frame for a match address.
	SaveMatchImage(ctx context.Context, taskID, address string, jpeg []byte) error
	// Finalize writes the result document. The write is atomic for readers.
	Finalize(ctx context.Context, taskID string, result types.TaskResult) error
	// Load returns the result document, ErrNoResult while unfinalized, ErrNotFound without a location.
	Load(ctx context.Context, taskID string) (types.TaskResult, error)
	// LoadMatchImage returns the JPEG bytes stored under address.
	LoadMatchImage(ctx context.Context, taskID, address string) ([]byte, error)
	// Remove deletes the output location and everything in it.
	Remove(ctx context.Context, taskID string) error
	// Reset deletes every task's output.
	Reset(ctx context.Context) error
	Close() error
}

var (
	taskIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	addressPattern = regexp.MustCompile(`^(\d+)_(\d+)$`)
)

// ValidateTaskID rejects IDs that could escape the store's namespace.
func ValidateTaskID(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	return nil
}

// ImageName maps a match address ("<seq>_<frameIndex>") to its file name. Malformed addresses
// are reported as ErrNotFound.
func ImageName(address string) (string, error) {
	m := addressPattern.FindStringSubmatch(address)
	if m == nil {
		return "", fmt.Errorf("%w: malformed match address %q", ErrNotFound, address)
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil || seq < 1 {
		return "", fmt.Errorf("%w: malformed match address %q", ErrNotFound, address)
	}
	frame, err := strconv.Atoi(m[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed match address %q", ErrNotFound, address)
	}
	return fmt.Sprintf("match_%d_frame_%d.jpg", seq, frame), nil
}

// objectKey joins key parts with "/" for object-style backends.
func objectKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
