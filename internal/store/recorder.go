package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/andresmejia3/facefind/internal/types"
)

// Recorder accumulates the matches of one task in processing order and saves each
// annotated frame as it arrives. It is not safe for concurrent Record calls.
type Recorder struct {
	store   ResultStore
	taskID  string
	matches []types.MatchRecord
	count   atomic.Int64
}

func NewRecorder(s ResultStore, taskID string) *Recorder {
	return &Recorder{store: s, taskID: taskID, matches: []types.MatchRecord{}}
}

// Record assigns the next match sequence number, stores jpeg under the resulting address and
// appends the record.
func (r *Recorder) Record(ctx context.Context, rec types.MatchRecord, jpeg []byte) error {
	seq := len(r.matches) + 1
	rec.MatchAddress = types.MatchAddress(seq, rec.FrameNumber)
	if err := r.store.SaveMatchImage(ctx, r.taskID, rec.MatchAddress, jpeg); err != nil {
		return fmt.Errorf("saving match %s: %w", rec.MatchAddress, err)
	}
	r.matches = append(r.matches, rec)
	r.count.Store(int64(len(r.matches)))
	return nil
}

// Count may be read from any goroutine.
func (r *Recorder) Count() int { return int(r.count.Load()) }

func (r *Recorder) Matches() []types.MatchRecord { return r.matches }

// Complete finalizes the task as completed with everything recorded so far.
func (r *Recorder) Complete(ctx context.Context) (types.TaskResult, error) {
	result := types.Completed(r.matches)
	return result, r.store.Finalize(ctx, r.taskID, result)
}

// Fail finalizes the task as failed. Recorded matches are discarded from the result document.
func (r *Recorder) Fail(ctx context.Context, cause error) (types.TaskResult, error) {
	result := types.Failed(cause)
	return result, r.store.Finalize(ctx, r.taskID, result)
}
