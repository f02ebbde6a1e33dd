package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/andresmejia3/facefind/internal/video/videotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, f *fixture) *Manager {
	t.Helper()
	return NewManager(f.pipeline, filepath.Join(f.dir, "uploads"))
}

func submit(t *testing.T, m *Manager, withFace bool, video string) string {
	t.Helper()
	id, err := m.Submit(context.Background(), bytes.NewReader(referencePNG(t, withFace)), strings.NewReader(video))
	require.NoError(t, err)
	return id
}

func TestManagerLifecycle(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, clip(125, 50, 75), &gatedDetector{inner: markerDetector(), gate: gate})
	m := newManager(t, f)

	id := submit(t, m, true, "video")
	assert.Contains(t, m.Active(), id)

	// Visible as processing before the pipeline gets anywhere.
	snap, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, snap.Status)
	assert.Equal(t, id, snap.TaskID)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 0, snap.Progress.Matches)

	close(gate)
	m.Wait()

	snap, err = m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, 6, snap.Result.MatchCount)
	for _, match := range snap.Result.Matches {
		assert.Equal(t, "/frame/"+id+"/"+match.MatchAddress, match.FrameURL)
	}
	assert.NotContains(t, m.Active(), id, "terminal state observed, record removed")

	// The durable result outlives the index entry.
	again, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, snap, again)

	entries, err := os.ReadDir(filepath.Join(f.dir, "uploads"))
	require.NoError(t, err)
	assert.Empty(t, entries, "uploads are removed once the task ends")
}

func TestManagerFailedTask(t *testing.T) {
	src := clip(125, 50, 75)
	f := newFixture(t, src, nil)
	m := newManager(t, f)

	id := submit(t, m, false, "video")
	m.Wait()

	snap, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, snap.Status)
	assert.Equal(t, types.ErrNoFaceDetected.Error(), snap.Result.Error)
	assert.Equal(t, 0, snap.Result.MatchCount)
	assert.Equal(t, 0, src.Opens())
}

func TestManagerFetchFrame(t *testing.T) {
	f := newFixture(t, clip(30, 10, 15), nil)
	m := newManager(t, f)
	ctx := context.Background()

	id := submit(t, m, true, "video")
	m.Wait()

	snap, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Result.Matches, 2)

	for _, match := range snap.Result.Matches {
		data, err := m.FetchFrame(ctx, id, match.MatchAddress)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "frames are served as JPEG")

		stored, err := f.store.LoadMatchImage(ctx, id, match.MatchAddress)
		require.NoError(t, err)
		assert.Equal(t, stored, data)
	}

	_, err = m.FetchFrame(ctx, id, "3_20")
	assert.ErrorIs(t, err, types.ErrFrameNotFound)
	_, err = m.FetchFrame(ctx, id, "garbage")
	assert.ErrorIs(t, err, types.ErrFrameNotFound)
	_, err = m.FetchFrame(ctx, "no-such-task", "1_10")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestManagerUnknownTask(t *testing.T) {
	f := newFixture(t, clip(10, 0, 0), nil)
	m := newManager(t, f)

	_, err := m.Status(context.Background(), "8c4a-unknown")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
	_, err = m.Status(context.Background(), "../../etc")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestManagerConcurrentTasks(t *testing.T) {
	early := clip(100, 10, 20)
	late := clip(100, 60, 90)
	src := &routingSource{clips: map[string]*videotest.Source{"early": early, "late": late}}
	f := newFixture(t, src, nil)
	m := newManager(t, f)

	var (
		wg  sync.WaitGroup
		ids = make([]string, 2)
		ref = referencePNG(t, true)
	)
	for i, name := range []string{"early", "late"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Submit(context.Background(), bytes.NewReader(ref), strings.NewReader(name))
			if assert.NoError(t, err) {
				ids[i] = id
			}
		}()
	}
	wg.Wait()
	m.Wait()
	require.NotEqual(t, ids[0], ids[1])

	frames := func(id string) []int {
		snap, err := m.Status(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, types.StatusCompleted, snap.Status, snap.Result.Error)
		var out []int
		for _, match := range snap.Result.Matches {
			out = append(out, match.FrameNumber)
		}
		return out
	}
	assert.Equal(t, []int{10, 15, 20}, frames(ids[0]))
	assert.Equal(t, []int{60, 65, 70, 75, 80, 85, 90}, frames(ids[1]))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestManagerSubmitFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, clip(10, 0, 0), nil)
	m := newManager(t, f)
	m.newID = func() string { return "doomed" }

	_, err := m.Submit(context.Background(), bytes.NewReader(referencePNG(t, true)), failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	assert.Empty(t, m.Active())
	ok, err := f.store.Exists(context.Background(), "doomed")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(f.dir, "uploads", "doomed"))
	assert.True(t, os.IsNotExist(err))

	_, err = m.Status(context.Background(), "doomed")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestSnapshotJSON(t *testing.T) {
	processing := Snapshot{TaskID: "abc", Status: types.StatusProcessing, Progress: &Progress{FramesRead: 200, TotalFrames: 1000, Matches: 3}}
	data, err := json.Marshal(processing)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"processing","task_id":"abc","progress":{"frames_read":200,"total_frames":1000,"matches":3}}`, string(data))

	completed := Snapshot{TaskID: "abc", Status: types.StatusCompleted, Result: types.Completed(nil)}
	data, err = json.Marshal(completed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"completed","matches":[],"match_count":0}`, string(data))

	failed := Snapshot{TaskID: "abc", Status: types.StatusFailed, Result: types.Failed(errors.New("boom"))}
	data, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"failed","matches":[],"match_count":0,"error":"boom"}`, string(data))
}

// unsavableStore loses every final result.
type unsavableStore struct {
	*store.FileStore
}

func (unsavableStore) Finalize(ctx context.Context, taskID string, result types.TaskResult) error {
	return errors.New("disk full")
}

func TestManagerUnsavedResultIsTerminal(t *testing.T) {
	f := newFixture(t, clip(30, 10, 15), nil)
	f.pipeline.Store = unsavableStore{f.store}
	m := newManager(t, f)

	id := submit(t, m, true, "video")
	m.Wait()

	for range 2 {
		snap, err := m.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, snap.Status)
		assert.Contains(t, snap.Result.Error, "failed to persist task result")
		assert.Contains(t, snap.Result.Error, "disk full")
		assert.Empty(t, snap.Result.Matches)
	}
	assert.Contains(t, m.Active(), id, "kept in the index, no durable result exists")
}

func TestManagerFailedTaskHidesEarlierFrames(t *testing.T) {
	// Call 1 is the reference, call 13 is frame 60, after matches at frames 50 and 55.
	det := &flakyDetector{inner: markerDetector(), failOn: 13}
	f := newFixture(t, clip(125, 50, 75), det)
	m := newManager(t, f)
	ctx := context.Background()

	id := submit(t, m, true, "video")
	m.Wait()

	snap, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, snap.Status)
	assert.Empty(t, snap.Result.Matches)

	// The frame was written before the failure but is not part of the result.
	_, err = f.store.LoadMatchImage(ctx, id, "1_50")
	require.NoError(t, err)

	for _, address := range []string{"1_50", "2_55"} {
		_, err = m.FetchFrame(ctx, id, address)
		assert.ErrorIs(t, err, types.ErrFrameNotFound, address)
	}
}
