package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facefind/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s ResultStore) {
	t.Helper()
	ctx := context.Background()
	const taskID = "3f1c2a9e-aaaa-bbbb-cccc-000000000001"

	ok, err := s.Exists(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Load(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotFound, "no location yet")

	require.NoError(t, s.Prepare(ctx, taskID))
	ok, err = s.Exists(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Load(ctx, taskID)
	assert.ErrorIs(t, err, ErrNoResult, "location without result is still processing")

	rec := NewRecorder(s, taskID)
	require.NoError(t, rec.Record(ctx, types.MatchRecord{FrameNumber: 50, Timestamp: 2, Distance: 0.3}, []byte("jpeg-50")))
	require.NoError(t, rec.Record(ctx, types.MatchRecord{FrameNumber: 50, Timestamp: 2, Distance: 0.4}, []byte("jpeg-50b")))
	require.NoError(t, rec.Record(ctx, types.MatchRecord{FrameNumber: 55, Timestamp: 2.2, Distance: 0.5}, []byte("jpeg-55")))
	assert.Equal(t, 3, rec.Count())

	want, err := rec.Complete(ctx)
	require.NoError(t, err)

	got, err := s.Load(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.MatchCount)
	assert.Equal(t, []string{"1_50", "2_50", "3_55"}, []string{got.Matches[0].MatchAddress, got.Matches[1].MatchAddress, got.Matches[2].MatchAddress})

	img, err := s.LoadMatchImage(ctx, taskID, "2_50")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-50b"), img)

	_, err = s.LoadMatchImage(ctx, taskID, "4_60")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadMatchImage(ctx, taskID, "../result")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Remove(ctx, taskID))
	_, err = s.Load(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadMatchImage(ctx, taskID, "1_50")
	assert.ErrorIs(t, err, ErrNotFound)

	// Failed results share the completed shape.
	require.NoError(t, s.Prepare(ctx, "failed-task"))
	failed, err := NewRecorder(s, "failed-task").Fail(ctx, types.ErrVideoOpen)
	require.NoError(t, err)
	got, err = s.Load(ctx, "failed-task")
	require.NoError(t, err)
	assert.Equal(t, failed, got)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.NotNil(t, got.Matches)
	assert.Empty(t, got.Matches)
	assert.Equal(t, types.ErrVideoOpen.Error(), got.Error)

	// Re-preparing a task clears its previous output.
	require.NoError(t, s.Prepare(ctx, "rerun"))
	require.NoError(t, s.SaveMatchImage(ctx, "rerun", "1_5", []byte("old")))
	require.NoError(t, s.Finalize(ctx, "rerun", types.Completed(nil)))
	require.NoError(t, s.Prepare(ctx, "rerun"))
	_, err = s.Load(ctx, "rerun")
	assert.ErrorIs(t, err, ErrNoResult)
	_, err = s.LoadMatchImage(ctx, "rerun", "1_5")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Reset(ctx))
	ok, err = s.Exists(ctx, "failed-task")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStoreLayout(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Prepare(ctx, "task1"))
	require.NoError(t, s.SaveMatchImage(ctx, "task1", "1_50", []byte{0xFF, 0xD8}))
	require.NoError(t, s.Finalize(ctx, "task1", types.Completed(nil)))

	entries, err := os.ReadDir(s.Dir("task1"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"match_1_frame_50.jpg", "result.json"}, names, "no temp files are left behind")

	data, err := os.ReadFile(filepath.Join(s.Dir("task1"), "result.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"completed","matches":[],"match_count":0}`, string(data))
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, first.Prepare(ctx, "task1"))
	require.NoError(t, first.Finalize(ctx, "task1", types.Failed(errors.New("boom"))))

	second, err := NewFileStore(root)
	require.NoError(t, err)
	got, err := second.Load(ctx, "task1")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Prepare(ctx, "../escape"))
	ok, err := s.Exists(ctx, "..")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Load(ctx, "../../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageName(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{"1_50", "match_1_frame_50.jpg", false},
		{"12_125", "match_12_frame_125.jpg", false},
		{"0_50", "", true},
		{"1-50", "", true},
		{"1_", "", true},
		{"a_b", "", true},
		{"1_50/../../x", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got, err := ImageName(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateTaskID(t *testing.T) {
	assert.NoError(t, ValidateTaskID("3f1c2a9e-1b2c-4d5e-8f90-abcdefabcdef"))
	assert.NoError(t, ValidateTaskID("a1b2c3"))
	assert.Error(t, ValidateTaskID(""))
	assert.Error(t, ValidateTaskID(".hidden"))
	assert.Error(t, ValidateTaskID("a/b"))
	assert.Error(t, ValidateTaskID("-rf"))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "facefind/t1/result.json", objectKey("facefind/", "t1", "result.json"))
	assert.Equal(t, "t1/result.json", objectKey("", "/t1/", "result.json"))
}
