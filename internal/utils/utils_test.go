package utils

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	path := filepath.Join(t.TempDir(), "video_test.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video content"), 0644))

	id, err := GenerateVideoID(path)
	require.NoError(t, err)
	assert.Len(t, id, 64)

	// Verify Determinism
	id2, _ := GenerateVideoID(path)
	assert.Equal(t, id, id2, "hash is not deterministic")

	// Verify Sensitivity (Change content -> Change ID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	f.Write([]byte(" modification"))
	f.Close()
	// Size changes too, so mtime granularity does not matter.
	os.Chtimes(path, time.Now(), time.Now().Add(time.Second))

	id3, _ := GenerateVideoID(path)
	assert.NotEqual(t, id, id3, "hash did not change after file modification")

	_, err = GenerateVideoID(filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)
}

func TestShowError(t *testing.T) {
	var buf bytes.Buffer
	ShowError(&buf, "Failed to open video", errors.New("no such file"), nil)

	out := buf.String()
	assert.Contains(t, out, "FACEFIND ERROR: Failed to open video")
	assert.Contains(t, out, "DETAILS: no such file")
	assert.NotContains(t, out, "CHILD PROCESS LOGS")
}

func TestShowErrorWithCapturedLogs(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "true")
	cmd.Stderr.WriteString("Traceback: model not found")

	var buf bytes.Buffer
	ShowError(&buf, "Worker startup failed", nil, cmd)

	out := buf.String()
	assert.NotContains(t, out, "DETAILS")
	assert.Contains(t, out, "CHILD PROCESS LOGS")
	assert.Contains(t, out, "Traceback: model not found")
}

func TestNewSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	err := cmd.Run()
	require.Error(t, err)
	assert.Equal(t, "boom\n", cmd.Stderr.String())
}
