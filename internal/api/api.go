// Package api exposes task submission and polling over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andresmejia3/facefind/internal/task"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/sirupsen/logrus"
)

// Multipart field names of POST /process.
const (
	FieldReference = "reference_image"
	FieldVideo     = "video_file"
)

// maxMemory is how much of a multipart body is held in memory before spilling to disk.
const maxMemory = 32 << 20

// Tasks is the task manager surface the handlers need.
type Tasks interface {
	Submit(ctx context.Context, reference, video io.Reader) (string, error)
	Status(ctx context.Context, taskID string) (task.Snapshot, error)
	FetchFrame(ctx context.Context, taskID, address string) ([]byte, error)
}

// Server serves the task API.
type Server struct {
	tasks Tasks
	log   logrus.FieldLogger
}

func NewServer(tasks Tasks, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{tasks: tasks, log: log}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /status/{task_id}", s.handleStatus)
	mux.HandleFunc("GET /frame/{task_id}/{frame_id}", s.handleFrame)
	return s.logRequests(mux)
}

// NewHTTPServer wraps the handler with the timeouts used in production. Uploads can be large,
// so only the header read is bounded.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Face Recognition API is running"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	reference, _, err := r.FormFile(FieldReference)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form file: "+FieldReference)
		return
	}
	defer reference.Close()

	video, _, err := r.FormFile(FieldVideo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form file: "+FieldVideo)
		return
	}
	defer video.Close()

	taskID, err := s.tasks.Submit(r.Context(), reference, video)
	if err != nil {
		s.log.WithError(err).Error("Error starting video processing")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(types.StatusProcessing),
		"task_id": taskID,
		"message": "Video processing started in the background",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	snap, err := s.tasks.Status(r.Context(), taskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.tasks.FetchFrame(r.Context(), r.PathValue("task_id"), r.PathValue("frame_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, types.ErrFrameNotFound):
		writeError(w, http.StatusNotFound, "Frame not found")
	default:
		s.log.WithError(err).Error("Request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("Request served")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
