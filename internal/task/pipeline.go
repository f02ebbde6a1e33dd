// Package task runs reference-face searches and tracks their lifecycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facefind/internal/config"
	"github.com/andresmejia3/facefind/internal/imageio"
	"github.com/andresmejia3/facefind/internal/match"
	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/andresmejia3/facefind/internal/video"
	"github.com/andresmejia3/facefind/internal/vision"
	"github.com/sirupsen/logrus"
)

// progressEvery is how often, in decoded frames, a running task logs its progress.
const progressEvery = 100

// ModelProvider hands out the process-wide Detector and Embedder.
type ModelProvider interface {
	Acquire(ctx context.Context) (vision.Models, func(), error)
}

// Settings is the fixed per-task policy.
type Settings struct {
	SampleStep       int
	Threshold        float64
	Gain             float64
	Engines          int
	FrameErrorPolicy string
}

// DefaultSettings mirrors config.Default().
func DefaultSettings() Settings {
	return Settings{
		SampleStep:       video.DefaultStep,
		Threshold:        match.DefaultThreshold,
		Gain:             imageio.DefaultGain,
		Engines:          1,
		FrameErrorPolicy: config.PolicyAbort,
	}
}

// SettingsFrom extracts the pipeline policy from a loaded configuration.
func SettingsFrom(cfg config.PipelineConfig) Settings {
	return Settings{
		SampleStep:       cfg.SampleStep,
		Threshold:        cfg.MatchThreshold,
		Gain:             cfg.BrightnessGain,
		Engines:          cfg.Engines,
		FrameErrorPolicy: cfg.FrameErrorPolicy,
	}
}

// Progress is a point-in-time view of a running task.
type Progress struct {
	FramesRead  int `json:"frames_read"`
	TotalFrames int `json:"total_frames,omitempty"`
	Matches     int `json:"matches"`
}

// Tracker publishes a task's progress to other goroutines.
type Tracker struct {
	framesRead  atomic.Int64
	totalFrames atomic.Int64
	matches     atomic.Int64
}

func (t *Tracker) Progress() Progress {
	return Progress{
		FramesRead:  int(t.framesRead.Load()),
		TotalFrames: int(t.totalFrames.Load()),
		Matches:     int(t.matches.Load()),
	}
}

// Pipeline executes one task end to end: reference encoding, frame sampling, matching and
// persistence.
type Pipeline struct {
	Store    store.ResultStore
	Models   ModelProvider
	Source   video.Source
	Settings Settings
	Log      logrus.FieldLogger
}

// Run executes the task and always finalizes it. Every failure, including a panic, ends up
// in a failed result rather than being returned. The error reports only a result that could
// not be persisted; the returned result is then not durable.
func (p *Pipeline) Run(ctx context.Context, taskID, referencePath, videoPath string, tr *Tracker) (types.TaskResult, error) {
	log := p.log().WithField("task_id", taskID)
	if tr == nil {
		tr = &Tracker{}
	}
	rec := store.NewRecorder(p.Store, taskID)

	err := p.safeExecute(ctx, log, rec, referencePath, videoPath, tr)

	// Finalize even when ctx is already done, polling callers must see a terminal state.
	finalCtx := context.WithoutCancel(ctx)
	var (
		result   types.TaskResult
		finalErr error
	)
	if err != nil {
		log.WithError(err).Error("Task failed")
		result, finalErr = rec.Fail(finalCtx, err)
	} else {
		result, finalErr = rec.Complete(finalCtx)
		log.WithFields(logrus.Fields{"matches": result.MatchCount, "frames": tr.Progress().FramesRead}).Info("Task completed")
	}
	if finalErr != nil {
		log.WithError(finalErr).Error("Failed to persist task result")
		return result, fmt.Errorf("failed to persist task result: %w", finalErr)
	}
	return result, nil
}

func (p *Pipeline) safeExecute(ctx context.Context, log logrus.FieldLogger, rec *store.Recorder, referencePath, videoPath string, tr *Tracker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return p.execute(ctx, log, rec, referencePath, videoPath, tr)
}

func (p *Pipeline) execute(ctx context.Context, log logrus.FieldLogger, rec *store.Recorder, referencePath, videoPath string, tr *Tracker) error {
	models, release, err := p.Models.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	defer release()

	// 1. Reference faces. No video is opened when this fails.
	refImg, err := readReference(referencePath)
	if err != nil {
		return err
	}
	refs, err := match.EncodeReference(ctx, models, refImg)
	if err != nil {
		return err
	}
	log.WithField("faces", len(refs)).Info("Reference encoded")

	// 2. Video stream
	sampler, err := video.Open(ctx, p.Source, videoPath, p.Settings.SampleStep)
	if err != nil {
		return err
	}
	defer sampler.Close()

	tr.totalFrames.Store(int64(sampler.TotalFrames()))
	log.WithFields(logrus.Fields{"fps": sampler.FrameRate(), "total_frames": sampler.TotalFrames()}).Info("Video opened")

	engine := &match.Engine{Models: models, Threshold: p.Settings.Threshold, Log: log}
	h := &frameHandler{rec: rec, tr: tr, log: log, skip: p.Settings.FrameErrorPolicy == config.PolicySkip}
	frames := &frameReader{sampler: sampler, gain: p.Settings.Gain, tr: tr, log: log}

	// 3. Matching
	if p.Settings.Engines > 1 {
		return matchParallel(ctx, p.Settings.Engines, frames, engine, refs, sampler.FrameRate(), h)
	}
	for {
		f, err := frames.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		matches, err := engine.MatchFrame(ctx, f.image, f.index, sampler.FrameRate(), refs)
		if err := h.handle(ctx, frameResult{frame: f, matches: matches, err: err}); err != nil {
			return err
		}
	}
}

func readReference(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference image: %w", err)
	}
	defer f.Close()
	return imageio.DecodeReference(f)
}

type preparedFrame struct {
	seq   int
	index int
	image *image.NRGBA
}

type frameResult struct {
	frame   preparedFrame
	matches []match.Match
	err     error
}

// frameReader pulls sampled frames and applies the brightness correction.
type frameReader struct {
	sampler *video.Sampler
	gain    float64
	tr      *Tracker
	log     logrus.FieldLogger
	seq     int
}

func (r *frameReader) next() (preparedFrame, error) {
	before := r.sampler.FramesRead()
	f, err := r.sampler.Next()
	read := r.sampler.FramesRead()
	r.tr.framesRead.Store(int64(read))
	if read/progressEvery > before/progressEvery {
		r.log.WithFields(logrus.Fields{"frames": read, "total_frames": r.sampler.TotalFrames()}).Info("Processing frames")
	}
	if err != nil {
		return preparedFrame{}, err
	}

	pf := preparedFrame{seq: r.seq, index: f.Index, image: imageio.Prepare(f.Image, r.gain)}
	r.seq++
	return pf, nil
}

// frameHandler persists one frame's matches, in frame order.
type frameHandler struct {
	rec  *store.Recorder
	tr   *Tracker
	log  logrus.FieldLogger
	skip bool
}

func (h *frameHandler) handle(ctx context.Context, r frameResult) error {
	if r.err != nil {
		if h.skip {
			h.log.WithError(r.err).WithField("frame", r.frame.index).Warn("Skipping frame")
			return nil
		}
		return r.err
	}

	for _, m := range r.matches {
		jpeg, err := imageio.EncodeJPEG(imageio.Annotate(r.frame.image, m.Box))
		if err != nil {
			return fmt.Errorf("frame %d: %w", r.frame.index, err)
		}
		if err := h.rec.Record(ctx, m.Record, jpeg); err != nil {
			return err
		}
		h.log.WithFields(logrus.Fields{
			"frame":    m.Record.FrameNumber,
			"time":     fmt.Sprintf("%.2fs", m.Record.Timestamp),
			"distance": m.Record.Distance,
		}).Debug("Match found")
	}
	h.tr.matches.Store(int64(h.rec.Count()))
	return nil
}

// matchParallel fans sampled frames out to n matching goroutines and hands the results to h
// strictly in sampling order, so the recorded matches are identical to a sequential run.
func matchParallel(ctx context.Context, n int, frames *frameReader, engine *match.Engine, refs types.ReferenceSet, fps float64, h *frameHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan preparedFrame, n)
	results := make(chan frameResult, n*2)

	var readErr error
	go func() {
		defer close(jobs)
		for {
			f, err := frames.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				return
			}
			select {
			case jobs <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				matches, err := engine.MatchFrame(ctx, f.image, f.index, fps, refs)
				results <- frameResult{frame: f, matches: matches, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Buffer for re-ordering frames (worker 2 might finish before worker 1)
	buffer := make(map[int]frameResult)
	next := 0
	var handleErr error
	for res := range results {
		if handleErr != nil {
			continue // drain so the workers can exit
		}
		buffer[res.frame.seq] = res
		for {
			r, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			next++
			if err := h.handle(ctx, r); err != nil {
				handleErr = err
				cancel()
				break
			}
		}
	}

	if handleErr != nil {
		return handleErr
	}
	return readErr
}

func (p *Pipeline) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}
