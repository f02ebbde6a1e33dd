package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/task"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/andresmejia3/facefind/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// ScanOptions holds the flags of the scan command
type ScanOptions struct {
	ReferencePath  string
	InputPath      string
	OutputDir      string
	NthFrame       int
	NumEngines     int
	MatchThreshold float64
	Gain           float64
}

var scanOpts ScanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Search a video for a reference face and save every match",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		settings := applyScanFlags(cmd, task.SettingsFrom(cfg.Pipeline), scanOpts)
		if scanOpts.OutputDir == "" {
			scanOpts.OutputDir = resultsDir(cfg)
		}
		if err := validateScanFlags(&scanOpts, &settings); err != nil {
			utils.ShowError(os.Stderr, "Invalid arguments", err, nil)
			return err
		}

		fs, err := store.NewFileStore(scanOpts.OutputDir)
		if err != nil {
			utils.Die("Failed to create output directory", err, nil)
		}
		p, models := newPipeline(fs, cfg, settings)
		defer models.Close()

		result, err := runScan(cmd.Context(), scanOpts, p, os.Stderr)
		if err != nil {
			utils.ShowError(os.Stderr, "Scan did not produce a saved result", err, nil)
			return err
		}
		if result.Status == types.StatusFailed {
			utils.ShowError(os.Stderr, "Scan failed", errors.New(result.Error), nil)
			return errors.New("scan failed")
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.ReferencePath, "reference", "r", "", "Path to the reference face image")
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.OutputDir, "output", "o", "", "Directory for result.json and match frames (default: <work_dir>/results)")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 5, "Sample every nth frame")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of parallel matching engines")
	scanCmd.Flags().Float64VarP(&scanOpts.MatchThreshold, "threshold", "t", 0.8, "Face match threshold (L2 distance, lower is stricter)")
	scanCmd.Flags().Float64Var(&scanOpts.Gain, "gain", 2.122, "Brightness gain applied to every sampled frame")

	scanCmd.MarkFlagRequired("reference")
	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// applyScanFlags overrides the configured pipeline settings with explicitly set flags.
func applyScanFlags(cmd *cobra.Command, s task.Settings, opts ScanOptions) task.Settings {
	flags := cmd.Flags()
	if flags.Changed("nth-frame") {
		s.SampleStep = opts.NthFrame
	}
	if flags.Changed("engines") {
		s.Engines = opts.NumEngines
	}
	if flags.Changed("threshold") {
		s.Threshold = opts.MatchThreshold
	}
	if flags.Changed("gain") {
		s.Gain = opts.Gain
	}
	return s
}

// runScan runs one task synchronously, drawing a progress bar on w, and prints the summary.
// Task failures are reported in the returned result. The error is reserved for a scan that
// could not start or whose result could not be saved.
func runScan(ctx context.Context, opts ScanOptions, p *task.Pipeline, w io.Writer) (types.TaskResult, error) {
	// 1. Deterministic task ID, re-scanning the same file overwrites its previous output
	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return types.TaskResult{}, fmt.Errorf("failed to generate video ID: %w", err)
	}
	taskID := videoID[:16]
	if err := p.Store.Prepare(ctx, taskID); err != nil {
		return types.TaskResult{}, fmt.Errorf("failed to create output location: %w", err)
	}
	fmt.Fprintf(w, "📼 Processing Video ID: %s\n", taskID[:12])
	fmt.Fprintf(w, "⚙️  Sampling every %d frames with %d engine(s)...\n", p.Settings.SampleStep, p.Settings.Engines)

	// 2. Progress bar fed from the task tracker
	tr := &task.Tracker{}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 FaceFind Scanning"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		knownTotal := false
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				prog := tr.Progress()
				if !knownTotal && prog.TotalFrames > 0 {
					bar.ChangeMax(prog.TotalFrames)
					knownTotal = true
				}
				bar.Set(prog.FramesRead)
			}
		}
	}()

	// 3. Run to completion
	result, runErr := p.Run(ctx, taskID, opts.ReferencePath, opts.InputPath, tr)
	close(done)
	<-stopped
	bar.Set(tr.Progress().FramesRead)
	bar.Finish()

	fmt.Fprintf(w, "\n🏁 Scan Complete. Read %d frames.\n", tr.Progress().FramesRead)
	printSummary(w, result, opts.OutputDir, taskID)
	return result, runErr
}

func printSummary(w io.Writer, result types.TaskResult, outputDir, taskID string) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	if result.Status == types.StatusFailed {
		fmt.Fprintf(w, "❌ Failed: %s\n", result.Error)
	} else if result.MatchCount == 0 {
		fmt.Fprintln(w, "❌ The reference face does not appear in this video.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "MATCH\tFRAME\tTIME\tDISTANCE")
		fmt.Fprintln(tw, "-----\t-----\t----\t--------")
		for _, m := range result.Matches {
			fmt.Fprintf(tw, "%s\t%d\t%s (%.2fs)\t%.4f\n", m.MatchAddress, m.FrameNumber, fmtTime(m.Timestamp), m.Timestamp, m.Distance)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "👁️  Total Matches:   %d\n", result.MatchCount)
	fmt.Fprintf(w, "📁 Output:          %s/%s\n", outputDir, taskID)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *ScanOptions, s *task.Settings) error {
	if err := checkFile(opts.ReferencePath, "reference image"); err != nil {
		return err
	}
	if err := checkFile(opts.InputPath, "video"); err != nil {
		return err
	}
	if s.SampleStep < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", s.SampleStep)
	}
	if s.Engines < 1 {
		s.Engines = 1
	}
	if s.Threshold <= 0 {
		return fmt.Errorf("invalid match threshold: must be > 0, got %f", s.Threshold)
	}
	if s.Gain <= 0 {
		return fmt.Errorf("invalid gain: must be > 0, got %f", s.Gain)
	}
	return nil
}

func checkFile(path, what string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s does not exist: %s", what, path)
		}
		return fmt.Errorf("unable to access %s: %w", what, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path is a directory, expected a file: %s", what, path)
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
