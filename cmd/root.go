package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andresmejia3/facefind/internal/config"
	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/task"
	"github.com/andresmejia3/facefind/internal/video"
	"github.com/andresmejia3/facefind/internal/vision"
	"github.com/andresmejia3/facefind/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// cfg is the loaded configuration shared by subcommands
	cfg *config.Config
	// log is the process logger configured from cfg.Log
	log = logrus.New()

	cfgPath  string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facefind",
	Short:   "Find every appearance of a reference face in a video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		return setupLogger(log, cfg.Log, os.Stderr)
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func setupLogger(l *logrus.Logger, c config.LogConfig, w io.Writer) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.SetLevel(level)
	l.SetOutput(w)
	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q (use text or json)", c.Format)
	}
	return nil
}

// resultsDir and uploadsDir live under the configured work dir.
func resultsDir(c *config.Config) string { return filepath.Join(c.Store.WorkDir, "results") }
func uploadsDir(c *config.Config) string { return filepath.Join(c.Store.WorkDir, "uploads") }

// openStore connects the configured ResultStore backend.
func openStore(ctx context.Context, c *config.Config) (store.ResultStore, error) {
	switch c.Store.Backend {
	case config.StorePostgres:
		s, err := store.NewPostgres(ctx, c.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return s, nil
	case config.StoreCOS:
		return store.NewCOS(store.COSOptions{
			BucketURL: c.Store.COS.BucketURL,
			SecretID:  c.Store.COS.SecretID,
			SecretKey: c.Store.COS.SecretKey,
			Prefix:    c.Store.COS.Prefix,
		})
	default:
		return store.NewFileStore(resultsDir(c))
	}
}

// modelLoader returns the loader for the configured model backend. Nothing starts until
// the first task acquires the models.
func modelLoader(c config.ModelsConfig, engines int) vision.Loader {
	return func(ctx context.Context) (vision.Models, io.Closer, error) {
		switch c.Backend {
		case config.BackendCompreFace:
			cf := vision.NewCompreFace(c.CompreFace.URL, c.CompreFace.DetectionKey, c.CompreFace.MinProb, c.InputSize)
			return vision.Models{Detector: cf, Embedder: cf}, nil, nil
		default:
			// Workers outlive the task that loaded them.
			pool, err := worker.NewPool(context.WithoutCancel(ctx), engines, c.WorkerCommand, c.ModelPath, c.InputSize)
			if err != nil {
				return vision.Models{}, nil, fmt.Errorf("failed to start model workers: %w", err)
			}
			return vision.Models{Detector: pool, Embedder: pool}, pool, nil
		}
	}
}

// newPipeline wires the configured backends into a Pipeline.
func newPipeline(s store.ResultStore, c *config.Config, settings task.Settings) (*task.Pipeline, *vision.Shared) {
	models := vision.NewShared(modelLoader(c.Models, settings.Engines))
	ff := video.NewFFmpeg()
	ff.Log = log
	return &task.Pipeline{
		Store:    s,
		Models:   models,
		Source:   ff,
		Settings: settings,
		Log:      log,
	}, models
}
