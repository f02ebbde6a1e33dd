package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andresmejia3/facefind/internal/api"
	"github.com/andresmejia3/facefind/internal/task"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP task API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	p, models := newPipeline(st, cfg, task.SettingsFrom(cfg.Pipeline))
	manager := task.NewManager(p, uploadsDir(cfg))
	srv := api.NewServer(manager, log).NewHTTPServer(cfg.Server.Addr())

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Starting Face Recognition API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down Face Recognition API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown timed out")
	}

	// Running tasks always finalize, so wait for them before releasing the models.
	if active := manager.Active(); len(active) > 0 {
		log.WithField("tasks", len(active)).Info("Waiting for running tasks")
	}
	manager.Wait()
	if err := models.Close(); err != nil {
		log.WithError(err).Warn("Failed to release models")
	}
	return nil
}
