package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/constants"
	"github.com/kozaktomas/face-engine/internal/jobs"
	"github.com/kozaktomas/face-engine/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator server and job workers",
	Long: `Start the operator HTTP server together with the background job workers.

The server exposes health and metrics endpoints and the job and suggestion
review API under /api/v1. Queued index side effects are retried
periodically while the server runs.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Address to listen on (default from HTTP_ADDR)")
	serveCmd.Flags().Int("workers", 0, "Job worker count (default from JOB_WORKERS)")
	serveCmd.Flags().Duration("replay-interval", 5*time.Minute, "How often to retry queued index side effects (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if addr := mustGetString(cmd, "addr"); addr != "" {
		a.cfg.HTTP.Addr = addr
	}
	workers := a.cfg.Jobs.Workers
	if n := mustGetInt(cmd, "workers"); n > 0 {
		workers = n
	}

	queue := jobs.NewQueue(workers, constants.JobBacklog, a.logger.Named("jobs"))
	jobs.RegisterHandlers(queue, jobs.Components{
		Clusterer:  a.clusterer,
		Centroids:  a.centroidMg,
		Suggester:  a.suggester,
		Reconciler: a.syncer,
	})
	queue.Start(ctx)

	server := web.NewServer(a.cfg.HTTP, web.Deps{
		Jobs:        queue,
		Reviewer:    a.suggester,
		Suggestions: a.store,
		Checks:      a.checks(),
	}, a.logger.Named("http"))

	if interval, _ := cmd.Flags().GetDuration("replay-interval"); interval > 0 {
		go scheduleReplay(ctx, queue, interval, a.logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	var serveErr error
	select {
	case <-sigChan:
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", zap.Error(err))
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		a.logger.Error("job queue shutdown", zap.Error(err))
	}
	if serveErr != nil {
		return fmt.Errorf("serving: %w", serveErr)
	}
	return nil
}

// scheduleReplay enqueues a replay job every interval until ctx is done.
func scheduleReplay(ctx context.Context, q *jobs.Queue, interval time.Duration, log *zap.Logger) {
	params, _ := json.Marshal(jobs.ReplayParams{Limit: constants.DefaultReplayLimit})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := q.Enqueue(ctx, jobs.TypeReplay, params)
			switch {
			case err == nil:
			case errors.Is(err, jobs.ErrQueueClosed):
				return
			default:
				log.Warn("scheduling replay job", zap.Error(err))
			}
		}
	}
}
