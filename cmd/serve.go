package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/api"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook receiver and job control server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		// A previous process may have died mid-run. Put its leases back and
		// continue delivery in the background.
		if err := resumeInterrupted(ctx, st); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.New(st, runner, dispatch.New(st)).Router(),
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if cfg.Server.SweepIntervalSecs > 0 {
			g.Go(func() error {
				return sweepLoop(ctx, st, time.Duration(cfg.Server.SweepIntervalSecs)*time.Second)
			})
		}

		return g.Wait()
	},
}

// resumeInterrupted resets leases orphaned by a crash. Jobs left in running
// are moved to paused; an operator (or the resume endpoint) picks them up.
func resumeInterrupted(ctx context.Context, st store.Store) error {
	jobs, err := st.ListJobs(ctx, store.JobFilter{Status: model.JobRunning})
	if err != nil {
		return eris.Wrap(err, "serve: list running jobs")
	}
	for _, job := range jobs {
		reset, err := st.ResumeStuckItems(ctx, job.ID)
		if err != nil {
			return eris.Wrapf(err, "serve: reset job %d", job.ID)
		}
		err = st.UpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobRunning}, model.JobPaused)
		if err != nil && !store.IsConflict(err) {
			return eris.Wrapf(err, "serve: pause interrupted job %d", job.ID)
		}
		zap.L().Warn("interrupted job paused",
			zap.Int64("job_id", job.ID),
			zap.Int("items_reset", reset),
		)
	}
	return nil
}

// sweepLoop periodically reconciles paused jobs: stuck processing items go
// back to pending and the aggregate counters are recomputed.
func sweepLoop(ctx context.Context, st store.Store, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			jobs, err := st.ListJobs(ctx, store.JobFilter{Status: model.JobPaused})
			if err != nil {
				zap.L().Error("sweep: list jobs", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				if reset, err := st.ResumeStuckItems(ctx, job.ID); err != nil {
					zap.L().Error("sweep: reset items", zap.Int64("job_id", job.ID), zap.Error(err))
				} else if reset > 0 {
					zap.L().Info("sweep: reset stuck items", zap.Int64("job_id", job.ID), zap.Int("count", reset))
				}
				if _, err := st.RecomputeJobCounts(ctx, job.ID); err != nil {
					zap.L().Error("sweep: recompute counts", zap.Int64("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
