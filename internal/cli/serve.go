package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/example/dojang/internal/logger"
	"github.com/example/dojang/internal/scheduler"
	"github.com/example/dojang/pkg/models"
)

// logNotifier writes study reminders to the log.
type logNotifier struct {
	log *logger.Logger
}

func (n logNotifier) NotifyDue(_ context.Context, p models.Profile, count int) error {
	n.log.Info("study reminder", "profile_id", p.ID, "profile", p.Name, "due", count)
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background snapshot warming, reminders and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			jobs := scheduler.New(a.engine, logNotifier{log: a.log}, scheduler.Config{
				WarmInterval:    a.cfg.WarmInterval,
				WarmConcurrency: a.cfg.WarmConcurrency,
				StartHour:       a.cfg.ReminderStartHour,
				EndHour:         a.cfg.ReminderEndHour,
				Location:        a.cfg.Location,
			}, a.log)
			if err := jobs.Start(ctx); err != nil {
				return err
			}
			defer jobs.Stop()

			var srv *http.Server
			if a.cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics server failed", "error", err)
						cancel()
					}
				}()
				a.log.Info("metrics server listening", "addr", a.cfg.MetricsAddr)
			}

			a.log.Info("dojang started, press Ctrl+C to stop")
			select {
			case sig := <-sigChan:
				a.log.Info("received signal", "signal", sig.String())
			case <-ctx.Done():
			}
			cancel()

			if srv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.log.Error("error during shutdown", "error", err)
				}
			}
			a.log.Info("dojang stopped")
			return nil
		},
	}
}
