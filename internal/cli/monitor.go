package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/audit"
)

// MonitorOptions holds flags for the monitor command.
type MonitorOptions struct {
	*RootOptions
	Addr     string
	Interval time.Duration
}

// NewMonitorCommand creates the monitor command.
func NewMonitorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MonitorOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Probe shard health and serve metrics over HTTP",
		Long: `Probe every shard on an interval and serve:

  /metrics      Prometheus metrics
  /health       per-shard health (503 when any shard is unhealthy)
  /allocation   the allocation report

A shard that fails audit.max_failures probes in a row stops taking writes.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":9090", "listen address")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "probe interval (default audit.monitor_interval)")
	return cmd
}

func runMonitor(opts *MonitorOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var monOpts []audit.MonitorOption
	if opts.Interval > 0 {
		monOpts = append(monOpts, audit.WithInterval(opts.Interval))
	}
	mon := s.Monitor(monOpts...)
	mon.Start(ctx)
	defer mon.Stop()

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           newMonitorRouter(s.Auditor, mon, s.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("monitor listening", "addr", opts.Addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Monitoring %d shards on %s. Press Ctrl-C to stop.\n", s.Registry.Len(), opts.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "monitor server failed", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("monitor shutdown", "error", err)
	}
	slog.Info("monitor stopped")
	return nil
}

// newMonitorRouter serves metrics, health, and allocation.
func newMonitorRouter(a *audit.Auditor, mon *audit.Monitor, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		if !mon.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, mon.All())
	})

	r.Get("/allocation", func(w http.ResponseWriter, req *http.Request) {
		alloc, err := a.AllocationReport(req.Context())
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, alloc)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
