package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/seatkeeper/internal/metrics"
	"github.com/MacJediWizard/seatkeeper/internal/schedule"
	"github.com/MacJediWizard/seatkeeper/internal/sdk"
	"github.com/MacJediWizard/seatkeeper/internal/shutdown"
)

func newRunCmd(g *globals) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduled license checks and usage reports",
		Long: `Run the installation's scheduled work as a long-running process.

The runner will:
  - Refresh the license status once a day while a license is active
  - Send the weekly usage report when reports are enabled
  - Optionally serve Prometheus metrics on --metrics-addr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address, e.g. :9464")

	return cmd
}

func runDaemon(cmd *cobra.Command, g *globals, metricsAddr string) (err error) {
	var opts []sdk.Option
	var m *metrics.PrometheusMetrics
	if metricsAddr != "" {
		m, err = metrics.NewPrometheusMetrics(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		opts = append(opts, sdk.WithMetrics(m))
	}

	ctx, c, err := g.open(cmd, opts...)
	if err != nil {
		return err
	}

	sm := shutdown.NewManager(shutdown.DefaultConfig(), c.Logger())
	sm.OnFinalize("client", c.Close)
	defer func() {
		if serr := sm.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			err = errors.Join(err, serr)
		}
	}()

	cfg := c.Config()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Seatkeeper %s starting...\n", Version)
	fmt.Fprintf(out, "Product: %s (%d)\n", cfg.Slug, cfg.ProductID)
	fmt.Fprintf(out, "License server: %s\n", cfg.LicenseServer)
	fmt.Fprintf(out, "Tick: %s\n", cfg.TickSpec)

	if !cfg.IsFree {
		if err := c.License().ScheduleCheck(ctx); err != nil {
			return err
		}
	}
	// the gauge starts out reflecting the stored license
	c.IsValid(ctx)

	runner := schedule.NewRunner(c.Scheduler(), cfg.TickSpec, c.Logger())
	runner.SetPrepare(c.Refresh)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	sm.OnDrain("runner", func(ctx context.Context) error {
		select {
		case <-runner.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	runner.RunNow()

	errCh := make(chan error, 1)
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		sm.OnDrain("metrics", srv.Shutdown)
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", metricsAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	fmt.Fprintln(out, "Runner started. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	return nil
}
