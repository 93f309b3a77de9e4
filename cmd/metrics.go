// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/metrics"
)

func (c *cli) metricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve table fill levels on a Prometheus endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			listen := c.cfg.Metrics.Listen
			if c.v.IsSet("listen") {
				listen = c.v.GetString("listen")
			}
			interval := c.v.GetDuration("interval")
			if interval <= 0 {
				return errors.Errorf(errors.KindValidation, "--interval must be positive, got %s", interval)
			}

			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			collector := metrics.NewCollector(reg, c.logger.WithComponent("metrics"), interval)
			promReg := prometheus.NewRegistry()
			promReg.MustRegister(
				collector,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			go collector.Start()
			defer collector.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveMetrics(ctx, c, listen, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		},
	}
	cmd.Flags().String("listen", "", "address to serve /metrics on (default from config)")
	cmd.Flags().Duration("interval", 15*time.Second, "sampling interval for append rates")
	return cmd
}

func serveMetrics(ctx context.Context, c *cli, listen string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("Serving metrics", "listen", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "metrics listener failed"), "listen", listen)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.logger.Info("Stopping metrics server")
	return srv.Shutdown(shutdownCtx)
}
