// Command gatewayd runs the smart HTTP reverse-proxy gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/korrelate/gateway/internal/balancer"
	"github.com/korrelate/gateway/internal/config"
	"github.com/korrelate/gateway/internal/gatewayhttp"
	"github.com/korrelate/gateway/internal/health"
	gmetrics "github.com/korrelate/gateway/internal/metrics"
	"github.com/korrelate/gateway/internal/routing"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "smart HTTP reverse-proxy gateway",
		Long: `gatewayd is a long-lived reverse-proxy gateway. It accepts client
HTTP requests on configured URL prefixes, selects a healthy upstream
destination per route policy, forwards the request while propagating
trust context, and tracks per-destination health so failing upstreams
are temporarily excluded from selection.`,
	}

	var configPath string
	var listenAddr string
	var metricsAddr string

	run := &cobra.Command{
		Use:   "run",
		Short: "run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, listenAddr, metricsAddr)
		},
	}
	run.Flags().StringVar(&configPath, "config", "gateway.yaml", "path to the gateway config file")
	run.Flags().StringVar(&listenAddr, "listen", ":8080", "data-plane listen address")
	run.Flags().StringVar(&metricsAddr, "metrics-listen", ":9090", "Prometheus metrics listen address")

	validate := &cobra.Command{
		Use:   "validate-config",
		Short: "load and validate a config file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			src := &config.FileSource{Path: configPath}
			snap, err := src.Load(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("config OK: %d routes\n", len(snap.Routes))
			return nil
		},
	}
	validate.Flags().StringVar(&configPath, "config", "gateway.yaml", "path to the gateway config file")

	root.AddCommand(run, validate)
	return root
}

func runGateway(configPath, listenAddr, metricsAddr string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := &config.FileSource{Path: configPath}
	snap, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	table := routing.NewTable(log)
	if err := table.Reload(ctx, source); err != nil {
		return fmt.Errorf("failed to populate route table: %w", err)
	}

	monitor := health.NewMonitor(&http.Client{Timeout: health.ProbeDeadline + time.Second}, log)
	bal := balancer.New(monitor)
	limiter := gatewayhttp.NewLimiter(gatewayhttp.DefaultRateLimitPermits, gatewayhttp.DefaultRateLimitWindow)

	m := gmetrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)
	monitor.SetMetrics(m)
	bal.SetMetrics(m)

	pipeline := gatewayhttp.NewPipeline(table, bal, monitor, limiter, m, log)
	pipeline.DefaultTimeoutSeconds = snap.Gateway.DefaultTimeoutSeconds
	pipeline.EnableRateLimiting = snap.Gateway.EnableRateLimiting
	pipeline.EnableCircuitBreaker = snap.Gateway.EnableCircuitBreaker
	pipeline.EnableAuthenticationForwarding = snap.Gateway.EnableAuthenticationForwarding
	pipeline.SetMaxConcurrentRequests(snap.Gateway.MaxConcurrentRequests)

	bal.SetLoadBalancingEnabled(snap.Gateway.EnableLoadBalancing)

	allDestinations := func() []string {
		routes := table.GetAll()
		seen := make(map[string]struct{})
		var out []string
		for _, route := range routes {
			for _, d := range route.Destinations {
				if _, ok := seen[d]; ok {
					continue
				}
				seen[d] = struct{}{}
				out = append(out, d)
			}
		}
		return out
	}
	prober := health.NewProber(monitor, allDestinations, health.DefaultProbeInterval, log)
	go prober.Run(ctx)

	dataServer := &http.Server{Addr: listenAddr, Handler: pipeline}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		log.Info("data plane listening", zap.String("addr", listenAddr))
		if err := dataServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("data plane: %w", err)
		}
	}()
	go func() {
		log.Info("metrics listening", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = dataServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}
