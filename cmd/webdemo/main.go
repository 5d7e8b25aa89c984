// Package main is a small web host that exercises the queue-time agent. It
// serves a page wrapped in the dynoscale middleware and exposes the agent's
// self-metrics on /metrics.
//
// Run it with DYNO=web.1 and DYNOSCALE_URL set. Setting DYNOSCALE_DEV_MODE
// fabricates request start headers so the pipeline runs without a router.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/logging"
	"github.com/Guliveer/dynoscale/agent/pkg/dynoscale"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("webdemo", pflag.ContinueOnError)
	addr := flagSet.String("addr", defaultAddr(), "listen address")
	configPath := flagSet.String("config", "", "path to a YAML file with agent tunables")
	maxDelay := flagSet.Duration("max-delay", 200*time.Millisecond, "upper bound of the simulated handler latency")
	writeConfig := flagSet.String("write-config", "", "write the effective agent tunables to this path and exit")
	showVersion := flagSet.Bool("version", false, "show version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Printf("dynoscale-webdemo %s\n", dynoscale.Version())
		return nil
	}

	cfg, err := config.LoadLayered(embeddedConfig, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *writeConfig != "" {
		if err := config.WriteConfig(cfg, *writeConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Wrote config to %s\n", *writeConfig)
		return nil
	}
	logger := logging.New(cfg.Logging)
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	agent, err := dynoscale.New(
		dynoscale.WithEmbeddedConfig(embeddedConfig),
		dynoscale.WithConfigFile(*configPath),
		dynoscale.WithLogger(logger),
		dynoscale.WithRegisterer(reg),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	defer agent.Close()

	mux := http.NewServeMux()
	mux.Handle("/", dynoscale.Middleware(agent)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if *maxDelay > 0 {
			time.Sleep(rand.N(*maxDelay))
		}
		fmt.Fprintf(w, "Hello from %s\n", cfg.Dyno)
	})))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening",
			zap.String("addr", *addr),
			zap.String("dyno", cfg.Dyno),
			zap.Bool("recording", agent.IsValid()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func defaultAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8000"
}
