package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"minikv/config"
	"minikv/server"
	"minikv/storage/backend"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	dir := flag.String("dir", "", "Data directory (overrides config)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	backendName := flag.String("backend", "", "Storage backend: lsm, hash, btree or leveldb (overrides config)")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		level.Error(logger).Log("msg", "load config", "err", err)
		os.Exit(1)
	}

	if *dir != "" {
		cfg.DataDir = *dir
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	logger = level.NewFilter(logger, levelOption(cfg.LogLevel))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registerer := prometheus.WrapRegistererWithPrefix("minikv_", registry)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		level.Error(logger).Log("msg", "create data dir", "err", err)
		os.Exit(1)
	}

	b, err := backend.Open(logger, registerer, cfg)
	if err != nil {
		level.Error(logger).Log("msg", "open backend", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Server.MetricsAddr != "" {
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Error(logger).Log("msg", "metrics server", "err", err)
			}
		}()
	}

	logger.Log("msg", "app started...", "backend", cfg.Backend, "dir", cfg.DataDir)

	srv := server.New(logger, registerer, b, cfg.Server)
	if err := srv.ListenAndServe(ctx); err != nil {
		level.Error(logger).Log("msg", "server stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)

	if err := b.Close(); err != nil {
		level.Error(logger).Log("msg", "close backend", "err", err)
	}

	logger.Log("msg", "exiting...")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}

	return config.Load(path)
}

func levelOption(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
