package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskbridge/taskbridge/core/broker"
	"github.com/taskbridge/taskbridge/core/infra/config"
	"github.com/taskbridge/taskbridge/core/infra/logging"
	"github.com/taskbridge/taskbridge/core/infra/metrics"
	"github.com/taskbridge/taskbridge/core/queue"
	"github.com/taskbridge/taskbridge/core/watchdog"
)

func main() {
	logging.Info("taskbridge-watchdog", "starting")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("taskbridge-watchdog", "load config failed", "error", err)
		os.Exit(1)
	}

	client, err := connectBroker(cfg)
	if err != nil {
		logging.Error("taskbridge-watchdog", "connect broker failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	q := queue.New(client, cfg.QueueKey, cfg.StatusPrefix, cfg.ChannelPrefix, cfg.JobTTL)

	prom := metrics.NewProm("taskbridge")
	q.SetMetrics(prom)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	wd := watchdog.New(q, cfg.HeartbeatStaleAfter, cfg.WatchdogInterval)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("taskbridge-watchdog", "shutdown signal received")
		cancel()
	}()

	logging.Info("taskbridge-watchdog", "running", "stale_after", cfg.HeartbeatStaleAfter, "interval", cfg.WatchdogInterval)
	wd.Start(ctx)
	logging.Info("taskbridge-watchdog", "shutdown complete")
}

func connectBroker(cfg *config.Config) (broker.Client, error) {
	if cfg.Broker == "nats" {
		return broker.NewNATSClient(cfg.NATSURL)
	}
	return broker.NewRedisClient(cfg.RedisURL)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	logging.Info("taskbridge-watchdog", "metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("taskbridge-watchdog", "metrics server error", "error", err)
	}
}
