package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskbridge/taskbridge/core/backend"
	"github.com/taskbridge/taskbridge/core/broker"
	"github.com/taskbridge/taskbridge/core/infra/config"
	"github.com/taskbridge/taskbridge/core/infra/dashboard"
	"github.com/taskbridge/taskbridge/core/infra/logging"
	"github.com/taskbridge/taskbridge/core/infra/metrics"
	"github.com/taskbridge/taskbridge/core/queue"
	"github.com/taskbridge/taskbridge/core/worker"
)

func main() {
	logging.Info("taskbridge-worker", "starting")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("taskbridge-worker", "load config failed", "error", err)
		os.Exit(1)
	}

	client, err := connectBroker(cfg)
	if err != nil {
		logging.Error("taskbridge-worker", "connect broker failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	q := queue.New(client, cfg.QueueKey, cfg.StatusPrefix, cfg.ChannelPrefix, cfg.JobTTL)

	prom := metrics.NewProm("taskbridge")
	q.SetMetrics(prom)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	if cfg.DashboardAddr != "" {
		hub := dashboard.NewHub()
		q.SetDashboard(hub)
		go serveDashboard(cfg.DashboardAddr, hub)
	}

	backendClient := backend.New(cfg.BotServiceBaseURL, cfg.BotConnectTimeout, cfg.BotRequestTimeout)

	w := worker.New(q, backendClient, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PopTimeout:        5 * time.Second,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		ChunkCharLimit:    cfg.ChunkCharLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("taskbridge-worker", "shutdown signal received")
		cancel()
	}()

	logging.Info("taskbridge-worker", "running", "concurrency", cfg.WorkerConcurrency, "queue_key", cfg.QueueKey)
	w.Run(ctx)
	logging.Info("taskbridge-worker", "shutdown complete")
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
	logging.Info("taskbridge-worker", "metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("taskbridge-worker", "metrics server error", "error", err)
	}
}

func serveDashboard(addr string, hub *dashboard.Hub) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 60 * time.Second}
	logging.Info("taskbridge-worker", "dashboard listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("taskbridge-worker", "dashboard server error", "error", err)
	}
}
