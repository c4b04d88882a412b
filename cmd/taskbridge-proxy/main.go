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
	"github.com/taskbridge/taskbridge/core/infra/dashboard"
	"github.com/taskbridge/taskbridge/core/infra/logging"
	"github.com/taskbridge/taskbridge/core/infra/metrics"
	"github.com/taskbridge/taskbridge/core/proxy"
	"github.com/taskbridge/taskbridge/core/queue"
)

func main() {
	logging.Info("taskbridge-proxy", "starting")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("taskbridge-proxy", "load config failed", "error", err)
		os.Exit(1)
	}

	client, err := connectBroker(cfg)
	if err != nil {
		logging.Error("taskbridge-proxy", "connect broker failed", "error", err)
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

	proxyMetrics := metrics.NewProxyProm("taskbridge")
	srv, err := proxy.New(q, proxy.Config{
		CompletionWaitTimeout: cfg.CompletionWaitTimeout,
		MetadataSchemaPath:    cfg.MetadataSchemaPath,
		SchemaRegistryURL:     cfg.SchemaRegistryURL,
		InlineMetadataSchema:  cfg.InlineMetadataSchema,
		Metrics:               proxyMetrics,
	})
	if err != nil {
		logging.Error("taskbridge-proxy", "build proxy server failed", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("taskbridge-proxy", "shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error("taskbridge-proxy", "graceful shutdown failed", "error", err)
		}
		cancel()
	}()

	logging.Info("taskbridge-proxy", "listening", "addr", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("taskbridge-proxy", "server error", "error", err)
	}
	<-ctx.Done()
	logging.Info("taskbridge-proxy", "shutdown complete")
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
	logging.Info("taskbridge-proxy", "metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("taskbridge-proxy", "metrics server error", "error", err)
	}
}

func serveDashboard(addr string, hub *dashboard.Hub) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 60 * time.Second}
	logging.Info("taskbridge-proxy", "dashboard listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("taskbridge-proxy", "dashboard server error", "error", err)
	}
}
