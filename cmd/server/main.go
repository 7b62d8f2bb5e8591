// Package main is the entry point for the reliapi gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reliapi/reliapi/internal/config"
	"github.com/reliapi/reliapi/internal/kv"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/proxy"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info("starting reliapi gateway", "version", "0.1.0")

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("failed to connect key-value store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := proxy.New(cfg, store, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(engine, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	engine.Shutdown()
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *observability.Logger {
	redactor := observability.NewRedactor()
	for _, t := range cfg.Targets {
		if t.Auth != nil {
			redactor.AddSecret(t.Auth.APIKey)
		}
	}
	for _, pool := range cfg.ProviderKeyPools {
		for _, key := range pool.Keys {
			redactor.AddSecret(key.APIKey)
		}
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, redactor)
}

// newStore connects Redis when configured and falls back to the in-process
// store otherwise. Either way the store is wrapped so backend outages
// degrade caching and coalescing instead of failing requests.
func newStore(cfg *config.Config, logger *observability.Logger) (kv.Store, error) {
	if cfg.Redis == nil {
		logger.Warn("no redis configured, using in-memory store; shared state is per-process")
		return kv.NewResilient(kv.NewMemory(), logger), nil
	}
	redis, err := kv.NewRedis(*cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	return kv.NewResilient(redis, logger), nil
}
