// Command frontdoor serves the HTTP API through which callers submit tasks
// and poll for their results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hemant/pollq"
	"github.com/hemant/pollq/internal/api"
	"github.com/hemant/pollq/internal/config"
	"github.com/hemant/pollq/internal/platform/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frontdoor: %v\n", err)
		os.Exit(2)
	}
	log, err := logger.Setup(cfg.Server.LogLevel, os.Stdout)
	if err != nil {
		log.Warn("invalid log level, using info", "error", err)
	}

	opt, err := cfg.RedisConnOpt()
	if err != nil {
		log.Error("invalid redis URL", "error", err)
		os.Exit(2)
	}
	client := pollq.NewClient(opt, cfg.ClientConfig())
	defer client.Close()

	if err := client.Ping(); err != nil {
		log.Warn("redis is not reachable yet", "error", err)
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(client, api.Options{
			Logger:    log,
			RateLimit: cfg.Server.RateLimit,
			RateBurst: cfg.Server.RateBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("frontdoor listening", "addr", server.Addr, "mode", cfg.Broker.Mode)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
