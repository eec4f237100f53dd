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
	"github.com/hemant/pollq/internal/platform/logger"
)

func main() {
	redisURI := flag.String("redis", "redis://localhost:6379", "Redis URI of the deployment")
	modeName := flag.String("mode", "flat", "pending store mode: flat or sharded")
	namespace := flag.String("namespace", "", "key namespace of the deployment")
	port := flag.Int("port", 8080, "HTTP server port")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.Setup(*level, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	opt, err := pollq.ParseRedisURI(*redisURI)
	if err != nil {
		log.Error("invalid redis URI", "error", err)
		os.Exit(2)
	}
	mode, err := pollq.ParseMode(*modeName)
	if err != nil {
		log.Error("invalid mode", "error", err)
		os.Exit(2)
	}

	inspector := pollq.NewInspector(opt, mode, *namespace)
	defer inspector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err = inspector.Pending(ctx)
	cancel()
	if err != nil {
		log.Error("failed to reach redis", "uri", *redisURI, "error", err)
		os.Exit(1)
	}

	handler := NewHandler(inspector, log)
	addr := fmt.Sprintf(":%d", *port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}()

	log.Info("pollq monitor starting", "addr", addr, "mode", mode.String())
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
