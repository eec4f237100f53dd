// Command worker claims pending tasks and runs the built-in handlers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hemant/pollq"
	"github.com/hemant/pollq/internal/config"
	"github.com/hemant/pollq/internal/handlers"
	"github.com/hemant/pollq/internal/platform/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
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

	srvCfg := cfg.ServerConfig()
	srvCfg.Logger = logger.NewAdapter(log)
	srvCfg.HealthCheckFunc = func(err error) {
		if err != nil {
			log.Debug("health check failed", "error", err)
		}
	}
	srvCfg.ErrorHandler = pollq.ErrorHandlerFunc(func(ctx context.Context, task *pollq.Task, err error) {
		log.Warn("task failed", "type", task.Type(), "key", task.Key(), "error", err)
	})

	srv := pollq.NewServer(opt, srvCfg)
	mux := pollq.NewServeMux()
	handlers.Register(mux)

	log.Info("worker starting",
		"mode", cfg.Broker.Mode,
		"types", cfg.Worker.Types,
		"concurrency", cfg.Worker.Concurrency)
	if err := srv.Run(mux); err != nil {
		log.Error("could not run server", "error", err)
		os.Exit(1)
	}
}
