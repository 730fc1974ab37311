package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"finera/internal/api"
	"finera/internal/app"
	"finera/internal/util"
)

func main() {
	cfg, err := app.LoadConfig(true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLoggerTo(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := api.NewServer(cfg.Server, api.NewHTTPHandler(cfg.Server, a.Runner, logger), a.Runner, logger)
	logger.Info("finera-server starting",
		"host", cfg.Server.Host, "port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort,
		"data_dir", cfg.Storage.DataDir, "strategies", a.Runner.Strategies())

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("finera-server stopped")
}
