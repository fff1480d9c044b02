package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/baresipbridge/internal/banner"
	"github.com/sebas/baresipbridge/internal/bridge/app"
	"github.com/sebas/baresipbridge/internal/bridge/config"
	"github.com/sebas/baresipbridge/internal/logger"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	grpcAddr := cfg.GRPCAddr()
	if grpcAddr == "" {
		grpcAddr = "disabled"
	}
	autoConnect := cfg.AutoConnectFile
	if autoConnect == "" {
		autoConnect = "not persisted"
	}
	banner.Print(os.Stdout, "baresip control bridge", []banner.ConfigLine{
		{Label: "Baresip", Value: cfg.BaresipAddr()},
		{Label: "HTTP API", Value: cfg.HTTPAddr()},
		{Label: "gRPC health", Value: grpcAddr},
		{Label: "Auto-connect file", Value: autoConnect},
		{Label: "Reconnect attempts", Value: strconv.Itoa(cfg.Baresip.ReconnectMaxAttempts)},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	bridge, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Start(ctx); err != nil {
		slog.Error("Bridge stopped with error", "error", err)
		bridge.Close()
		os.Exit(1)
	}
	slog.Info("Shutting down")
}
