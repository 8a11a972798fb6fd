package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/openvio/facet/api"
	"github.com/openvio/facet/service"
)

var version = "dev"

func main() {
	listen := pflag.String("listen", envOr("FACET_LISTEN", ":8440"), "status API listen address")
	minInterval := pflag.Duration("min-interval", 16*time.Millisecond, "minimum inter-delivery interval per paced client")
	pflag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	svc, err := service.NewPlatform(*minInterval)
	if err != nil {
		slog.Error("failed to initialize camera service", "error", err)
		os.Exit(1)
	}

	cameras := svc.List()
	slog.Info("facet starting",
		"version", version,
		"listen", *listen,
		"cameras", len(cameras),
	)
	for _, desc := range cameras {
		slog.Info("camera available", "id", desc.ID, "configs", len(desc.Configs))
	}

	g, ctx := errgroup.WithContext(ctx)

	apiSrv := api.New(svc, nil)
	g.Go(func() error {
		return apiSrv.Run(ctx, *listen)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
