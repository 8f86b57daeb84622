// Command notepushd runs the push-notification gateway: it connects to one
// upstream Nostr relay, accepts device registrations over an authenticated
// HTTP API, and listens for EVENT frames over a non-storing websocket relay
// endpoint, dispatching APNs pushes for anything relevant to a registered
// device.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/damus-io/notepush/internal/config"
	"github.com/damus-io/notepush/internal/engine"
	"github.com/damus-io/notepush/internal/httpapi"
	"github.com/damus-io/notepush/internal/server"
	"github.com/damus-io/notepush/internal/store"
	"github.com/damus-io/notepush/internal/upstream"
	"github.com/damus-io/notepush/internal/wsrelay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamClient, err := upstream.Connect(ctx, cfg.RelayURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to upstream relay", zap.Error(err), zap.String("relay_url", cfg.RelayURL))
	}
	defer upstreamClient.Close()

	sender, err := engine.NewAPNsSender(
		cfg.APNSAuthPrivateKeyFilePath,
		cfg.APNSAuthPrivateKeyID,
		cfg.AppleTeamID,
		cfg.APNSTopic,
		cfg.APNSEnvironment == config.EnvironmentProduction,
	)
	if err != nil {
		logger.Fatal("failed to configure APNs sender", zap.Error(err))
	}

	eng := engine.New(st, upstreamClient, sender, cfg.APNSTopic, logger)

	wsHandler := wsrelay.NewHandler(eng, logger)
	apiHandler := httpapi.New(st, cfg.APIBaseURL, logger).Router()

	srv := server.New(cfg.Addr(), wsHandler, apiHandler, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}()

	logger.Info("notepushd starting",
		zap.String("addr", cfg.Addr()),
		zap.String("relay_url", cfg.RelayURL),
		zap.String("environment", string(cfg.APNSEnvironment)))

	if err := srv.Run(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}
