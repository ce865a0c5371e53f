package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/aaronwang/escrow-auction/api-gateway/internal/events"
	"github.com/aaronwang/escrow-auction/api-gateway/internal/handlers"
	"github.com/aaronwang/escrow-auction/api-gateway/internal/oplog"
	redisClient "github.com/aaronwang/escrow-auction/api-gateway/internal/redis"
	"github.com/aaronwang/escrow-auction/api-gateway/internal/service"
	"github.com/aaronwang/escrow-auction/shared/config"
	"github.com/aaronwang/escrow-auction/shared/logging"
)

// Config holds application configuration
type Config struct {
	ServerAddr    string        `env:"SERVER_ADDR" envDefault:":8080"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	NatsURL       string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	OpLogDir      string        `env:"OPLOG_DIR" envDefault:"data/oplog"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	Log logging.Config
}

func main() {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "api-gateway")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to redis", "addr", cfg.RedisAddr)
	wallets, err := redisClient.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer wallets.Close()

	logger.Info("connecting to nats", "url", cfg.NatsURL)
	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	js, err := jetstream.New(natsConn)
	if err != nil {
		return err
	}
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = events.EnsureStream(streamCtx, js)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("jetstream stream ready", "stream", events.StreamName)

	log, err := oplog.Open(cfg.OpLogDir)
	if err != nil {
		return err
	}
	defer log.Close()

	publisher := events.NewPublisher(js, wallets, logger)
	defer publisher.Close()

	biddingService, err := service.NewBiddingService(wallets, log,
		service.WithEvents(publisher),
		service.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	handler := handlers.NewHandler(biddingService, wallets, logger)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api gateway listening", "addr", cfg.ServerAddr, "oplog_seq", log.LastSeq())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
