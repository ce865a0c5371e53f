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

	"golang.org/x/sync/errgroup"

	redisClient "github.com/aaronwang/escrow-auction/broadcast-service/internal/redis"
	wsHandler "github.com/aaronwang/escrow-auction/broadcast-service/internal/websocket"
	"github.com/aaronwang/escrow-auction/shared/config"
	"github.com/aaronwang/escrow-auction/shared/logging"
)

// Config holds application configuration
type Config struct {
	ServerAddr    string `env:"SERVER_ADDR" envDefault:":8081"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Log logging.Config
}

func main() {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "broadcast-service")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("broadcast service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subscriber, err := redisClient.NewSubscriber(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	if err := subscriber.SubscribeAll(ctx); err != nil {
		return err
	}
	logger.Info("subscribed to ledger events", "pattern", redisClient.ChannelPrefix+"*")

	wsManager := wsHandler.NewManager(logger)
	messages := make(chan *redisClient.Message, 256)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      wsHandler.NewHandler(wsManager).SetupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsManager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := subscriber.Listen(gctx, messages)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	// Redis Pub/Sub -> WebSocket
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-messages:
				wsManager.Broadcast(msg.ListingID, []byte(msg.Payload))
			}
		}
	})
	g.Go(func() error {
		logger.Info("broadcast service listening", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
