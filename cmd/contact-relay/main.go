package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/crm-contact-relay/internal/config"
	"github.com/Sternrassler/crm-contact-relay/pkg/client"
	"github.com/Sternrassler/crm-contact-relay/pkg/logging"
	"github.com/Sternrassler/crm-contact-relay/pkg/pagination"
	"github.com/Sternrassler/crm-contact-relay/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	logging.Setup(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	redisClient, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	tracker := ratelimit.NewTracker(redisClient, logging.NewLogger("ratelimit"))

	clientCfg := cfg.ClientConfig()
	clientCfg.RateLimit = tracker
	crm, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create CRM client: %w", err)
	}

	fetcher := pagination.NewFetcher(crm, cfg.PaginationConfig())

	srv := &server{
		fetcher:    fetcher,
		tracker:    tracker,
		staticDir:  cfg.StaticDir,
		corsOrigin: cfg.CORSOrigin,
		logger:     logging.NewLogger("relay"),
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Str("strategy", string(fetcher.Config().Strategy)).
			Str("user_agent", cfg.UserAgent).
			Bool("redis", redisClient != nil).
			Msg("Starting contact relay")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// connectRedis returns nil when REDIS_URL is unset.
func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	opts, err := cfg.RedisOptions()
	if err != nil || opts == nil {
		return nil, err
	}

	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to Redis at %s: %w", opts.Addr, err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

	return redisClient, nil
}
