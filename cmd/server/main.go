package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/bus"
	"cloud-relay/internal/bus/memory"
	"cloud-relay/internal/bus/redisbus"
	"cloud-relay/internal/config"
	"cloud-relay/internal/logging"
	"cloud-relay/internal/server"
	"cloud-relay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With().Str("node_id", cfg.NodeID).Logger()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: logging.Component(log, "store")})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: cfg.TokenIssuer,
	}
	authn := auth.NewAuthenticator(tokenCfg, st)
	if cfg.JWKSURL != "" {
		authn, err = auth.NewJWKSAuthenticator(ctx, tokenCfg, st, cfg.JWKSURL)
		if err != nil {
			return err
		}
	}

	fleet, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer fleet.Close()

	node, err := server.NewNode(ctx, server.NodeOptions{
		Config:        cfg,
		Store:         st,
		Bus:           fleet,
		Authenticator: authn,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	return server.Run(ctx, cfg, node.Router, logging.Component(log, "http"))
}

// openBus joins the Redis fleet when REDIS_URL is set. Without it the node
// runs alone on an in-process bus.
func openBus(ctx context.Context, cfg config.Config, log zerolog.Logger) (bus.Bus, error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, running as a single node")
		return memory.New(), nil
	}
	b, err := redisbus.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return b, nil
}
