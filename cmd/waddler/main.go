// Package main provides the waddler game server. It accepts XT protocol
// connections, maintains a session per client, and mirrors session state
// to PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/waddlerhq/waddler/internal/config"
	"github.com/waddlerhq/waddler/internal/frontend/handlers"
	"github.com/waddlerhq/waddler/internal/frontend/xt"
	"github.com/waddlerhq/waddler/internal/game/session"
	"github.com/waddlerhq/waddler/internal/observability"
	"github.com/waddlerhq/waddler/internal/server"
	"github.com/waddlerhq/waddler/internal/storage/cache"
	"github.com/waddlerhq/waddler/internal/storage/postgres"
	"github.com/waddlerhq/waddler/internal/storage/presence"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	role := flag.String("role", "", "deployment role override: login or world")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *role != "" {
		cfg.Listen.Role = *role
		if err := cfg.Validate(); err != nil {
			log.Fatalf("validating config: %v", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting waddler",
		zap.String("role", cfg.Listen.Role),
		zap.String("addr", cfg.Listen.Addr()),
	)

	ctx := context.Background()
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	players := postgres.NewPlayerRepository(pool.DB())
	cachedPlayers := cache.NewPlayers(players, 5*time.Minute)

	var mirror session.Presence
	if cfg.Redis.Enabled {
		m, err := presence.NewMirror(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
		defer m.Close()
		mirror = m
		logger.Info("presence mirror connected", zap.String("addr", cfg.Redis.Addr()))
	}

	registry := session.NewRegistry(cfg.Game.Capacity, mirror, logger)
	// A departing player's cached bind record is stale by definition: the
	// session persisted mutations the cache never saw.
	registry.OnRemove(func(_ int, username string) {
		cachedPlayers.Invalidate(username)
	})
	router := handlers.NewGame(cachedPlayers, registry, logger)
	acceptor := xt.NewAcceptor(cfg.Listen, cfg.Game, registry, players, router, logger)

	lifecycle := server.NewLifecycle(logger)

	healthStop := make(chan struct{})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-healthStop:
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func() {
			close(healthStop)
			pool.Close()
		},
	})

	lifecycle.Add("acceptor", &server.FuncService{
		StartFn: func() error {
			return acceptor.ListenAndServe()
		},
		StopFn: func() {
			acceptor.Stop()
		},
	})

	logger.Info("waddler initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("capacity", cfg.Game.Capacity),
		zap.Int("patched_items", len(cfg.Game.PatchedItems)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
