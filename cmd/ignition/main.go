package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/api"
	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/config"
	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/pack"
	"github.com/rocketopp/ignition/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Ignition...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ignition.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	st, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	if err := st.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Optional Redis cache for the marketplace
	var cache *redis.Client
	if cfg.Cache.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Cache.Redis.URL)
		if err != nil {
			logger.Warn("invalid redis url, running without cache", zap.Error(err))
		} else {
			rdb := redis.NewClient(opts)
			if err := rdb.Ping(context.Background()).Err(); err != nil {
				logger.Warn("Redis unavailable, running without cache", zap.Error(err))
			} else {
				cache = rdb
				logger.Info("Redis connected")
			}
		}
	}

	// Action registry: built-ins plus the configured integrations
	registry := ignition.NewRegistry()
	ignition.RegisterBuiltins(registry, logger)
	registry.Register(ignition.NewSlackAction(cfg.Integrations.Slack.BotToken, logger))
	if cfg.Integrations.Slack.BotToken == "" {
		logger.Warn("Slack not configured, slack_message actions will fail")
	}
	discordAction, err := ignition.NewDiscordAction(cfg.Integrations.Discord.BotToken, logger)
	if err != nil {
		logger.Fatal("discord setup failed", zap.Error(err))
	}
	registry.Register(discordAction)
	if cfg.Integrations.Discord.BotToken == "" {
		logger.Warn("Discord not configured, discord_message actions will fail")
	}

	// Services
	market := catalog.NewService(st, cache, logger)
	installs := install.NewService(st, logger)
	engine := ignition.NewEngine(registry, st, logger)
	rollback := ignition.NewRollback(st, st, registry, logger)
	packs := pack.NewService(st, registry.Known, registry.Capabilities,
		cfg.Platform.Version, market.Invalidate, logger)
	if err := packs.SeedCatalog(context.Background()); err != nil {
		logger.Fatal("catalog seed failed", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(installs, packs, market, engine, rollback, st, st, logger)

	// Start server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Ignition listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Ignition...")
	srv.Shutdown(context.Background())
	if cache != nil {
		cache.Close()
	}
	st.Close()
}
