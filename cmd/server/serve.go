package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/logger"
	"github.com/Tyrowin/gonotify/internal/presence"
	"github.com/Tyrowin/gonotify/internal/server"
	"github.com/Tyrowin/gonotify/internal/users"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the notification server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logger.Init(cfg.LogLevel, logger.Format(cfg.LogFormat))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	directory, closeDirectory, err := openDirectory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDirectory()

	var observer server.RegistryObserver
	if cfg.RedisURL != "" {
		mirror, closeMirror, err := openPresence(ctx, cfg.RedisURL, log)
		if err != nil {
			return err
		}
		defer closeMirror()
		observer = mirror
	}

	srv, err := server.New(*cfg, server.Options{
		Directory: directory,
		Observer:  observer,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	log.Info("Starting GoNotify",
		"addr", cfg.Port,
		"allowed_origins", cfg.AllowedOrigins,
		"allow_missing_origin", cfg.AllowMissingOrigin,
		"auth_timeout", cfg.AuthTimeout,
		"close_superseded", cfg.CloseSuperseded,
	)
	return srv.Run(ctx)
}

// openDirectory connects to MongoDB when configured, otherwise falls back to
// an empty in-memory directory. Either way username lookups are cached.
func openDirectory(ctx context.Context, cfg *config.Config, log *slog.Logger) (users.Directory, func(), error) {
	var (
		backend users.Directory
		closeFn = func() {}
	)

	if cfg.Mongo.URI == "" {
		log.Warn("MONGO_URI not set; using an empty in-memory user directory")
		backend = users.NewMemoryDirectory()
	} else {
		mongoDir, err := users.ConnectMongo(ctx, users.MongoOptions{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			AppName:    "gonotify",
			Timeout:    cfg.Mongo.Timeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		backend = mongoDir
		closeFn = func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.Timeout)
			defer cancel()
			if err := mongoDir.Close(closeCtx); err != nil {
				log.Warn("Error disconnecting from MongoDB", "error", err)
			}
		}
	}

	return users.NewCachedDirectory(backend, cfg.UserCache.Size, cfg.UserCache.TTL, cfg.Mongo.Timeout), closeFn, nil
}

// openPresence mirrors the registry into Redis under a fresh instance ID.
func openPresence(ctx context.Context, redisURL string, log *slog.Logger) (*presence.Mirror, func(), error) {
	client, err := presence.Connect(redisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	store := presence.NewRedisStore(client, uuid.NewString())
	if err := store.Clear(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("reset presence: %w", err)
	}
	log.Info("Mirroring presence to Redis", "key", store.Key())

	mirror := presence.NewMirror(store, 0, log)
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mirror.Close(closeCtx); err != nil {
			log.Warn("Error clearing presence", "error", err)
		}
		_ = client.Close()
	}
	return mirror, closeFn, nil
}
