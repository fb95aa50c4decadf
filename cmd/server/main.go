package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sealed_chat/internal/auth"
	"sealed_chat/internal/config"
	"sealed_chat/internal/metrics"
	"sealed_chat/internal/repository/chat"
	"sealed_chat/internal/repository/memory"
	"sealed_chat/internal/repository/message"
	"sealed_chat/internal/repository/user"
	"sealed_chat/internal/service/messaging"
	redisSvc "sealed_chat/internal/service/redis"
	"sealed_chat/internal/service/server"
	"sealed_chat/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "sealed-server",
		Short:        "End-to-end encrypted chat relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SEALED_CONFIG"), "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	deps := server.Deps{Metrics: m, Gatherer: reg}

	switch cfg.Storage.Driver {
	case config.StorageMongo:
		client, err := initMongo(ctx, cfg.Storage.MongoURI)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer client.Disconnect(context.Background())

		db := client.Database(cfg.Storage.Database)
		users, chats, messages := user.NewUserRepo(db), chat.NewChatRepo(db), message.NewMessageRepo(db)
		for _, r := range []interface{ EnsureIndexes(context.Context) error }{users, chats, messages} {
			if err := r.EnsureIndexes(ctx); err != nil {
				return fmt.Errorf("ensure indexes: %w", err)
			}
		}
		deps.Users, deps.Chats, deps.Messages = users, chats, messages
	default:
		log.Warn("using in-memory storage, data is lost on restart")
		store := memory.New()
		deps.Users, deps.Chats, deps.Messages = store, store, store
	}

	var broker server.Broker
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		rs := redisSvc.NewRedis(rdb, cfg.Redis.Prefix)
		broker = rs
		deps.Challenges = rs
	}

	deps.Hub = server.NewHub(broker, m)
	deps.Engine = messaging.NewEngine(deps.Chats, deps.Messages, deps.Hub,
		messaging.WithWindows(cfg.Messaging.EditWindow, cfg.Messaging.DeleteWindow),
		messaging.WithMetrics(m),
	)
	deps.Issuer = auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)

	log.Info("starting server",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Duration("edit_window", cfg.Messaging.EditWindow),
		zap.Duration("delete_window", cfg.Messaging.DeleteWindow),
	)
	return server.NewHttpServer(cfg, deps).Run(ctx)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
