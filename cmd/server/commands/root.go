package commands

import (
	"context"
	"tdmx_relay/internal/config"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	cfg *config.Config

	listenAddr string
	logLevel   string
)

func Execute() error {
	root := &cobra.Command{
		Use:          "tdmx-relay",
		Short:        "Federated chunked message relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "credentials" || cmd.Parent() != nil && cmd.Parent().Name() == "credentials" {
				return nil
			}

			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return log.Init(cfg.LogLevel, cfg.Development)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	root.PersistentFlags().StringVar(&listenAddr, "listen", "", "listen address (overrides TDMX_LISTEN_ADDR)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides TDMX_LOG_LEVEL)")

	root.AddCommand(serveCmd(), channelCmd(), credentialsCmd())
	return root.Execute()
}

func initMongo(ctx context.Context, c config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func initRedis(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return rdb, rdb.Ping(ctx).Err()
}
