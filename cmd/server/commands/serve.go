package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/delivery"
	"tdmx_relay/internal/protocol/trust"
	"tdmx_relay/internal/repository/channel"
	trustRepo "tdmx_relay/internal/repository/trust"
	"tdmx_relay/internal/service/janitor"
	"tdmx_relay/internal/service/notifier"
	redisSvc "tdmx_relay/internal/service/redis"
	"tdmx_relay/internal/service/relay"
	"tdmx_relay/internal/service/server"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	mongoClient, err := initMongo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb, err := initRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	redis := redisSvc.NewRedis(rdb)

	store := channel.NewMongoStore(mongoClient, db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}

	verifier := trust.NewVerifier(
		credential.NewFactory(),
		credential.NewValidator(time.Now),
		credential.NewStaticAnchors(cfg.TrustAnchors),
		trustRepo.NewTrustRepo(db),
	)

	registry := delivery.NewRegistry(2*cfg.Delivery.FetchLimit, cfg.Delivery.SafetyPollInterval, redis, time.Now)
	coord := delivery.NewCoordinator(store, registry, delivery.CoordinatorConfig{
		TxTimeout:         cfg.Delivery.TxTimeout,
		RedeliveryBackoff: cfg.Delivery.RedeliveryBackoff,
		MaxDeliveries:     cfg.Delivery.MaxDeliveries,
		FetchLimit:        cfg.Delivery.FetchLimit,
	}, time.Now)

	hub := server.NewHub()
	local := notifier.NewLocalTransferer(cfg.PublicAddr, registry, hub)
	remote := notifier.NewHTTPTransferer(5 * time.Second)
	defer remote.CloseIdleConnections()
	cache := notifier.NewRedisEndpointCache(redis, cfg.Relay.EndpointCacheTTL)
	notify := notifier.NewNotifier(cache, notifier.NewRouter(cfg.PublicAddr, local, remote))

	relaySvc := relay.NewService(store, verifier, registry, notify, relay.Config{
		Domain:           cfg.Domain,
		ChunkIdleTimeout: cfg.Relay.ChunkIdleTimeout,
		SessionIdleTime:  cfg.Relay.SessionIdleTimeout,
		Defaults:         defaults(),
	}, time.Now)
	defer relaySvc.Close()

	sweeper, err := janitor.NewJanitor(cfg.Relay.SweepSchedule, time.Now,
		janitor.Every("relay-sweep", relaySvc.Sweep),
		janitor.Task{Name: "reclaim-transactions", Run: func(ctx context.Context) (int64, error) {
			n, err := coord.Reclaim(ctx)
			return int64(n), err
		}},
		janitor.Task{Name: "reclaim-orphaned", Run: coord.ReclaimOrphaned},
		janitor.Task{Name: "orphan-chunks", Run: func(ctx context.Context) (int64, error) {
			return store.DeleteOrphanChunks(ctx, time.Now().Add(-cfg.Relay.OrphanChunkAge))
		}},
	)
	if err != nil {
		return err
	}

	srv := server.NewHttpServer(relaySvc, coord, store, hub, local, cache, server.Options{
		PublicAddr: cfg.PublicAddr,
		MaxWait:    cfg.Delivery.MaxWait,
		RateLimit:  cfg.Relay.RateLimit,
		RateBurst:  cfg.Relay.RateBurst,
	})

	log.Info("relay node starting",
		zap.String("domain", cfg.Domain),
		zap.String("listen", cfg.ListenAddr),
		zap.String("public", cfg.PublicAddr),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx, cfg.ListenAddr)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("relay node stopped")
	return nil
}

func defaults() channel.Defaults {
	return channel.Defaults{
		Limit: model.FlowLimit{
			HighMarkBytes: cfg.Relay.DefaultHighMarkBytes,
			LowMarkBytes:  cfg.Relay.DefaultLowMarkBytes,
		},
		MaxMessageBytes: cfg.Relay.DefaultMaxMessageBytes,
	}
}
