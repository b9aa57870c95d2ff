package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/cryptographic/scheme"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/service/app"
	redisSvc "tdmx_relay/internal/service/redis"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func Execute() error {
	var (
		userPath  string
		peer      string
		service   string
		channelID string
		localHost string
		peerHost  string
		schemeID  string
		ttl       time.Duration
		chunkSize int
		redisAddr string
		logFile   string
	)

	root := &cobra.Command{
		Use:          "tdmx-chat --user <file> --peer <user@domain>",
		Short:        "Terminal chat over a pair of relay channels",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The console owns the terminal; logs only go to a file.
			if logFile != "" {
				if err := log.InitFile(logFile, "debug"); err != nil {
					return err
				}
				defer log.Sync()
			}

			user, err := credential.LoadIssuer(userPath)
			if err != nil {
				return err
			}
			if user.Credential.Kind != credential.KindUser {
				return fmt.Errorf("%s is not a user credential", userPath)
			}
			self := model.ChannelEndpoint{LocalName: user.Credential.Name, Domain: user.Credential.Domain, ServiceName: service}
			other, err := model.ParseEndpoint(peer)
			if err != nil {
				return err
			}
			other.ServiceName = service

			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer rdb.Close()

			c := app.NewApp(user, redisSvc.NewRedis(rdb), app.Options{
				LocalHost:         localHost,
				PeerHost:          peerHost,
				Outgoing:          model.ChannelName{Origin: self, Destination: other},
				OutgoingChannelID: channelID,
				Incoming:          model.ChannelName{Origin: other, Destination: self},
				Scheme:            schemeID,
				SessionTTL:        ttl,
				ChunkSize:         chunkSize,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()
			defer c.Stop()
			c.Run(ctx)
			return nil
		},
	}

	f := root.Flags()
	f.StringVar(&userPath, "user", "", "user credential file")
	f.StringVar(&peer, "peer", "", "peer user as user@domain")
	f.StringVar(&service, "service", "chat", "service name of both channels")
	f.StringVar(&channelID, "channel-id", "", "id of the outgoing channel on the local node")
	f.StringVar(&localHost, "local", "localhost:9090", "node of this user's domain")
	f.StringVar(&peerHost, "peer-node", "", "node of the peer's domain")
	f.StringVar(&schemeID, "scheme", scheme.X25519AESGCM, "encryption scheme for the published session")
	f.DurationVar(&ttl, "session-ttl", 24*time.Hour, "destination session lifetime")
	f.IntVar(&chunkSize, "chunk-size", 64<<10, "chunk size in bytes")
	f.StringVar(&redisAddr, "redis", "localhost:6379", "redis holding session keys")
	f.StringVar(&logFile, "log-file", "", "write debug logs to this file")
	for _, name := range []string{"user", "peer", "channel-id", "peer-node"} {
		_ = root.MarkFlagRequired(name)
	}
	return root.Execute()
}
