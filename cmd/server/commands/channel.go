package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/repository/channel"
	"tdmx_relay/internal/service/sender"
	"time"

	"github.com/spf13/cobra"
)

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Administer channels of this domain",
	}
	cmd.AddCommand(channelAddCmd())
	return cmd
}

// channel add <origin> <destination>: sign this domain's permission for a
// channel, store it, and optionally relay it to the peer node.
func channelAddCmd() *cobra.Command {
	var (
		adminPath  string
		peerHost   string
		deny       bool
		maxSize    int64
		validFor   time.Duration
		highMark   int64
		lowMark    int64
		maxMessage int64
	)

	cmd := &cobra.Command{
		Use:   "add <origin> <destination>",
		Short: "Authorize a channel on this domain's side",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name model.ChannelName
			var err error
			if name.Origin, err = model.ParseEndpoint(args[0]); err != nil {
				return err
			}
			if name.Destination, err = model.ParseEndpoint(args[1]); err != nil {
				return err
			}
			if !name.IsComplete() {
				return fmt.Errorf("destination needs a service: user@domain#service")
			}
			if name.Origin.Domain != cfg.Domain && name.Destination.Domain != cfg.Domain {
				return fmt.Errorf("channel does not involve %s", cfg.Domain)
			}

			admin, err := credential.LoadIssuer(adminPath)
			if err != nil {
				return err
			}
			if admin.Credential.Kind != credential.KindDomainAdministrator || admin.Credential.Domain != cfg.Domain {
				return fmt.Errorf("%s is not an administrator of %s", adminPath, cfg.Domain)
			}

			grant := model.GrantAllow
			if deny {
				grant = model.GrantDeny
			}
			now := time.Now()
			side := name.LocalSide(cfg.Domain)
			perm, err := sender.SignPermission(admin, name, side, grant, maxSize, now.Add(validFor), now)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mongoClient, err := initMongo(ctx, cfg.Mongo)
			if err != nil {
				return err
			}
			defer mongoClient.Disconnect(context.Background())
			store := channel.NewMongoStore(mongoClient, mongoClient.Database(cfg.Mongo.Database))

			d := defaults()
			if highMark > 0 {
				d.Limit.HighMarkBytes = highMark
			}
			if lowMark > 0 {
				d.Limit.LowMarkBytes = lowMark
			}
			if maxMessage > 0 {
				d.MaxMessageBytes = maxMessage
			}
			ch, err := store.ConfirmLocalPermission(ctx, name, side, perm, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s\n  id: %s\n  side: %s\n  open: %t\n", name, ch.ID, side, ch.IsOpen(now))

			if peerHost == "" {
				return nil
			}
			return relayPermission(ctx, cmd, peerHost, name, perm)
		},
	}

	cmd.Flags().StringVar(&adminPath, "admin", "", "domain administrator credential file")
	cmd.Flags().StringVar(&peerHost, "peer", "", "peer node host:port to relay the permission to")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of allow")
	cmd.Flags().Int64Var(&maxSize, "max-plaintext", 16<<20, "largest plaintext the channel accepts")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "permission lifetime")
	cmd.Flags().Int64Var(&highMark, "high-mark", 0, "receive quota high mark in bytes")
	cmd.Flags().Int64Var(&lowMark, "low-mark", 0, "receive quota low mark in bytes")
	cmd.Flags().Int64Var(&maxMessage, "max-message", 0, "largest relayed message in bytes")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func relayPermission(ctx context.Context, cmd *cobra.Command, peerHost string, name model.ChannelName, perm *model.EndpointPermission) error {
	client := sender.NewClient(peerHost, 10*time.Second)
	sid, err := client.OpenSession(ctx, name, cfg.Domain)
	if err != nil {
		return fmt.Errorf("open relay session at %s: %w", peerHost, err)
	}
	defer client.CloseSession(context.Background(), sid)

	status, err := sender.NewSender(client, nil, sender.Config{}, nil).SendPermission(ctx, sid, perm)
	if err != nil {
		return fmt.Errorf("relay permission: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "relayed to %s\n", peerHost)
	if status != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  peer status: open=%t flow=%s undelivered=%d/%d\n",
			status.ChannelOpen, status.FlowControl, status.UndeliveredBytes, status.HighMarkBytes)
	}
	return nil
}
