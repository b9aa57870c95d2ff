package commands

import (
	"fmt"
	"tdmx_relay/internal/credential"
	"time"

	"github.com/spf13/cobra"
)

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Create and inspect credential files",
	}
	cmd.AddCommand(authorityCmd(), issueCmd(), fingerprintCmd())
	return cmd
}

func authorityCmd() *cobra.Command {
	var (
		out      string
		serial   int64
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "authority <domain>",
		Short: "Create a self-signed domain root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			root, err := credential.NewAuthority(args[0], serial, now, now.Add(validFor))
			if err != nil {
				return err
			}
			if err := root.Save(out); err != nil {
				return err
			}
			fp, err := credential.Fingerprint(root.Credential)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", args[0], fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "authority.cbor", "output file")
	cmd.Flags().Int64Var(&serial, "serial", 1, "credential serial")
	cmd.Flags().DurationVar(&validFor, "valid-for", 10*365*24*time.Hour, "lifetime")
	return cmd
}

func issueCmd() *cobra.Command {
	var (
		issuerPath string
		kind       string
		out        string
		serial     int64
		validFor   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue <name>",
		Short: "Certify an administrator or user with an issuer file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k credential.Kind
			switch kind {
			case "admin":
				k = credential.KindDomainAdministrator
			case "user":
				k = credential.KindUser
			default:
				return fmt.Errorf("unknown kind %q, want admin or user", kind)
			}

			issuer, err := credential.LoadIssuer(issuerPath)
			if err != nil {
				return err
			}
			now := time.Now()
			if serial == 0 {
				serial = now.UnixMilli()
			}
			issued, err := issuer.Issue(k, args[0], serial, now, now.Add(validFor))
			if err != nil {
				return err
			}
			if err := issued.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s@%s serial %d -> %s\n", k, args[0], issued.Credential.Domain, serial, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuerPath, "issuer", "", "issuer credential file")
	cmd.Flags().StringVar(&kind, "kind", "user", "admin or user")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	cmd.Flags().Int64Var(&serial, "serial", 0, "credential serial (default: current unix millis)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "lifetime")
	_ = cmd.MarkFlagRequired("issuer")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Print the root fingerprint of a credential file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := credential.LoadIssuer(args[0])
			if err != nil {
				return err
			}
			chain := i.Chain()
			root := chain[len(chain)-1]
			fp, err := credential.Fingerprint(root)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", root.Domain, fp)
			return nil
		},
	}
}
