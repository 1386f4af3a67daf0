// reader-sim drives the engine the way a cart-mounted RFID reader does:
// bind to a shopper, report tag reads, release the binding.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fjod/rfid-cart/internal/auth"
	"github.com/fjod/rfid-cart/internal/client"
	"github.com/fjod/rfid-cart/internal/domain"
)

type options struct {
	baseURL string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "reader-sim:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "reader-sim",
		Short:         "Simulated RFID cart reader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "engine base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("RFID_TOKEN"), "bearer token of the shopper")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-request timeout")

	root.AddCommand(
		newScanCmd(opts),
		newReplayCmd(opts),
		newConnectCmd(opts),
		newDisconnectCmd(opts),
		newStatusCmd(opts),
		newTokenCmd(),
	)
	return root
}

func (o *options) client() *client.Client {
	return client.New(client.Config{
		BaseURL: o.baseURL,
		Token:   o.token,
		Timeout: o.timeout,
	})
}

func newScanCmd(opts *options) *cobra.Command {
	var deviceID, action string

	cmd := &cobra.Command{
		Use:   "scan TAG",
		Short: "Report one tag read from a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Scan(cmd.Context(), deviceID, args[0], domain.Action(action))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device id")
	cmd.Flags().StringVarP(&action, "action", "a", string(domain.ActionAdd), "add or remove")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

// replay sends the same reads a real antenna would: every tag repeated
// within the dedup window, then a pause.
func newReplayCmd(opts *options) *cobra.Command {
	var (
		deviceID string
		action   string
		repeat   int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay TAG...",
		Short: "Report a burst of reads per tag, like a noisy antenna",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()
			var applied, duplicates, failed int

			for _, tag := range args {
				for i := 0; i < repeat; i++ {
					res, err := c.Scan(cmd.Context(), deviceID, tag, domain.Action(action))
					switch {
					case err != nil:
						failed++
						fmt.Fprintf(out, "%s: %v\n", tag, err)
					case res.Duplicate:
						duplicates++
					default:
						applied++
						fmt.Fprintf(out, "%s: %s\n", tag, res.Message)
					}
				}
				if interval > 0 {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(interval):
					}
				}
			}

			fmt.Fprintf(out, "applied=%d duplicates=%d failed=%d\n", applied, duplicates, failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device id")
	cmd.Flags().StringVarP(&action, "action", "a", string(domain.ActionAdd), "add or remove")
	cmd.Flags().IntVar(&repeat, "repeat", 3, "reads per tag")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between tags")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newConnectCmd(opts *options) *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Bind a device to the shopper behind --token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().Connect(cmd.Context(), deviceID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device id")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newDisconnectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Release the shopper's device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().Disconnect(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status DEVICE",
		Short: "Show the binding of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Device(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret, issuer string
		userID, role   string
		ttl            time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.NewValidator(secret, issuer).GenerateToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "dev-secret-change-me", "signing secret shared with the engine")
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
