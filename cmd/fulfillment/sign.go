package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/RayIwobi/Ecom-backend/internal/webhookauth"
)

func signEventCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "sign-event [payload-file]",
		Short: "Print a signature header for a webhook payload",
		Long: `Sign a webhook payload the way the payment processor does and print the
header value, for replaying events against a local server.

Examples:
  fulfillment sign-event event.json --secret whsec_test
  cat event.json | fulfillment sign-event`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("STRIPE_WEBHOOK_SECRET")
			}
			if secret == "" {
				return errors.New("a signing secret is required (--secret or STRIPE_WEBHOOK_SECRET)")
			}

			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), webhookauth.SignHeader(secret, time.Now(), body))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "webhook signing secret")
	return cmd
}
