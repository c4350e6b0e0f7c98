// Command processor-mock serves the subset of the payment processor API used
// by the pledge service and posts signed webhook events back to it.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var (
		port          int
		secretKey     string
		webhookURL    string
		webhookSecret string
		webhookDelay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "processor-mock",
		Short: "Local stand-in for the payment processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			mock := newMockProcessor(webhookURL, webhookSecret, webhookDelay, logger)

			logger.Info("Starting processor mock", "port", port, "webhookUrl", webhookURL)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           mock.routes(secretKey),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().IntVar(&port, "port", 8085, "listen port")
	cmd.Flags().StringVar(&secretKey, "secret-key", "sk_test_local", "expected API key")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "http://localhost:8080/webhooks/processor", "where events are posted")
	cmd.Flags().StringVar(&webhookSecret, "webhook-secret", "whsec_local", "event signing secret")
	cmd.Flags().DurationVar(&webhookDelay, "webhook-delay", 500*time.Millisecond, "delay before an event is posted")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
