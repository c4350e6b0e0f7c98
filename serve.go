package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/kafka"
	"github.com/anthev-stack/commpledge-sub001/internal/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/notification"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the orphan reconciler and the notification pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics.Setup(cfg.Metrics, logger)

			if err := db.RunMigrations(db.GetConnStr(cfg.Database)); err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			a.reconciler.Start(ctx)

			writer := kafka.NewWriter(cfg.Kafka)
			defer writer.Close()
			notification.NewProducer(a.notifications, writer, cfg.Notification.Producer, logger).Start(ctx)

			reader := kafka.NewReader(cfg.Kafka)
			defer reader.Close()
			sender := notification.NewSender(cfg.Notification.Sender, logger)
			kafka.ReadNotifications(ctx, reader, notification.NewProcessor(a.notifications, sender, cfg.Notification.Processor, logger), logger)

			srv := &http.Server{
				Addr:              ":" + cfg.Server.Port,
				Handler:           a.server.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server", "port", cfg.Server.Port)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return errors.Wrap(err, "shutdown http server")
				}
			}
			return nil
		},
	}
	return cmd
}
