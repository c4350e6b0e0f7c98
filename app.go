package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/access"
	"github.com/anthev-stack/commpledge-sub001/internal/api"
	"github.com/anthev-stack/commpledge-sub001/internal/charge"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/ledger"
	"github.com/anthev-stack/commpledge-sub001/internal/logging"
	"github.com/anthev-stack/commpledge-sub001/internal/notification"
	"github.com/anthev-stack/commpledge-sub001/internal/onboarding"
	"github.com/anthev-stack/commpledge-sub001/internal/processor"
	"github.com/anthev-stack/commpledge-sub001/internal/reconcile"
	"github.com/anthev-stack/commpledge-sub001/internal/webhook"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	pool          *pgxpool.Pool
	notifications *db.NotificationRepository
	reconciler    *reconcile.Reconciler
	server        *api.Server
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config")
	}
	return cfg, logging.GetLogger(cfg.Logs), nil
}

// newApp connects to the database and wires every component. The caller
// closes the pool.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	pool, err := db.GetPool(ctx, db.GetConnStr(cfg.Database))
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}

	accounts := db.NewAccountRepository(pool)
	donations := db.NewDonationRepository(pool)
	pledges := db.NewPledgeRepository(pool)
	events := db.NewEventRepository(pool)
	notifications := db.NewNotificationRepository(pool)

	checker := access.NewChecker(cfg.Access.StaffIDs)
	client := processor.NewClient(cfg.Processor, logger)
	manager := onboarding.NewManager(accounts, client, checker, cfg.Processor, logger)

	outbox := notification.NewOutbox(notifications, cfg.Notification.URL, logger)
	orphanBackoff := time.Duration(cfg.Reconciler.RescheduleDelayMs) * time.Millisecond
	ingestor := webhook.NewIngestor(events, donations, pledges, manager, outbox, orphanBackoff, logger)
	reconciler := reconcile.NewReconciler(events, ingestor, cfg.Reconciler, logger)
	manager.SetOrphanResolver(reconciler)

	initiator := charge.NewInitiator(db.NewServerRepository(pool), manager, donations, pledges, client, ingestor, reconciler,
		checker, cfg.Charges, time.Duration(cfg.Processor.TimeoutMs)*time.Millisecond, logger)
	aggregator := ledger.NewAggregator(db.NewLedgerRepository(pool), donations)

	server := api.NewServer(manager, initiator, aggregator, ingestor, api.WebhookConfig{
		Secret:    cfg.Processor.WebhookSecret,
		Tolerance: time.Duration(cfg.Processor.SignatureToleranceSec) * time.Second,
	}, logger)

	return &app{
		cfg:           cfg,
		logger:        logger,
		pool:          pool,
		notifications: notifications,
		reconciler:    reconciler,
		server:        server,
	}, nil
}
