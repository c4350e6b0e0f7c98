package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/anthev-stack/commpledge-sub001/internal/message"
)

const (
	defaultParallelism         = 1000
	defaultRescheduleDelayMs   = 10_000
	defaultMaxDeliveryAttempts = 3
)

var (
	deliveryDeliveredCounter   = metrics.GetOrCreateCounter(`notification_delivery_total{result="delivered"}`)
	deliveryRescheduledCounter = metrics.GetOrCreateCounter(`notification_delivery_total{result="rescheduled"}`)
	deliveryMaxAttemptsCounter = metrics.GetOrCreateCounter(`notification_delivery_total{result="max_attempts_reached"}`)
	deliveryDuplicateCounter   = metrics.GetOrCreateCounter(`notification_delivery_total{result="already_delivered"}`)
	deliveryErrorCounter       = metrics.GetOrCreateCounter(`notification_delivery_total{result="db_error"}`)
)

// Processor delivers notifications read from Kafka, at most parallelism at a
// time. Failed deliveries are rescheduled in the outbox so the producer
// publishes them again.
type Processor struct {
	repo        *db.NotificationRepository
	sender      *Sender
	sem         chan struct{}
	retryDelay  time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewProcessor(repo *db.NotificationRepository, sender *Sender, cfg config.NotificationProcessor, logger *slog.Logger) *Processor {
	return &Processor{
		repo:        repo,
		sender:      sender,
		sem:         make(chan struct{}, orDefault(cfg.Parallelism, defaultParallelism)),
		retryDelay:  time.Duration(orDefault(cfg.RescheduleDelayMs, defaultRescheduleDelayMs)) * time.Millisecond,
		maxAttempts: orDefault(cfg.MaxDeliveryAttempts, defaultMaxDeliveryAttempts),
		logger:      logger,
	}
}

func (p *Processor) Process(ctx context.Context, msg message.Notification) error {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		p.Deliver(ctx, msg)
	}()
	return nil
}

// Deliver sends one notification while holding its outbox row lock.
func (p *Processor) Deliver(ctx context.Context, msg message.Notification) {
	ctx = logcontext.AppendCtx(ctx, slog.String("id", msg.ID.String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		deliveryErrorCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	entity, err := p.repo.SelectForUpdateByID(ctx, tx, msg.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error selecting notification for update", "error", err)
		deliveryErrorCounter.Inc()
		return
	}
	if entity.DeliveredAt != nil {
		deliveryDuplicateCounter.Inc()
		return
	}

	sendErr := p.sender.Send(ctx, msg.Url, msg.Payload)
	entity.DeliveryAttempts++
	now := time.Now()

	if sendErr != nil {
		errMsg := sendErr.Error()
		entity.Error = &errMsg

		if entity.DeliveryAttempts >= p.maxAttempts {
			p.logger.WarnContext(ctx, "Max delivery attempts reached for notification", "error", sendErr)
			entity.ScheduledAt = nil
			deliveryMaxAttemptsCounter.Inc()
		} else {
			p.logger.InfoContext(ctx, "Notification delivery failed, rescheduling", "error", sendErr)
			scheduledAt := now.Add(time.Duration(entity.DeliveryAttempts) * p.retryDelay)
			entity.ScheduledAt = &scheduledAt
			deliveryRescheduledCounter.Inc()
		}
	} else {
		entity.DeliveredAt = &now
		entity.ScheduledAt = nil
		entity.Error = nil
		deliveryDeliveredCounter.Inc()
	}

	if err := p.repo.Update(ctx, tx, entity); err != nil {
		p.logger.ErrorContext(ctx, "Error updating notification", "error", err)
		deliveryErrorCounter.Inc()
		return
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		deliveryErrorCounter.Inc()
	}
}
