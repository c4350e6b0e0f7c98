package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/anthev-stack/commpledge-sub001/internal/message"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs   = 500
	defaultFetchSize           = 200
	defaultRetryPublishDelayMs = 10_000
	defaultMaxPublishAttempts  = 3
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`notification_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`notification_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`notification_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`notification_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`notification_producer_duration_milliseconds`)

	// producer per message metrics
	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="rescheduled"}`)
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer moves due outbox rows onto the notification topic.
type Producer struct {
	repo               *db.NotificationRepository
	writer             MessageWriter
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(repo *db.NotificationRepository, writer MessageWriter, cfg config.NotificationProducer, logger *slog.Logger) *Producer {
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(orDefault(cfg.PollingIntervalMs, defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:          orDefault(cfg.FetchSize, defaultFetchSize),
		retryDelay:         time.Duration(orDefault(cfg.RescheduleDelayMs, defaultRetryPublishDelayMs)) * time.Millisecond,
		maxPublishAttempts: orDefault(cfg.MaxPublishAttempts, defaultMaxPublishAttempts),
		logger:             logger,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping producer")
				return
			}
		}
	}()
}

// Process publishes one batch of due messages.
func (p *Producer) Process(ctx context.Context) {
	startTime := time.Now()
	defer func() {
		producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	notifications, err := p.repo.GetUnpublished(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unpublished notifications", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(notifications) == 0 {
		p.logger.DebugContext(ctx, "No unpublished notifications found")
		producerSuccessCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Writing messages to Kafka", "count", len(notifications))
	err = p.writer.WriteMessages(ctx, p.toKafkaMessages(ctx, notifications)...)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", err)
		producerErrorKafkaCounter.Inc()
	}

	now := time.Now()
	for _, n := range notifications {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("id", n.ID.String()))

		n.PublishAttempts++

		if err != nil {
			errMsg := err.Error()
			n.Error = &errMsg

			if n.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for notification")
				n.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(n.PublishAttempts) * p.retryDelay)
				n.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			n.ScheduledAt = nil
			n.PublishedAt = &now
			n.Error = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.Update(messageCtx, tx, n); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating notification", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
		return
	}

	producerSuccessCounter.Inc()
}

func (p *Producer) toKafkaMessages(ctx context.Context, notifications []*db.NotificationMessageEntity) []kafka.Message {
	kafkaMessages := make([]kafka.Message, 0, len(notifications))

	for _, entity := range notifications {
		p.logger.DebugContext(ctx, "Preparing Kafka message for notification", "id", entity.ID)

		messageBytes, _ := json.Marshal(message.Notification{
			ID:          entity.ID,
			ExternalRef: entity.ExternalRef,
			Url:         entity.Url,
			Payload:     entity.Payload,
			Attempts:    entity.DeliveryAttempts,
		})

		kafkaMessages = append(kafkaMessages, kafka.Message{
			// keyed by reference so messages for one donation stay ordered
			Key:   []byte(entity.ExternalRef),
			Value: messageBytes,
		})
	}
	return kafkaMessages
}
