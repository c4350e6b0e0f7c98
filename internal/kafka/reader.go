package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/message"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var notificationMessageMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="notification"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="notification"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="notification"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="notification"}`),
}

type NotificationProcessor interface {
	Process(ctx context.Context, msg message.Notification) error
}

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.Notifications,
	})
}

func ReadNotifications(ctx context.Context, reader *kafka.Reader, processor NotificationProcessor, logger *slog.Logger) {
	readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var n message.Notification
		if err := json.Unmarshal(value, &n); err != nil {
			logger.ErrorContext(ctx, "Error unmarshalling message", "error", err)
			notificationMessageMetrics.UnmarshalErrorCounter.Inc()
			return err
		}
		return processor.Process(ctx, n)
	}, notificationMessageMetrics)
}

func readMessages(ctx context.Context, reader *kafka.Reader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.InfoContext(ctx, "Context done, stopping reader")
					return
				}
				logger.ErrorContext(ctx, "Error reading message", "error", err)
				kafkaMetrics.ReadErrorCounter.Inc()
				continue
			}
			logger.DebugContext(ctx, "Received message", "topic", m.Topic, "key", string(m.Key))

			if err := process(ctx, m.Value); err != nil {
				logger.ErrorContext(ctx, "Error processing message", "error", err)
				kafkaMetrics.ProcessErrorCounter.Inc()
				continue
			}
			kafkaMetrics.SuccessCounter.Inc()
		}
	}()
}
