package db

import (
	"time"

	"github.com/google/uuid"
)

// NotificationMessageEntity is an outbox row: written in the transaction that
// changed a donation, published to Kafka by the producer and delivered over
// HTTP by the consumer.
type NotificationMessageEntity struct {
	ID               uuid.UUID
	ExternalRef      string
	Url              string
	Payload          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	DeliveredAt      *time.Time
	PublishAttempts  int
	DeliveryAttempts int
	Error            *string
}
