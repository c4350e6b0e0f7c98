package message

import (
	"github.com/google/uuid"
)

// Notification is the Kafka message published for each outbox row. Payload is
// the JSON body delivered to Url as is.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	ExternalRef string    `json:"externalRef"`
	Url         string    `json:"url"`
	Payload     string    `json:"payload"`
	Attempts    int       `json:"attempts"`
}
