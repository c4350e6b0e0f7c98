package payload

import (
	"time"

	"github.com/google/uuid"
)

// DonationNotification is the body POSTed to the notification URL when a
// donation reaches a terminal status.
type DonationNotification struct {
	DonationID  uuid.UUID `json:"donationId"`
	ServerID    string    `json:"serverId"`
	ExternalRef string    `json:"externalRef"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	NetAmount   int64     `json:"netAmount"`
	Currency    string    `json:"currency"`
	DonorID     *string   `json:"donorId,omitempty"`
	Message     *string   `json:"message,omitempty"`
	Anonymous   bool      `json:"anonymous"`
	OccurredAt  time.Time `json:"occurredAt"`
}
