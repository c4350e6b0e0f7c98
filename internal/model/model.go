package model

import (
	"time"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountStatusNone    AccountStatus = "none"
	AccountStatusPending AccountStatus = "pending"
	AccountStatusActive  AccountStatus = "active"
)

type PayoutAccount struct {
	OwnerID          string        `json:"ownerId"`
	ExternalRef      string        `json:"externalRef,omitempty"`
	Country          string        `json:"country,omitempty"`
	Status           AccountStatus `json:"status"`
	DetailsSubmitted bool          `json:"detailsSubmitted"`
	ChargesEnabled   bool          `json:"chargesEnabled"`
	FeeRateBps       *int64        `json:"feeRateBps,omitempty"`
	SnapshotAt       *time.Time    `json:"snapshotAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// AccountSnapshot is the processor's full view of a payout account.
// ObservedAt is when the processor produced it. A Replayed snapshot is only
// applied when no newer snapshot has been stored for the account.
type AccountSnapshot struct {
	DetailsSubmitted bool
	ChargesEnabled   bool
	ObservedAt       time.Time
	Replayed         bool
}

func (s AccountSnapshot) Status() AccountStatus {
	if s.DetailsSubmitted && s.ChargesEnabled {
		return AccountStatusActive
	}
	return AccountStatusPending
}

type DonationStatus string

const (
	DonationStatusPending   DonationStatus = "pending"
	DonationStatusSucceeded DonationStatus = "succeeded"
	DonationStatusFailed    DonationStatus = "failed"
)

func (s DonationStatus) Terminal() bool {
	return s == DonationStatusSucceeded || s == DonationStatusFailed
}

type Donation struct {
	ID            uuid.UUID      `json:"id"`
	ServerID      string         `json:"serverId"`
	DonorID       *string        `json:"donorId,omitempty"`
	Amount        int64          `json:"amount"`
	PlatformFee   int64          `json:"platformFee"`
	NetAmount     int64          `json:"netAmount"`
	Currency      string         `json:"currency"`
	Message       *string        `json:"message,omitempty"`
	Anonymous     bool           `json:"anonymous"`
	ExternalRef   string         `json:"externalRef"`
	Status        DonationStatus `json:"status"`
	FailureReason *string        `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Public returns a copy safe to show to anyone: anonymous donors are masked.
func (d Donation) Public() Donation {
	if d.Anonymous {
		d.DonorID = nil
	}
	return d
}

type PledgeStatus string

const (
	PledgeStatusActive    PledgeStatus = "ACTIVE"
	PledgeStatusCancelled PledgeStatus = "CANCELLED"
)

type Pledge struct {
	ID              uuid.UUID    `json:"id"`
	ServerID        string       `json:"serverId"`
	OwnerID         string       `json:"ownerId"`
	UserID          string       `json:"userId"`
	Amount          int64        `json:"amount"`
	OptimizedAmount int64        `json:"optimizedAmount"`
	PlatformFee     int64        `json:"platformFee"`
	Currency        string       `json:"currency"`
	ExternalRef     string       `json:"externalRef"`
	Status          PledgeStatus `json:"status"`
	CancelledAt     *time.Time   `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// OrphanEvent is a processor event whose external reference matched no local
// row when it arrived. ScheduledAt is nil once it is resolved or parked.
type OrphanEvent struct {
	ID          uuid.UUID
	ExternalRef string
	EventID     string
	EventType   string
	Payload     []byte
	Attempts    int
	ScheduledAt *time.Time
	ResolvedAt  *time.Time
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ServerTotals struct {
	ServerID       string `json:"serverId"`
	DonationsTotal int64  `json:"donationsTotal"`
	DonationsCount int64  `json:"donationsCount"`
	PledgesTotal   int64  `json:"pledgesTotal"`
	PledgesCount   int64  `json:"pledgesCount"`
	Total          int64  `json:"total"`
}
