package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/payload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var outboxEnqueuedCounter = metrics.GetOrCreateCounter(`notification_outbox_total{result="enqueued"}`)

// Outbox writes notification rows in the caller's transaction, so a message
// exists if and only if the state change that produced it committed.
type Outbox struct {
	repo   *db.NotificationRepository
	url    string
	logger *slog.Logger
}

func NewOutbox(repo *db.NotificationRepository, url string, logger *slog.Logger) *Outbox {
	return &Outbox{repo: repo, url: url, logger: logger}
}

// EnqueueDonation records a notification for a donation that just reached a
// terminal status. Without a configured URL nothing is written.
func (o *Outbox) EnqueueDonation(ctx context.Context, q db.Querier, d *model.Donation) error {
	if o == nil || o.url == "" {
		return nil
	}

	public := d.Public()
	body, err := json.Marshal(payload.DonationNotification{
		DonationID:  d.ID,
		ServerID:    d.ServerID,
		ExternalRef: d.ExternalRef,
		Status:      string(d.Status),
		Amount:      d.Amount,
		NetAmount:   d.NetAmount,
		Currency:    d.Currency,
		DonorID:     public.DonorID,
		Message:     d.Message,
		Anonymous:   d.Anonymous,
		OccurredAt:  d.UpdatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "marshal donation notification")
	}

	now := time.Now()
	entity := &db.NotificationMessageEntity{
		ID:          uuid.New(),
		ExternalRef: d.ExternalRef,
		Url:         o.url,
		Payload:     string(body),
		ScheduledAt: &now,
	}
	if _, err := o.repo.Create(ctx, q, entity); err != nil {
		return err
	}

	outboxEnqueuedCounter.Inc()
	o.logger.DebugContext(ctx, "Notification enqueued", "id", entity.ID)
	return nil
}
