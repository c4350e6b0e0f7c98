package webhook

import (
	"encoding/json"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
)

const (
	EventPaymentSucceeded     = "payment_intent.succeeded"
	EventPaymentFailed        = "payment_intent.payment_failed"
	EventAccountUpdated       = "account.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	defaultPaymentFailureCode = "payment_failed"
)

type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`

	raw []byte
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

type PaymentIntentObject struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Subscription     string `json:"subscription,omitempty"`
	LastPaymentError *struct {
		Code string `json:"code"`
	} `json:"last_payment_error,omitempty"`
}

// FailureCode is the decline code reported by the processor.
func (o PaymentIntentObject) FailureCode() string {
	if o.LastPaymentError != nil && o.LastPaymentError.Code != "" {
		return o.LastPaymentError.Code
	}
	return defaultPaymentFailureCode
}

type AccountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
}

func (o AccountObject) Snapshot(observedAt time.Time) model.AccountSnapshot {
	return model.AccountSnapshot{DetailsSubmitted: o.DetailsSubmitted, ChargesEnabled: o.ChargesEnabled, ObservedAt: observedAt}
}

type SubscriptionObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseEvent decodes a verified request body. The body is kept so orphaned
// events can be stored and replayed verbatim.
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, apperror.Validation("", "malformed event: %v", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, apperror.Validation("", "event id and type are required")
	}
	e.raw = body
	return &e, nil
}

// CreatedAt is when the processor created the event, zero when not reported.
func (e *Event) CreatedAt() time.Time {
	if e.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0)
}

func (e *Event) Raw() []byte {
	return e.raw
}

func (e *Event) decodeObject(v any) error {
	if len(e.Data.Object) == 0 {
		return apperror.Validation("", "event %s has no data object", e.ID)
	}
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return apperror.Validation("", "malformed %s object: %v", e.Type, err)
	}
	return nil
}

// Reference is the external reference the event applies to: the payment
// intent, or its subscription for recurring charges, the account, or the
// subscription. Unknown types have none.
func (e *Event) Reference() (string, error) {
	switch e.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var o PaymentIntentObject
		if err := e.decodeObject(&o); err != nil {
			return "", err
		}
		if o.Subscription != "" {
			return o.Subscription, nil
		}
		return o.ID, nil
	case EventAccountUpdated:
		var o AccountObject
		if err := e.decodeObject(&o); err != nil {
			return "", err
		}
		return o.ID, nil
	case EventSubscriptionDeleted:
		var o SubscriptionObject
		if err := e.decodeObject(&o); err != nil {
			return "", err
		}
		return o.ID, nil
	default:
		return "", nil
	}
}
