package processor

// Payment intent statuses reported by the processor.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

type Account struct {
	ID               string `json:"id"`
	Country          string `json:"country"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
}

type AccountParams struct {
	OwnerID string `json:"owner_id"`
	Country string `json:"country"`
}

type AccountLinkParams struct {
	Account    string `json:"account"`
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
}

type AccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PaymentIntentParams struct {
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	ApplicationFeeAmount int64             `json:"application_fee_amount"`
	Destination          string            `json:"destination"`
	Customer             string            `json:"customer,omitempty"`
	PaymentMethod        string            `json:"payment_method,omitempty"`
	Confirm              bool              `json:"confirm"`
	OffSession           bool              `json:"off_session,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

type PaymentIntent struct {
	ID               string        `json:"id"`
	ClientSecret     string        `json:"client_secret"`
	Status           string        `json:"status"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Subscription     string        `json:"subscription,omitempty"`
	LastPaymentError *PaymentError `json:"last_payment_error,omitempty"`
}

type SubscriptionParams struct {
	Customer             string            `json:"customer"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Interval             string            `json:"interval"`
	ApplicationFeeAmount int64             `json:"application_fee_amount"`
	Destination          string            `json:"destination"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

type Subscription struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type apiError struct {
	Error struct {
		Type          string         `json:"type"`
		Code          string         `json:"code"`
		Message       string         `json:"message"`
		PaymentIntent *PaymentIntent `json:"payment_intent,omitempty"`
	} `json:"error"`
}
