package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/processor"
	"github.com/anthev-stack/commpledge-sub001/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	contentType = "application/json"

	// Payment methods that the mock declines, keyed to the reported decline code.
	declinedCard     = "pm_card_declined"
	insufficientCard = "pm_card_insufficient_funds"
)

type errorBody struct {
	Error struct {
		Type          string                   `json:"type"`
		Code          string                   `json:"code"`
		Message       string                   `json:"message"`
		PaymentIntent *processor.PaymentIntent `json:"payment_intent,omitempty"`
	} `json:"error"`
}

type mockProcessor struct {
	mu            sync.Mutex
	accounts      map[string]*processor.Account
	subscriptions map[string]*processor.Subscription

	webhookURL    string
	webhookSecret string
	webhookDelay  time.Duration
	client        *http.Client
	logger        *slog.Logger
}

func newMockProcessor(webhookURL, webhookSecret string, webhookDelay time.Duration, logger *slog.Logger) *mockProcessor {
	return &mockProcessor{
		accounts:      make(map[string]*processor.Account),
		subscriptions: make(map[string]*processor.Subscription),
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		webhookDelay:  webhookDelay,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

func (m *mockProcessor) routes(secretKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware(m.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireBearer(secretKey))
		r.Use(idempotencyMiddleware)

		r.Post("/accounts", m.createAccount)
		r.Get("/accounts/{id}", m.getAccount)
		r.Post("/account_links", m.createAccountLink)
		r.Post("/payment_intents", m.createPaymentIntent)
		r.Post("/subscriptions", m.createSubscription)
		r.Delete("/subscriptions/{id}", m.cancelSubscription)
	})

	// Completes onboarding for an account, standing in for the hosted flow.
	r.Post("/onboarding/{id}/complete", m.completeOnboarding)

	return r
}

func (m *mockProcessor) createAccount(w http.ResponseWriter, r *http.Request) {
	var params processor.AccountParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Country == "" {
		writeError(w, http.StatusBadRequest, "parameter_missing", "country is required", nil)
		return
	}

	account := &processor.Account{ID: "acct_" + shortID(), Country: params.Country}
	m.mu.Lock()
	m.accounts[account.ID] = account
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, account)
}

func (m *mockProcessor) getAccount(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	account, ok := m.accounts[chi.URLParam(r, "id")]
	var snapshot processor.Account
	if ok {
		snapshot = *account
	}
	m.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "no such account", nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (m *mockProcessor) createAccountLink(w http.ResponseWriter, r *http.Request) {
	var params processor.AccountLinkParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Account == "" {
		writeError(w, http.StatusBadRequest, "parameter_missing", "account is required", nil)
		return
	}

	writeJSON(w, http.StatusOK, processor.AccountLink{
		URL:       fmt.Sprintf("http://%s/onboarding/%s/complete", r.Host, params.Account),
		ExpiresAt: time.Now().Add(5 * time.Minute).Unix(),
	})
}

func (m *mockProcessor) completeOnboarding(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	account, ok := m.accounts[chi.URLParam(r, "id")]
	var snapshot processor.Account
	if ok {
		account.DetailsSubmitted = true
		account.ChargesEnabled = true
		snapshot = *account
	}
	m.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "no such account", nil)
		return
	}
	m.emit(webhook.EventAccountUpdated, snapshot)
	writeJSON(w, http.StatusOK, snapshot)
}

func (m *mockProcessor) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	var params processor.PaymentIntentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Amount <= 0 || params.Currency == "" {
		writeError(w, http.StatusBadRequest, "parameter_invalid", "amount and currency are required", nil)
		return
	}

	id := "pi_" + shortID()
	intent := processor.PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + shortID(),
		Status:       processor.IntentRequiresPaymentMethod,
		Amount:       params.Amount,
		Currency:     params.Currency,
	}

	if !params.Confirm {
		// Client-side confirmation is simulated by an immediate success event.
		m.emit(webhook.EventPaymentSucceeded, processor.PaymentIntent{ID: id, Status: processor.IntentSucceeded, Amount: params.Amount})
		writeJSON(w, http.StatusOK, intent)
		return
	}

	if code := declineCode(params.PaymentMethod); code != "" {
		intent.LastPaymentError = &processor.PaymentError{Code: code, Message: "Your card was declined."}
		m.emit(webhook.EventPaymentFailed, intent)
		writeError(w, http.StatusPaymentRequired, code, "Your card was declined.", &intent)
		return
	}

	intent.Status = processor.IntentSucceeded
	m.emit(webhook.EventPaymentSucceeded, intent)
	writeJSON(w, http.StatusOK, intent)
}

func (m *mockProcessor) createSubscription(w http.ResponseWriter, r *http.Request) {
	var params processor.SubscriptionParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.Customer == "" || params.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "parameter_invalid", "customer and amount are required", nil)
		return
	}

	sub := &processor.Subscription{ID: "sub_" + shortID(), Status: "active"}
	m.mu.Lock()
	m.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	m.emit(webhook.EventPaymentSucceeded, processor.PaymentIntent{
		ID:           "pi_" + shortID(),
		Status:       processor.IntentSucceeded,
		Amount:       params.Amount,
		Currency:     params.Currency,
		Subscription: sub.ID,
	})
	writeJSON(w, http.StatusOK, sub)
}

func (m *mockProcessor) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	sub, ok := m.subscriptions[chi.URLParam(r, "id")]
	var snapshot processor.Subscription
	if ok {
		sub.Status = "canceled"
		snapshot = *sub
	}
	m.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "no such subscription", nil)
		return
	}
	m.emit(webhook.EventSubscriptionDeleted, snapshot)
	writeJSON(w, http.StatusOK, snapshot)
}

// emit delivers a signed event to the webhook URL after the configured delay.
// A zero delay delivers before the API response is written, which reproduces
// events racing ahead of the local record.
func (m *mockProcessor) emit(eventType string, object any) {
	if m.webhookURL == "" {
		return
	}

	data, err := json.Marshal(object)
	if err != nil {
		m.logger.Error("Error marshalling event object", "error", err)
		return
	}
	body, err := json.Marshal(map[string]any{
		"id":      "evt_" + shortID(),
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]json.RawMessage{"object": data},
	})
	if err != nil {
		m.logger.Error("Error marshalling event", "error", err)
		return
	}

	if m.webhookDelay <= 0 {
		m.deliver(context.Background(), eventType, body)
		return
	}
	time.AfterFunc(m.webhookDelay, func() {
		m.deliver(context.Background(), eventType, body)
	})
}

func (m *mockProcessor) deliver(ctx context.Context, eventType string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("Error creating webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(m.webhookSecret, body, time.Now()))

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("Error delivering webhook", "type", eventType, "error", err)
		return
	}
	defer resp.Body.Close()
	m.logger.Info("Webhook delivered", "type", eventType, "status", resp.StatusCode)
}

func declineCode(paymentMethod string) string {
	switch paymentMethod {
	case declinedCard:
		return "card_declined"
	case insufficientCard:
		return "insufficient_funds"
	default:
		return ""
	}
}

func shortID() string {
	return uuid.New().String()[:8]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, intent *processor.PaymentIntent) {
	var body errorBody
	body.Error.Type = "invalid_request_error"
	if intent != nil {
		body.Error.Type = "card_error"
	}
	body.Error.Code = code
	body.Error.Message = message
	body.Error.PaymentIntent = intent
	writeJSON(w, status, body)
}
