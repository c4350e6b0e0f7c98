package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/processor"
	"github.com/anthev-stack/commpledge-sub001/internal/webhook"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecretKey     = "sk_test"
	testWebhookSecret = "whsec_test"
)

type eventSink struct {
	mu     sync.Mutex
	events []*webhook.Event
	t      *testing.T
}

func (s *eventSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if !assert.NoError(s.t, err) {
		return
	}
	assert.NoError(s.t, webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), testWebhookSecret, time.Now(), time.Minute))

	event, err := webhook.ParseEvent(body)
	if !assert.NoError(s.t, err) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func setup(t *testing.T) (*processor.Client, *eventSink) {
	sink := &eventSink{t: t}
	sinkServer := httptest.NewServer(sink)
	t.Cleanup(sinkServer.Close)

	mock := newMockProcessor(sinkServer.URL, testWebhookSecret, 0, slog.Default())
	mockServer := httptest.NewServer(mock.routes(testSecretKey))
	t.Cleanup(mockServer.Close)

	client := processor.NewClient(config.Processor{URL: mockServer.URL, SecretKey: testSecretKey, TimeoutMs: 5000}, slog.Default())
	return client, sink
}

func TestMock_AccountOnboarding(t *testing.T) {
	client, sink := setup(t)
	ctx := context.Background()

	account, err := client.CreateAccount(ctx, processor.AccountParams{OwnerID: "owner-1", Country: "US"}, "account-owner-1")
	require.NoError(t, err)
	assert.False(t, account.ChargesEnabled)

	again, err := client.CreateAccount(ctx, processor.AccountParams{OwnerID: "owner-1", Country: "US"}, "account-owner-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)

	link, err := client.CreateAccountLink(ctx, processor.AccountLinkParams{Account: account.ID})
	require.NoError(t, err)

	resp, err := http.Post(link.URL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	fetched, err := client.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, fetched.DetailsSubmitted)
	assert.True(t, fetched.ChargesEnabled)
	assert.Equal(t, []string{webhook.EventAccountUpdated}, sink.types())
}

func TestMock_PaymentIntents(t *testing.T) {
	client, sink := setup(t)
	ctx := context.Background()

	intent, err := client.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		Amount: 1000, Currency: "usd", Destination: "acct_1", Confirm: true, PaymentMethod: "pm_card_visa",
	}, "donation-1")
	require.NoError(t, err)
	assert.Equal(t, processor.IntentSucceeded, intent.Status)

	declined, err := client.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		Amount: 1000, Currency: "usd", Destination: "acct_1", Confirm: true, PaymentMethod: declinedCard,
	}, "donation-2")
	require.NoError(t, err)
	require.NotNil(t, declined.LastPaymentError)
	assert.Equal(t, "card_declined", declined.LastPaymentError.Code)

	assert.Equal(t, []string{webhook.EventPaymentSucceeded, webhook.EventPaymentFailed}, sink.types())
}

func TestMock_Subscriptions(t *testing.T) {
	client, sink := setup(t)
	ctx := context.Background()

	sub, err := client.CreateSubscription(ctx, processor.SubscriptionParams{
		Customer: "cus_1", Amount: 500, Currency: "usd", Interval: "month", Destination: "acct_1",
	}, "pledge-1")
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)

	require.NoError(t, client.CancelSubscription(ctx, sub.ID))

	err = client.CancelSubscription(ctx, "sub_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrExternalProcessor))

	assert.Equal(t, []string{webhook.EventPaymentSucceeded, webhook.EventSubscriptionDeleted}, sink.types())
}

func TestMock_RejectsWrongKey(t *testing.T) {
	mock := newMockProcessor("", testWebhookSecret, 0, slog.Default())
	server := httptest.NewServer(mock.routes(testSecretKey))
	defer server.Close()

	client := processor.NewClient(config.Processor{URL: server.URL, SecretKey: "sk_wrong"}, slog.Default())
	_, err := client.GetAccount(context.Background(), "acct_1")
	require.Error(t, err)
}
