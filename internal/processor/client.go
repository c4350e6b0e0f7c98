// Package processor is the HTTP client for the external payment processor.
// Every call is bounded by the configured timeout and is never retried here;
// retrying is up to the caller.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/pkg/errors"
)

const defaultTimeoutMs = 15_000

type Client struct {
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *slog.Logger
}

func NewClient(cfg config.Processor, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:    logger,
	}
}

func (c *Client) CreateAccount(ctx context.Context, params AccountParams, idempotencyKey string) (*Account, error) {
	var account Account
	if err := c.do(ctx, "create_account", http.MethodPost, "/v1/accounts", idempotencyKey, params, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	var account Account
	if err := c.do(ctx, "get_account", http.MethodGet, "/v1/accounts/"+id, "", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *Client) CreateAccountLink(ctx context.Context, params AccountLinkParams) (*AccountLink, error) {
	var link AccountLink
	if err := c.do(ctx, "create_account_link", http.MethodPost, "/v1/account_links", "", params, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// CreatePaymentIntent opens a payment transaction. A confirmed intent that the
// processor declines is returned without error, carrying LastPaymentError.
func (c *Client) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams, idempotencyKey string) (*PaymentIntent, error) {
	var intent PaymentIntent
	err := c.do(ctx, "create_payment_intent", http.MethodPost, "/v1/payment_intents", idempotencyKey, params, &intent)
	if err != nil {
		var declined *declinedError
		if errors.As(err, &declined) {
			return declined.intent, nil
		}
		return nil, err
	}
	return &intent, nil
}

func (c *Client) CreateSubscription(ctx context.Context, params SubscriptionParams, idempotencyKey string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, "create_subscription", http.MethodPost, "/v1/subscriptions", idempotencyKey, params, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, id string) error {
	var sub Subscription
	return c.do(ctx, "cancel_subscription", http.MethodDelete, "/v1/subscriptions/"+id, "", nil, &sub)
}

type declinedError struct {
	intent *PaymentIntent
}

func (e *declinedError) Error() string { return "payment declined" }

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, body, out any) error {
	startTime := time.Now()
	defer func() {
		metrics.GetOrCreateHistogram(fmt.Sprintf(`processor_request_duration_milliseconds{op=%q}`, op)).
			Update(float64(time.Since(startTime).Milliseconds()))
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal processor request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperror.ExternalProcessor("request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	c.logger.DebugContext(ctx, "Calling processor", "op", op, "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error calling processor", "op", op, "error", err)
		metrics.GetOrCreateCounter(fmt.Sprintf(`processor_requests_total{op=%q,result="network_error"}`, op)).Inc()
		return apperror.ExternalProcessor("network", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.ExternalProcessor("network", err)
	}

	if resp.StatusCode >= 400 {
		metrics.GetOrCreateCounter(fmt.Sprintf(`processor_requests_total{op=%q,result="error_response"}`, op)).Inc()

		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Error.PaymentIntent != nil && apiErr.Error.PaymentIntent.ID != "" {
			return &declinedError{intent: apiErr.Error.PaymentIntent}
		}

		c.logger.ErrorContext(ctx, "Processor returned error", "op", op, "status", resp.Status, "code", apiErr.Error.Code)
		return apperror.ExternalProcessor(apiErr.Error.Code, fmt.Errorf("processor %s %s: %s", method, path, resp.Status))
	}

	metrics.GetOrCreateCounter(fmt.Sprintf(`processor_requests_total{op=%q,result="success"}`, op)).Inc()

	if err := json.Unmarshal(respBody, out); err != nil {
		return apperror.ExternalProcessor("decode", err)
	}
	return nil
}
