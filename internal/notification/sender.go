package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/config"
)

const defaultTimeoutMs = 10_000

type Sender struct {
	client *http.Client
	logger *slog.Logger
}

func NewSender(cfg config.NotificationSender, logger *slog.Logger) *Sender {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Sender{
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, url, payload string) error {
	s.logger.DebugContext(ctx, "Sending notification", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		s.logger.WarnContext(ctx, "Notification endpoint returned an error", "status", resp.Status, "body", string(respBody))
		return fmt.Errorf("error response: %s", resp.Status)
	}

	s.logger.DebugContext(ctx, "Notification delivered", "url", url, "status", resp.Status)
	return nil
}
