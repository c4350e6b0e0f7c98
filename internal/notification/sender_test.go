package notification

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

func TestSender_Send(t *testing.T) {
	tests := []struct {
		name           string
		mockResponse   func()
		expectedError  bool
		expectedErrMsg string
	}{
		{
			name: "Success",
			mockResponse: func() {
				gock.New("http://example.com").
					Post("/notify").
					MatchType("json").
					Reply(200).
					JSON(map[string]string{"status": "ok"})
			},
			expectedError: false,
		},
		{
			name: "Error",
			mockResponse: func() {
				gock.New("http://example.com").
					Post("/notify").
					Reply(500).
					JSON(map[string]string{"error": "internal server error"})
			},
			expectedError:  true,
			expectedErrMsg: "500",
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New("http://example.com").
					Post("/notify").
					Reply(200).
					Delay(2 * time.Second)
			},
			expectedError:  true,
			expectedErrMsg: "Client.Timeout exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.mockResponse()

			sender := NewSender(config.NotificationSender{TimeoutMs: 500}, slog.Default())

			err := sender.Send(context.Background(), "http://example.com/notify", `{"status":"succeeded"}`)
			if tt.expectedError {
				assert.Error(t, err)
				if tt.expectedErrMsg != "" {
					assert.Contains(t, err.Error(), tt.expectedErrMsg)
				}
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, gock.IsDone())
		})
	}
}
