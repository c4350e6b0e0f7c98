package api

import (
	"io"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/webhook"
)

const maxWebhookBytes = 1 << 20

var signatureRejectedCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="signature_rejected"}`)

type webhookResponse struct {
	Received bool `json:"received"`
}

// handleWebhook acknowledges only after the event is durably applied; a 5xx
// makes the processor redeliver.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, apperror.Validation("", "unreadable body"))
		return
	}

	err = webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), s.webhook.Secret, time.Now(), s.webhook.Tolerance)
	if err != nil {
		signatureRejectedCounter.Inc()
		s.logger.WarnContext(r.Context(), "Webhook signature rejected",
			"security", true,
			"remoteAddr", r.RemoteAddr,
			"error", err)
		writeError(w, err)
		return
	}

	event, err := webhook.ParseEvent(body)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), event); err != nil {
		if kind, _ := apperror.KindOf(err); kind == apperror.KindValidation {
			writeError(w, err)
			return
		}
		s.logger.ErrorContext(r.Context(), "Error dispatching webhook", "eventId", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}
