// Package api exposes the HTTP surface: owner and donor endpoints, read-only
// ledger views and the processor webhook.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/charge"
	"github.com/anthev-stack/commpledge-sub001/internal/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Accounts interface {
	CreateOrGetAccount(ctx context.Context, actor, ownerID, country string) (string, error)
	IssueOnboardingLink(ctx context.Context, accountRef string) (string, error)
	AccountStatus(ctx context.Context, ownerID string) (*model.PayoutAccount, error)
	RefreshAccountStatus(ctx context.Context, actor, ownerID string) (*model.PayoutAccount, error)
}

type Charges interface {
	InitiateDonation(ctx context.Context, req charge.DonationRequest) (*charge.DonationResult, error)
	InitiateDonationWithSavedMethod(ctx context.Context, req charge.SavedMethodRequest) (*charge.DonationResult, error)
	InitiatePledge(ctx context.Context, req charge.PledgeRequest) (*model.Pledge, error)
	CancelPledge(ctx context.Context, actor string, pledgeID uuid.UUID) (*model.Pledge, error)
}

type Ledger interface {
	ComputeServerTotals(ctx context.Context, serverID string) (model.ServerTotals, error)
	ListServerDonations(ctx context.Context, serverID string, limit int) ([]model.Donation, error)
	GetDonation(ctx context.Context, externalRef string) (model.Donation, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event *webhook.Event) error
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type Server struct {
	accounts   Accounts
	charges    Charges
	ledger     Ledger
	dispatcher Dispatcher
	webhook    WebhookConfig
	logger     *slog.Logger
}

func NewServer(accounts Accounts, charges Charges, ledger Ledger, dispatcher Dispatcher, webhookCfg WebhookConfig, logger *slog.Logger) *Server {
	return &Server{
		accounts:   accounts,
		charges:    charges,
		ledger:     ledger,
		dispatcher: dispatcher,
		webhook:    webhookCfg,
		logger:     logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// trusted by signature, not by actor
	r.Post("/webhooks/processor", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(actorMiddleware)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.handleCreateAccount)
			r.Post("/onboarding-link", s.handleOnboardingLink)
			r.Get("/me", s.handleAccountStatus)
		})

		r.Route("/servers/{serverID}", func(r chi.Router) {
			r.Post("/donations", s.handleDonate)
			r.Post("/donations/saved-method", s.handleDonateSavedMethod)
			r.Get("/donations", s.handleListDonations)
			r.Post("/pledges", s.handlePledge)
			r.Get("/totals", s.handleTotals)
		})

		r.Post("/pledges/{pledgeID}/cancel", s.handleCancelPledge)
		r.Get("/donations/{ref}", s.handleGetDonation)
	})

	return r
}
