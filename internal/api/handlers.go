package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/charge"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBytes = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.Validation("", "invalid request body")
	}
	return nil
}

func requireActor(r *http.Request) (string, error) {
	actor := actorFrom(r.Context())
	if actor == "" {
		return "", apperror.Authorization("sign in required")
	}
	return actor, nil
}

type createAccountRequest struct {
	Country string `json:"country"`
}

type accountResponse struct {
	ExternalRef string `json:"externalRef"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createAccountRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ref, err := s.accounts.CreateOrGetAccount(r.Context(), actor, actor, req.Country)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{ExternalRef: ref})
}

type onboardingLinkResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleOnboardingLink(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := s.accounts.AccountStatus(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}

	url, err := s.accounts.IssueOnboardingLink(r.Context(), account.ExternalRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, onboardingLinkResponse{URL: url})
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		account, err := s.accounts.RefreshAccountStatus(r.Context(), actor, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
		return
	}

	account, err := s.accounts.AccountStatus(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type donationRequest struct {
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency"`
	Message         *string `json:"message,omitempty"`
	Anonymous       bool    `json:"anonymous"`
	CustomerID      string  `json:"customerId,omitempty"`
	PaymentMethodID string  `json:"paymentMethodId,omitempty"`
}

func (req donationRequest) toDonation(serverID, actor string) charge.DonationRequest {
	d := charge.DonationRequest{
		ServerID:  serverID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Message:   req.Message,
		Anonymous: req.Anonymous,
	}
	if actor != "" {
		d.DonorID = &actor
	}
	return d
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.charges.InitiateDonation(r.Context(), req.toDonation(chi.URLParam(r, "serverID"), actorFrom(r.Context())))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDonateSavedMethod(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.charges.InitiateDonationWithSavedMethod(r.Context(), charge.SavedMethodRequest{
		DonationRequest: req.toDonation(chi.URLParam(r, "serverID"), actorFrom(r.Context())),
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type pledgeRequest struct {
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	CustomerID string `json:"customerId"`
}

func (s *Server) handlePledge(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req pledgeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	pledge, err := s.charges.InitiatePledge(r.Context(), charge.PledgeRequest{
		ServerID:   chi.URLParam(r, "serverID"),
		UserID:     actor,
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		Currency:   req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pledge)
}

func (s *Server) handleCancelPledge(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	pledgeID, err := uuid.Parse(chi.URLParam(r, "pledgeID"))
	if err != nil {
		writeError(w, apperror.Validation("", "invalid pledge id"))
		return
	}

	pledge, err := s.charges.CancelPledge(r.Context(), actor, pledgeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pledge)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.ComputeServerTotals(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleListDonations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	donations, err := s.ledger.ListServerDonations(r.Context(), chi.URLParam(r, "serverID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, donations)
}

func (s *Server) handleGetDonation(w http.ResponseWriter, r *http.Request) {
	donation, err := s.ledger.GetDonation(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, donation)
}
