package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	mw "github.com/kiranshivaraju/transly/internal/api/middleware"
	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/credits"
	"github.com/kiranshivaraju/transly/internal/pipeline"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// Estimator prices text without side effects.
type Estimator interface {
	Estimate(text string) pipeline.Estimate
}

// CreditAccounts reads and adjusts balances.
type CreditAccounts interface {
	Balance(ctx context.Context, ownerID string) (*models.CreditAccount, error)
	Grant(ctx context.Context, ownerID string, amount int) (*models.CreditAccount, error)
}

// NewEstimateHandler returns an http.HandlerFunc for POST /api/v1/credits/estimate.
func NewEstimateHandler(est Estimator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := response.Decode(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		response.JSON(w, est.Estimate(req.Text))
	}
}

type balanceResponse struct {
	OwnerID string `json:"owner_id"`
	Balance int    `json:"balance"`
}

// NewBalanceHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewBalanceHandler(accounts CreditAccounts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		acct, err := accounts.Balance(r.Context(), owner)
		if err != nil {
			slog.Error("get balance failed", "error", err, "owner_id", owner)
			response.InternalError(w)
			return
		}
		response.JSON(w, balanceResponse{OwnerID: acct.OwnerID, Balance: acct.Balance})
	}
}

// NewGrantCreditsHandler returns an http.HandlerFunc for POST /api/v1/admin/credits.
// A negative amount debits the account.
func NewGrantCreditsHandler(accounts CreditAccounts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string `json:"owner_id"`
			Amount  int    `json:"amount"`
		}
		if err := response.Decode(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		req.OwnerID = strings.TrimSpace(req.OwnerID)
		if req.OwnerID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id is required", nil)
			return
		}
		if req.OwnerID == models.GuestOwnerID {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "guest has no credit account", nil)
			return
		}
		if req.Amount == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "amount must be non-zero", nil)
			return
		}

		acct, err := accounts.Grant(r.Context(), req.OwnerID, req.Amount)
		if err != nil {
			var insufficient *credits.InsufficientCreditsError
			if errors.As(err, &insufficient) {
				response.Error(w, http.StatusConflict, "INSUFFICIENT_CREDITS", "Debit exceeds balance",
					map[string]int{"required": insufficient.Required, "available": insufficient.Available})
				return
			}
			slog.Error("grant credits failed", "error", err, "owner_id", req.OwnerID)
			response.InternalError(w)
			return
		}
		response.JSON(w, balanceResponse{OwnerID: acct.OwnerID, Balance: acct.Balance})
	}
}
