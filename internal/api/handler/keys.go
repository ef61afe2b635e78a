package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/apikey"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// KeyCreator persists new API keys.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response.
func NewCreateKeyHandler(keys KeyCreator, bcryptCost int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string   `json:"owner_id"`
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
		}
		if err := response.Decode(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		key, raw, err := apikey.Generate(req.OwnerID, req.Name, req.Scopes, bcryptCost)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			slog.Error("create api key failed", "error", err, "owner_id", key.OwnerID)
			response.InternalError(w)
			return
		}

		response.Created(w, createKeyResponse{
			ID:        key.ID,
			OwnerID:   key.OwnerID,
			Name:      key.Name,
			Key:       raw,
			KeyPrefix: key.KeyPrefix,
			Scopes:    key.Scopes,
			CreatedAt: key.CreatedAt,
		})
	}
}
