package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/transly/internal/credits"
	"github.com/kiranshivaraju/transly/internal/langcode"
	"github.com/kiranshivaraju/transly/internal/pipeline"
	"github.com/kiranshivaraju/transly/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type estimatorFunc func(text string) pipeline.Estimate

func (f estimatorFunc) Estimate(text string) pipeline.Estimate { return f(text) }

type mockAccounts struct {
	balanceFn func(owner string) (*models.CreditAccount, error)
	grantFn   func(owner string, amount int) (*models.CreditAccount, error)
}

func (m *mockAccounts) Balance(_ context.Context, owner string) (*models.CreditAccount, error) {
	return m.balanceFn(owner)
}

func (m *mockAccounts) Grant(_ context.Context, owner string, amount int) (*models.CreditAccount, error) {
	return m.grantFn(owner, amount)
}

func TestEstimateHandler(t *testing.T) {
	est := estimatorFunc(func(text string) pipeline.Estimate {
		return pipeline.Estimate{Characters: len(text), CreditsRequired: 7, FreeCharacters: 500}
	})

	rec := httptest.NewRecorder()
	NewEstimateHandler(est).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/credits/estimate", map[string]string{"text": "abc"}))

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(3), data["characters"])
	assert.Equal(t, float64(7), data["credits_required"])
	assert.Equal(t, float64(500), data["free_characters"])
}

func TestBalanceHandler(t *testing.T) {
	accounts := &mockAccounts{balanceFn: func(owner string) (*models.CreditAccount, error) {
		return &models.CreditAccount{OwnerID: owner, Balance: 42}, nil
	}}

	rec := httptest.NewRecorder()
	NewBalanceHandler(accounts).ServeHTTP(rec, asOwner(httptest.NewRequest("GET", "/api/v1/credits", nil), "alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "alice", data["owner_id"])
	assert.Equal(t, float64(42), data["balance"])

	rec = httptest.NewRecorder()
	NewBalanceHandler(accounts).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/credits", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGrantCreditsHandler(t *testing.T) {
	accounts := &mockAccounts{grantFn: func(owner string, amount int) (*models.CreditAccount, error) {
		if amount < -100 {
			return nil, &credits.InsufficientCreditsError{Required: -amount, Available: 100}
		}
		if owner == "broken" {
			return nil, errors.New("db down")
		}
		return &models.CreditAccount{OwnerID: owner, Balance: 100 + amount}, nil
	}}
	h := NewGrantCreditsHandler(accounts)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"grant", map[string]any{"owner_id": "alice", "amount": 50}, http.StatusOK},
		{"missing owner", map[string]any{"amount": 50}, http.StatusBadRequest},
		{"guest", map[string]any{"owner_id": "guest", "amount": 50}, http.StatusBadRequest},
		{"zero", map[string]any{"owner_id": "alice", "amount": 0}, http.StatusBadRequest},
		{"overdraw", map[string]any{"owner_id": "alice", "amount": -500}, http.StatusConflict},
		{"store error", map[string]any{"owner_id": "broken", "amount": 5}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/credits", tt.body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/credits", map[string]any{"owner_id": "alice", "amount": 50}))
	assert.Equal(t, float64(150), decodeData(t, rec)["balance"])
}

type languageList []langcode.Language

func (l languageList) Languages() []langcode.Language { return l }

func TestLanguagesHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewLanguagesHandler(languageList(langcode.Default().List())).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/languages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"fr"`)
	assert.Contains(t, rec.Body.String(), `"nllb":"fra_Latn"`)
}

type statsFunc func() (models.QueueStats, error)

func (f statsFunc) Stats(context.Context) (models.QueueStats, error) { return f() }

func TestQueueStatsHandler(t *testing.T) {
	h := NewQueueStatsHandler(statsFunc(func() (models.QueueStats, error) {
		return models.QueueStats{models.JobStatusPending: 2, models.JobStatusCompleted: 5}, nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/queue", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["pending"])
	assert.Equal(t, float64(0), data["processing"])
	assert.Equal(t, float64(5), data["completed"])
	assert.Equal(t, float64(7), data["total"])

	failing := NewQueueStatsHandler(statsFunc(func() (models.QueueStats, error) { return nil, errors.New("x") }))
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/queue", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type keyCreatorFunc func(*models.APIKey) error

func (f keyCreatorFunc) CreateAPIKey(_ context.Context, k *models.APIKey) error { return f(k) }

func TestCreateKeyHandler(t *testing.T) {
	var stored *models.APIKey
	h := NewCreateKeyHandler(keyCreatorFunc(func(k *models.APIKey) error {
		stored = k
		return nil
	}), bcrypt.MinCost)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/keys", map[string]any{
		"owner_id": "alice", "name": "laptop", "scopes": []string{"admin"},
	}))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	raw := data["key"].(string)
	assert.Equal(t, raw[:8], data["key_prefix"])
	require.NotNil(t, stored)
	assert.Equal(t, "alice", stored.OwnerID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(raw)))
	assert.NotContains(t, rec.Body.String(), stored.KeyHash)
}

func TestCreateKeyHandler_Errors(t *testing.T) {
	h := NewCreateKeyHandler(keyCreatorFunc(func(*models.APIKey) error { return errors.New("dup") }), bcrypt.MinCost)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/keys", map[string]any{"owner_id": ""}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/keys", map[string]any{"owner_id": "alice"}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
