package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading key characters stored in clear for lookup.
const KeyPrefixLen = 8

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store store.APIKeyStore
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.APIKeyStore) *Auth {
	return &Auth{store: s}
}

// Authenticate requires a valid Bearer key and sets owner_id, key_prefix
// and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		a.serveWithKey(w, r, next, rawKey)
	})
}

// Identify authenticates when an Authorization header is present and lets
// the request through as a guest when it is not. A header that is present
// but invalid is still rejected.
func (a *Auth) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		a.serveWithKey(w, r, next, rawKey)
	})
}

func (a *Auth) serveWithKey(w http.ResponseWriter, r *http.Request, next http.Handler, rawKey string) {
	if len(rawKey) < KeyPrefixLen {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key format", nil)
		return
	}
	prefix := rawKey[:KeyPrefixLen]

	keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
	if err != nil {
		slog.Error("api key lookup failed", "error", err, "key_prefix", prefix)
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "Failed to validate API key", nil)
		return
	}

	key := matchKey(keys, rawKey)
	if key == nil {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
		return
	}

	ctx := r.Context()
	ctx = SetOwnerID(ctx, key.OwnerID)
	ctx = SetKeyPrefix(ctx, prefix)
	ctx = setScopes(ctx, key.Scopes)

	go func(key *models.APIKey) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
			slog.Warn("update api key last used failed", "error", err, "key_id", key.ID)
		}
	}(key)

	next.ServeHTTP(w, r.WithContext(ctx))
}

func matchKey(keys []*models.APIKey, rawKey string) *models.APIKey {
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key
		}
	}
	return nil
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
