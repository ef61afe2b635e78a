// Package apikey mints bearer keys. Only the bcrypt hash and a short clear
// prefix are ever stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix marks every key this service issues.
	Prefix = "tk_"
	// PrefixLen must match the auth middleware's lookup prefix.
	PrefixLen = 8

	secretBytes = 24
)

// ScopeAdmin unlocks the admin endpoints.
const ScopeAdmin = "admin"

// Generate creates a key for ownerID. The raw key is returned once and
// cannot be recovered later.
func Generate(ownerID, name string, scopes []string, cost int) (*models.APIKey, string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, "", errors.New("owner is required")
	}
	if ownerID == models.GuestOwnerID {
		return nil, "", fmt.Errorf("owner %q is reserved", models.GuestOwnerID)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	raw := Prefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	if name == "" {
		name = "default"
	}
	if scopes == nil {
		scopes = []string{}
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}
