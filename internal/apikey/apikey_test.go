package apikey_test

import (
	"strings"
	"testing"

	"github.com/kiranshivaraju/transly/internal/apikey"
	"github.com/kiranshivaraju/transly/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerate(t *testing.T) {
	key, raw, err := apikey.Generate("alice", "ci", []string{apikey.ScopeAdmin}, bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, apikey.Prefix))
	assert.Len(t, raw, len(apikey.Prefix)+48)
	assert.Equal(t, raw[:apikey.PrefixLen], key.KeyPrefix)
	assert.Equal(t, "alice", key.OwnerID)
	assert.Equal(t, "ci", key.Name)
	assert.Equal(t, []string{"admin"}, key.Scopes)
	assert.NotContains(t, key.KeyHash, raw)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)))
}

func TestGenerate_Unique(t *testing.T) {
	_, a, err := apikey.Generate("alice", "", nil, bcrypt.MinCost)
	require.NoError(t, err)
	k, b, err := apikey.Generate("alice", "", nil, bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "default", k.Name)
	assert.NotNil(t, k.Scopes)
}

func TestGenerate_RejectsGuestAndEmptyOwner(t *testing.T) {
	_, _, err := apikey.Generate("", "x", nil, bcrypt.MinCost)
	assert.Error(t, err)
	_, _, err = apikey.Generate("guest", "x", nil, bcrypt.MinCost)
	assert.Error(t, err)
}

func TestPrefixLenMatchesAuth(t *testing.T) {
	assert.Equal(t, middleware.KeyPrefixLen, apikey.PrefixLen)
}
