package translate_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/transly/internal/config"
	"github.com/kiranshivaraju/transly/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantName string
	}{
		{"nllb", "nllb"},
		{"huggingface", "huggingface"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := config.TranslationConfig{
				Provider: tt.provider,
				Timeout:  time.Second,
				NLLB:     config.NLLBConfig{URL: "http://localhost:8000/translate", MaxLength: 1000},
				HuggingFace: config.HuggingFaceConfig{
					APIURL: "https://api-inference.huggingface.co/models",
					Model:  "facebook/nllb-200-distilled-600M",
					APIKey: "hf_test",
				},
			}
			p, err := translate.NewProvider(cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := translate.NewProvider(config.TranslationConfig{Provider: "deepl"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deepl")
}

func TestPolicyFromConfig(t *testing.T) {
	p := translate.PolicyFromConfig(config.TranslationConfig{
		Timeout: 25 * time.Second,
		Retry: config.RetryConfig{
			MaxRetries: 3,
			Delay:      1500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
	})
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 1500*time.Millisecond, p.RetryDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.1, p.Jitter)
	assert.Equal(t, 25*time.Second, p.AttemptTimeout)
}
