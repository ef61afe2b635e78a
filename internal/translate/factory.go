package translate

import (
	"fmt"

	"github.com/kiranshivaraju/transly/internal/config"
	"github.com/kiranshivaraju/transly/internal/langcode"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// NewProvider constructs the translation backend named in config.
// Called once at server startup.
func NewProvider(cfg config.TranslationConfig, langs *langcode.Table) (models.Translator, error) {
	switch cfg.Provider {
	case "nllb":
		return NewNLLBClient(cfg.NLLB.URL, cfg.NLLB.MaxLength, cfg.Timeout, langs), nil
	case "huggingface":
		return NewHuggingFaceClient(cfg.HuggingFace.APIURL, cfg.HuggingFace.Model, cfg.HuggingFace.APIKey, cfg.Timeout, langs), nil
	default:
		return nil, fmt.Errorf("unknown translation provider %q: must be one of nllb, huggingface", cfg.Provider)
	}
}

// PolicyFromConfig builds the per-chunk retry policy.
func PolicyFromConfig(cfg config.TranslationConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryDelay:     cfg.Retry.Delay,
		Multiplier:     cfg.Retry.Multiplier,
		MaxDelay:       cfg.Retry.MaxDelay,
		Jitter:         cfg.Retry.Jitter,
		AttemptTimeout: cfg.Timeout,
	}
}
