package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/transly/internal/langcode"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// HuggingFaceClient calls an NLLB model through the Hugging Face Inference API.
type HuggingFaceClient struct {
	modelURL string
	apiKey   string
	langs    *langcode.Table
	client   *http.Client
}

// NewHuggingFaceClient creates a client for apiURL/model.
func NewHuggingFaceClient(apiURL, model, apiKey string, timeout time.Duration, langs *langcode.Table) *HuggingFaceClient {
	if langs == nil {
		langs = langcode.Default()
	}
	return &HuggingFaceClient{
		modelURL: strings.TrimRight(apiURL, "/") + "/" + strings.TrimLeft(model, "/"),
		apiKey:   apiKey,
		langs:    langs,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HuggingFaceClient) Name() string { return "huggingface" }

func (c *HuggingFaceClient) Translate(ctx context.Context, req models.TranslationRequest) (string, error) {
	body := hfRequest{
		Inputs: req.Text,
		Parameters: hfParameters{
			SrcLang: c.langs.ToNLLB(req.SourceLanguage),
			TgtLang: c.langs.ToNLLB(req.TargetLanguage),
		},
		Options: hfOptions{WaitForModel: true},
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	data, err := postJSON(ctx, c.client, c.modelURL, body, header)
	if err != nil {
		return "", err
	}

	var out []hfTranslation
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: no translations returned", ErrInvalidResponse)
	}
	text := strings.TrimSpace(out[0].TranslationText)
	if text == "" {
		return "", fmt.Errorf("%w: empty translation", ErrInvalidResponse)
	}
	return text, nil
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
	Options    hfOptions    `json:"options"`
}

type hfParameters struct {
	SrcLang string `json:"src_lang"`
	TgtLang string `json:"tgt_lang"`
}

type hfOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

type hfTranslation struct {
	TranslationText string `json:"translation_text"`
}

// Compile-time check that HuggingFaceClient implements Translator.
var _ models.Translator = (*HuggingFaceClient)(nil)
