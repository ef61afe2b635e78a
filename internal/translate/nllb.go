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

// NLLBClient calls a self-hosted NLLB translator service.
type NLLBClient struct {
	url       string
	maxLength int
	langs     *langcode.Table
	client    *http.Client
}

// NewNLLBClient creates a client for the translator endpoint at url.
func NewNLLBClient(url string, maxLength int, timeout time.Duration, langs *langcode.Table) *NLLBClient {
	if langs == nil {
		langs = langcode.Default()
	}
	return &NLLBClient{
		url:       url,
		maxLength: maxLength,
		langs:     langs,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *NLLBClient) Name() string { return "nllb" }

func (c *NLLBClient) Translate(ctx context.Context, req models.TranslationRequest) (string, error) {
	body := nllbRequest{
		Text:      req.Text,
		Source:    c.langs.ToNLLB(req.SourceLanguage),
		Target:    c.langs.ToNLLB(req.TargetLanguage),
		MaxLength: c.maxLength,
	}

	data, err := postJSON(ctx, c.client, c.url, body, nil)
	if err != nil {
		return "", err
	}

	var resp nllbResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Error != "" {
		if mentionsLanguage(resp.Error) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedLanguage, resp.Error)
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidResponse, resp.Error)
	}

	text := firstNonEmpty(resp.Result, resp.TranslatedText, resp.Translation)
	if text == "" {
		return "", fmt.Errorf("%w: empty translation", ErrInvalidResponse)
	}
	return text, nil
}

type nllbRequest struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	MaxLength int    `json:"max_length,omitempty"`
}

type nllbResponse struct {
	Result         string `json:"result"`
	TranslatedText string `json:"translated_text"`
	Translation    string `json:"translation"`
	Error          string `json:"error"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Compile-time check that NLLBClient implements Translator.
var _ models.Translator = (*NLLBClient)(nil)
