package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/transly/internal/translate"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// MockProvider satisfies models.Translator for testing.
type MockProvider struct {
	Name_         string
	TranslateFunc func(ctx context.Context, req models.TranslationRequest) (string, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Translate(ctx context.Context, req models.TranslationRequest) (string, error) {
	m.calls.Add(1)
	if m.TranslateFunc != nil {
		return m.TranslateFunc(ctx, req)
	}
	return req.Text, nil
}

// Calls returns how many times Translate has been invoked.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// Tag is the deterministic translation produced by NewMockProvider.
func Tag(target, text string) string {
	return "[" + target + "] " + text
}

// NewMockProvider returns a MockProvider that prefixes text with the target code.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		TranslateFunc: func(_ context.Context, req models.TranslationRequest) (string, error) {
			return Tag(req.TargetLanguage, req.Text), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		TranslateFunc: func(_ context.Context, _ models.TranslationRequest) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until the context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		TranslateFunc: func(ctx context.Context, _ models.TranslationRequest) (string, error) {
			<-ctx.Done()
			return "", translate.ErrUpstreamTimeout
		},
	}
}

// NewFlakyProvider fails the first n calls with err, then behaves like NewMockProvider.
func NewFlakyProvider(n int, err error) *MockProvider {
	var seen atomic.Int64
	return &MockProvider{
		Name_: "mock-flaky",
		TranslateFunc: func(_ context.Context, req models.TranslationRequest) (string, error) {
			if seen.Add(1) <= int64(n) {
				return "", err
			}
			return Tag(req.TargetLanguage, req.Text), nil
		},
	}
}

// NewSelectiveProvider fails any chunk for which failFor returns a non-nil error.
func NewSelectiveProvider(failFor func(text string) error) *MockProvider {
	return &MockProvider{
		Name_: "mock-selective",
		TranslateFunc: func(_ context.Context, req models.TranslationRequest) (string, error) {
			if err := failFor(req.Text); err != nil {
				return "", err
			}
			return Tag(req.TargetLanguage, req.Text), nil
		},
	}
}

// Compile-time check that MockProvider implements Translator.
var _ models.Translator = (*MockProvider)(nil)
