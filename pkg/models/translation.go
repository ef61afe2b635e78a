// Package models contains shared data models used across the Transly codebase.
package models

import (
	"context"
	"time"
)

// Translator is the interface every translation backend implements.
// Callers never talk to a backend directly; they go through the retrying wrapper.
type Translator interface {
	// Translate performs exactly one upstream call for one chunk.
	Translate(ctx context.Context, req TranslationRequest) (string, error)
	// Name returns the provider identifier (e.g., "nllb", "huggingface").
	Name() string
}

// TranslationRequest is one chunk to translate. Language codes are the
// application's internal codes; providers map them to their own.
type TranslationRequest struct {
	Text           string
	SourceLanguage string
	TargetLanguage string
}

// AttemptOutcome classifies a single upstream call.
type AttemptOutcome string

const (
	OutcomeSuccess        AttemptOutcome = "success"
	OutcomeRetryableError AttemptOutcome = "retryable_error"
	OutcomeFatalError     AttemptOutcome = "fatal_error"
)

// ChunkTranslationAttempt records one try at one chunk. It is reported to
// observers and logs and is never persisted.
type ChunkTranslationAttempt struct {
	ChunkIndex    int
	AttemptNumber int
	Outcome       AttemptOutcome
	Latency       time.Duration
	Err           error
}
