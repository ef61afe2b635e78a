// Package pipeline admits translation jobs and drives each one from chunking
// to a terminal state. It is the only layer that touches both job status and
// credit reservations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/cache"
	"github.com/kiranshivaraju/transly/internal/chunker"
	"github.com/kiranshivaraju/transly/internal/credits"
	"github.com/kiranshivaraju/transly/internal/langcode"
	"github.com/kiranshivaraju/transly/internal/queue"
	"github.com/kiranshivaraju/transly/internal/scheduler"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/internal/translate"
	"github.com/kiranshivaraju/transly/pkg/models"
)

var (
	// ErrLoginRequired rejects anonymous submissions that would cost credits.
	ErrLoginRequired = errors.New("login required")
	// ErrJobNotFound covers unknown jobs and jobs owned by someone else.
	ErrJobNotFound = store.ErrNotFound
)

const internalErrorMessage = "internal error"

// ValidationError rejects a submission before anything is reserved or stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ChunkTranslator translates one chunk with retries. *translate.Retrier implements it.
type ChunkTranslator interface {
	Translate(ctx context.Context, chunkIndex int, req models.TranslationRequest) (string, error)
}

// Limits bounds submissions and sizes chunks per job kind.
type Limits struct {
	TextChunkSize         int
	DocumentChunkSize     int
	MaxTextCharacters     int
	MaxDocumentCharacters int
	// CacheTTL is how long successful chunk translations are reused. Zero disables reuse.
	CacheTTL time.Duration
}

// Dependencies wires an Orchestrator. Cache may be nil.
type Dependencies struct {
	Queue      *queue.Queue
	Ledger     *credits.Ledger
	Translator ChunkTranslator
	Scheduler  *scheduler.Scheduler
	Languages  *langcode.Table
	Cache      cache.Cache
	Limits     Limits
	Logger     *slog.Logger
}

type Orchestrator struct {
	queue      *queue.Queue
	ledger     *credits.Ledger
	translator ChunkTranslator
	scheduler  *scheduler.Scheduler
	langs      *langcode.Table
	cache      cache.Cache
	limits     Limits
	log        *slog.Logger
}

// New creates an Orchestrator.
func New(deps Dependencies) *Orchestrator {
	if deps.Languages == nil {
		deps.Languages = langcode.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		queue:      deps.Queue,
		ledger:     deps.Ledger,
		translator: deps.Translator,
		scheduler:  deps.Scheduler,
		langs:      deps.Languages,
		cache:      deps.Cache,
		limits:     deps.Limits,
		log:        deps.Logger,
	}
}

// SubmitRequest is one submission. An empty OwnerID means a guest.
type SubmitRequest struct {
	Kind           models.JobKind
	Text           string
	SourceLanguage string
	TargetLanguage string
	OwnerID        string
}

// Submission is what the caller gets back from an admitted job.
type Submission struct {
	JobID           uuid.UUID        `json:"job_id"`
	Status          models.JobStatus `json:"status"`
	SourceLanguage  string           `json:"source_language"`
	TargetLanguage  string           `json:"target_language"`
	Characters      int              `json:"characters"`
	CreditsRequired int              `json:"credits_required"`
	CreditsReserved int              `json:"credits_reserved"`
}

// SubmitJob validates req, reserves credits and enqueues the job. Rejections
// are *ValidationError, ErrLoginRequired or *credits.InsufficientCreditsError;
// none of them leave a job or a reservation behind.
func (o *Orchestrator) SubmitJob(ctx context.Context, req SubmitRequest) (*Submission, error) {
	kind := req.Kind
	if kind == "" {
		kind = models.JobKindText
	}
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Message: "must be text or document"}
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, &ValidationError{Field: "text", Message: "text is required"}
	}
	chars := utf8.RuneCountInString(req.Text)
	if limit := o.maxCharacters(kind); limit > 0 && chars > limit {
		return nil, &ValidationError{Field: "text", Message: fmt.Sprintf("text exceeds %d characters", limit)}
	}

	target, err := o.resolveLanguage("target_language", req.TargetLanguage, "")
	if err != nil {
		return nil, err
	}
	source, err := o.resolveLanguage("source_language", req.SourceLanguage, req.Text)
	if err != nil {
		return nil, err
	}

	required := o.ledger.Estimate(chars)
	owner := req.OwnerID
	if owner == "" {
		if required > 0 {
			return nil, ErrLoginRequired
		}
		owner = models.GuestOwnerID
	}

	job := &models.TranslationJob{
		ID:              uuid.New(),
		Kind:            kind,
		OwnerID:         owner,
		SourceLanguage:  source,
		TargetLanguage:  target,
		OriginalContent: req.Text,
		CreditsRequired: required,
	}

	res, err := o.ledger.Reserve(ctx, owner, job.ID, required)
	if err != nil {
		return nil, err
	}
	if res != nil {
		job.CreditsReserved = res.Amount
		job.ReservationID = &res.ID
	}

	if err := o.queue.Enqueue(ctx, job); err != nil {
		if res != nil {
			if _, relErr := o.ledger.Release(context.WithoutCancel(ctx), res.ID); relErr != nil {
				o.log.Error("failed to release reservation after enqueue error",
					"reservation_id", res.ID, "error", relErr)
			}
		}
		return nil, fmt.Errorf("submit job: %w", err)
	}

	return &Submission{
		JobID:           job.ID,
		Status:          job.Status,
		SourceLanguage:  source,
		TargetLanguage:  target,
		Characters:      chars,
		CreditsRequired: required,
		CreditsReserved: job.CreditsReserved,
	}, nil
}

// GetJobStatus returns the polling view. Jobs owned by an account are only
// visible to that account; guest jobs are visible to anyone with the ID.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID uuid.UUID, requesterID string) (*models.JobStatusView, error) {
	view, err := o.queue.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if view.OwnerID != models.GuestOwnerID && view.OwnerID != requesterID {
		return nil, ErrJobNotFound
	}
	return view, nil
}

// Estimate prices text without reserving anything.
type Estimate struct {
	Characters      int `json:"characters"`
	CreditsRequired int `json:"credits_required"`
	FreeCharacters  int `json:"free_characters"`
}

func (o *Orchestrator) Estimate(text string) Estimate {
	chars := utf8.RuneCountInString(text)
	return Estimate{
		Characters:      chars,
		CreditsRequired: o.ledger.Estimate(chars),
		FreeCharacters:  o.ledger.FreeCharacters(),
	}
}

// Languages lists the supported language codes.
func (o *Orchestrator) Languages() []langcode.Language {
	return o.langs.List()
}

// Process runs a claimed job to completion or failure. Credits are finalized
// on success and released on failure, exactly once either way.
func (o *Orchestrator) Process(ctx context.Context, job *models.TranslationJob) (err error) {
	log := o.log.With("job_id", job.ID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job processing panicked", "panic", rec, "stack", string(debug.Stack()))
			o.abort(ctx, log, job, internalErrorMessage)
			err = fmt.Errorf("job %s panicked: %v", job.ID, rec)
		}
	}()

	segs := chunker.Split(job.OriginalContent, o.chunkSize(job.Kind))
	chunks := make([]string, len(segs))
	for i, s := range segs {
		chunks[i] = s.Text
	}
	if len(chunks) == 0 {
		o.abort(ctx, log, job, "nothing to translate")
		return fmt.Errorf("job %s has no content", job.ID)
	}

	if err := o.queue.UpdateProgress(ctx, job.ID, models.JobProgress{
		Percentage: scheduler.ProgressStart,
		Chunks:     chunks,
	}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Someone else already settled this job.
			return err
		}
		o.abort(ctx, log, job, internalErrorMessage)
		return fmt.Errorf("record chunks: %w", err)
	}
	log.Info("job chunked", "chunks", len(chunks), "characters", job.CharacterCount())

	translateChunk := func(ctx context.Context, i int, text string) (string, error) {
		if out, ok := o.cachedTranslation(ctx, job, text); ok {
			return out, nil
		}
		out, err := o.translator.Translate(ctx, i, models.TranslationRequest{
			Text:           text,
			SourceLanguage: job.SourceLanguage,
			TargetLanguage: job.TargetLanguage,
		})
		if err != nil {
			log.Warn("chunk failed", "chunk", i, "error", err)
			return "", err
		}
		o.rememberTranslation(ctx, job, text, out)
		return out, nil
	}

	onProgress := func(p scheduler.Progress) {
		if err := o.queue.UpdateProgress(ctx, job.ID, models.JobProgress{
			Percentage:       p.Percentage,
			TranslatedChunks: p.Chunks,
		}); err != nil {
			log.Warn("progress update failed", "error", err)
		}
	}

	results, runErr := o.scheduler.Run(ctx, chunks, translateChunk, onProgress)
	if runErr != nil {
		o.abort(ctx, log, job, translate.Reason(runErr))
		return fmt.Errorf("translate job %s: %w", job.ID, runErr)
	}

	texts := make([]string, len(results))
	translated := make([]*string, len(results))
	var (
		failed       int
		firstFailure error
		okChars      int
	)
	for i, r := range results {
		texts[i] = r.Text
		translated[i] = &texts[i]
		if r.Failed() {
			failed++
			if firstFailure == nil {
				firstFailure = r.Err
			}
			continue
		}
		okChars += utf8.RuneCountInString(chunks[i])
	}

	if failed == len(results) {
		o.abort(ctx, log, job, translate.Reason(firstFailure))
		return fmt.Errorf("translate job %s: every chunk failed: %w", job.ID, firstFailure)
	}

	consumed := o.actualCredits(job, okChars, failed)
	bctx := context.WithoutCancel(ctx)
	var settleErr error
	if job.ReservationID != nil {
		if _, err := o.ledger.Finalize(bctx, *job.ReservationID, consumed); err != nil {
			log.Error("finalize reservation failed", "reservation_id", *job.ReservationID, "error", err)
			settleErr = err
		}
	}

	if _, err := o.queue.Complete(bctx, job.ID, models.JobOutcome{
		Result:           chunker.Join(segs, texts),
		TranslatedChunks: translated,
		CreditsConsumed:  consumed,
	}); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if failed > 0 {
		log.Warn("job completed with untranslated chunks", "failed_chunks", failed, "chunks", len(results))
	}
	return settleErr
}

// actualCredits charges the full reservation when everything translated and
// only the translated share otherwise, never more than was reserved.
func (o *Orchestrator) actualCredits(job *models.TranslationJob, okChars, failed int) int {
	if failed == 0 {
		return job.CreditsReserved
	}
	return min(o.ledger.Estimate(okChars), job.CreditsReserved)
}

// abort releases the job's credits and marks it failed. It runs on a context
// detached from ctx so bookkeeping survives cancellation.
func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, job *models.TranslationJob, reason string) {
	bctx := context.WithoutCancel(ctx)
	if job.ReservationID != nil {
		if _, err := o.ledger.Release(bctx, *job.ReservationID); err != nil {
			log.Error("release reservation failed", "reservation_id", *job.ReservationID, "error", err)
		}
	}
	if _, err := o.queue.Fail(bctx, job.ID, reason); err != nil {
		log.Error("mark job failed", "error", err)
	}
}

func (o *Orchestrator) resolveLanguage(field, code, text string) (string, error) {
	code = models.NormalizeLanguage(code)
	if code == "" || code == langcode.Auto {
		if text == "" {
			if code == "" {
				return "", &ValidationError{Field: field, Message: "language is required"}
			}
			return "", &ValidationError{Field: field, Message: "auto is only allowed for the source language"}
		}
		return langcode.Detect(text), nil
	}
	lang, ok := o.langs.Lookup(code)
	if !ok {
		return "", &ValidationError{Field: field, Message: fmt.Sprintf("unsupported language %q", code)}
	}
	return lang.Code, nil
}

func (o *Orchestrator) chunkSize(kind models.JobKind) int {
	if kind == models.JobKindDocument {
		return o.limits.DocumentChunkSize
	}
	return o.limits.TextChunkSize
}

func (o *Orchestrator) maxCharacters(kind models.JobKind) int {
	if kind == models.JobKindDocument {
		return o.limits.MaxDocumentCharacters
	}
	return o.limits.MaxTextCharacters
}

func (o *Orchestrator) cachedTranslation(ctx context.Context, job *models.TranslationJob, text string) (string, bool) {
	if o.cache == nil || o.limits.CacheTTL <= 0 {
		return "", false
	}
	data, ok, err := o.cache.Get(ctx, cache.TranslationKey(job.SourceLanguage, job.TargetLanguage, text))
	if err != nil {
		o.log.Debug("translation cache read failed", "job_id", job.ID, "error", err)
		return "", false
	}
	if !ok || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (o *Orchestrator) rememberTranslation(ctx context.Context, job *models.TranslationJob, text, out string) {
	if o.cache == nil || o.limits.CacheTTL <= 0 {
		return
	}
	key := cache.TranslationKey(job.SourceLanguage, job.TargetLanguage, text)
	if err := o.cache.Set(ctx, key, []byte(out), o.limits.CacheTTL); err != nil {
		o.log.Debug("translation cache write failed", "job_id", job.ID, "error", err)
	}
}
