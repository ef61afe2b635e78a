package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes pasted text from extracted document text.
type JobKind string

const (
	JobKindText     JobKind = "text"
	JobKindDocument JobKind = "document"
)

func (k JobKind) Valid() bool {
	return k == JobKindText || k == JobKindDocument
}

// JobStatus is the state of a TranslationJob. Jobs move
// pending -> processing -> completed|failed and never go back.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// GuestOwnerID is the owner recorded for anonymous submissions.
const GuestOwnerID = "guest"

// TranslationJob is one asynchronous translation request. Clients submit it via
// POST /api/v1/translations and poll GET /api/v1/translations/{job_id}.
type TranslationJob struct {
	ID                 uuid.UUID  `db:"id"                  json:"id"`
	Kind               JobKind    `db:"kind"                json:"kind"`
	Status             JobStatus  `db:"status"              json:"status"`
	OwnerID            string     `db:"owner_id"            json:"owner_id"`
	SourceLanguage     string     `db:"source_language"     json:"source_language"`
	TargetLanguage     string     `db:"target_language"     json:"target_language"`
	OriginalContent    string     `db:"original_content"    json:"original_content"`
	Chunks             []string   `db:"chunks"              json:"chunks,omitempty"`
	TranslatedChunks   []*string  `db:"translated_chunks"   json:"translated_chunks,omitempty"`
	ProgressPercentage int        `db:"progress_percentage" json:"progress_percentage"`
	CreditsRequired    int        `db:"credits_required"    json:"credits_required"`
	CreditsReserved    int        `db:"credits_reserved"    json:"credits_reserved"`
	CreditsConsumed    int        `db:"credits_consumed"    json:"credits_consumed"`
	ReservationID      *uuid.UUID `db:"reservation_id"      json:"reservation_id,omitempty"`
	WorkerID           *string    `db:"worker_id"           json:"-"`
	Result             *string    `db:"result"              json:"result,omitempty"`
	ErrorMessage       *string    `db:"error_message"       json:"error_message,omitempty"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
	StartedAt          *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
}

// JobProgress is a partial update written while a job is processing.
// Chunks is only set once, right after chunking.
type JobProgress struct {
	Percentage       int
	Chunks           []string
	TranslatedChunks []*string
}

// JobOutcome carries the final state of a successfully processed job.
type JobOutcome struct {
	Result           string
	TranslatedChunks []*string
	CreditsConsumed  int
}

// JobStatusView is the polling contract returned to clients and mirrored in the cache.
type JobStatusView struct {
	JobID              uuid.UUID  `json:"job_id"`
	Kind               JobKind    `json:"kind"`
	Status             JobStatus  `json:"status"`
	OwnerID            string     `json:"owner_id"`
	ProgressPercentage int        `json:"progress_percentage"`
	Result             *string    `json:"result,omitempty"`
	Error              *string    `json:"error,omitempty"`
	CreditsRequired    int        `json:"credits_required"`
	CreditsConsumed    int        `json:"credits_consumed"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func (j *TranslationJob) StatusView() JobStatusView {
	return JobStatusView{
		JobID:              j.ID,
		Kind:               j.Kind,
		Status:             j.Status,
		OwnerID:            j.OwnerID,
		ProgressPercentage: j.ProgressPercentage,
		Result:             j.Result,
		Error:              j.ErrorMessage,
		CreditsRequired:    j.CreditsRequired,
		CreditsConsumed:    j.CreditsConsumed,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		CompletedAt:        j.CompletedAt,
	}
}

// CharacterCount is the billable size of the original content.
func (j *TranslationJob) CharacterCount() int {
	return len([]rune(j.OriginalContent))
}

// QueueStats counts jobs by status.
type QueueStats map[JobStatus]int

func (q QueueStats) Total() int {
	n := 0
	for _, c := range q {
		n += c
	}
	return n
}

// NormalizeLanguage lower-cases and trims a language code.
func NormalizeLanguage(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
