package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/pkg/models"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateKey        = errors.New("duplicate key violation")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrQueueEmpty          = errors.New("no pending jobs")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	APIKeyStore
	CreditStore
	JobStore
}

// APIKeyStore is the slice of Store used by the auth middleware.
type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// CreditStore mutates balances. Every mutation is a single conditional
// statement or runs inside one transaction.
type CreditStore interface {
	GetCreditAccount(ctx context.Context, ownerID string) (*models.CreditAccount, error)
	// CreateCreditAccount returns the existing account if one is already present.
	CreateCreditAccount(ctx context.Context, ownerID string, balance int) (*models.CreditAccount, error)
	AddCredits(ctx context.Context, ownerID string, amount int) (*models.CreditAccount, error)

	// ReserveCredits deducts res.Amount and records res as held. It returns
	// the balance after the deduction, or the current balance together with
	// ErrInsufficientBalance.
	ReserveCredits(ctx context.Context, res *models.CreditReservation) (int, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*models.CreditReservation, error)
	// FinalizeReservation and ReleaseReservation only act on held reservations.
	// applied is false when the reservation was already settled.
	FinalizeReservation(ctx context.Context, id uuid.UUID, consumed int) (applied bool, err error)
	ReleaseReservation(ctx context.Context, id uuid.UUID) (applied bool, err error)
}

// JobStore persists translation jobs and enforces the status state machine.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.TranslationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.TranslationJob, error)
	// ClaimNextJob atomically moves the oldest pending job to processing.
	ClaimNextJob(ctx context.Context, workerID string) (*models.TranslationJob, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error
	// CompleteJob and FailJob return applied=false when the job is already terminal.
	CompleteJob(ctx context.Context, id uuid.UUID, out models.JobOutcome) (applied bool, err error)
	FailJob(ctx context.Context, id uuid.UUID, message string) (applied bool, err error)
	// FailStaleJobs fails processing jobs not updated since the cutoff and
	// returns them so their reservations can be released.
	FailStaleJobs(ctx context.Context, before time.Time, message string) ([]*models.TranslationJob, error)
	CountJobsByStatus(ctx context.Context) (models.QueueStats, error)
	DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error)
}

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to models.JobStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// terminalOutcome decides what a missed conditional terminal update means,
// given the status the job actually has.
func terminalOutcome(current, target models.JobStatus) (bool, error) {
	if current.Terminal() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}
