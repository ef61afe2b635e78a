// Package credits prices jobs and moves credit balances through
// reserve, finalize and release.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/config"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// ErrAccountNotFound is returned when an owner has no account and none can be created.
var ErrAccountNotFound = store.ErrAccountNotFound

// InsufficientCreditsError reports a balance too low to admit a job.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Ledger is safe for concurrent use. Atomicity comes from the store.
type Ledger struct {
	store           store.CreditStore
	free            int
	rate            *big.Rat
	startingBalance int
	logger          *slog.Logger
}

// NewLedger parses the configured rate and returns a Ledger.
func NewLedger(s store.CreditStore, cfg config.CreditsConfig, logger *slog.Logger) (*Ledger, error) {
	rate, ok := new(big.Rat).SetString(cfg.RatePerCharacter)
	if !ok || rate.Sign() < 0 {
		return nil, fmt.Errorf("invalid credit rate %q", cfg.RatePerCharacter)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:           s,
		free:            max(cfg.FreeCharacters, 0),
		rate:            rate,
		startingBalance: max(cfg.StartingBalance, 0),
		logger:          logger,
	}, nil
}

// FreeCharacters is the allowance that costs nothing.
func (l *Ledger) FreeCharacters() int { return l.free }

// Estimate returns ceil((characters - free) * rate), or 0 within the allowance.
func (l *Ledger) Estimate(characters int) int {
	excess := characters - l.free
	if excess <= 0 || l.rate.Sign() == 0 {
		return 0
	}
	cost := new(big.Rat).Mul(l.rate, new(big.Rat).SetInt64(int64(excess)))
	q, r := new(big.Int).QuoRem(cost.Num(), cost.Denom(), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return int(q.Int64())
}

// Reserve holds credits for jobID. A zero amount needs no reservation and
// returns nil. A missing account is created with the starting balance.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, jobID uuid.UUID, credits int) (*models.CreditReservation, error) {
	if credits <= 0 {
		return nil, nil
	}

	res := &models.CreditReservation{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		JobID:     jobID,
		Amount:    credits,
		CreatedAt: time.Now().UTC(),
	}

	available, err := l.store.ReserveCredits(ctx, res)
	if errors.Is(err, store.ErrAccountNotFound) {
		if _, err := l.provision(ctx, ownerID); err != nil {
			return nil, err
		}
		available, err = l.store.ReserveCredits(ctx, res)
	}
	if errors.Is(err, store.ErrInsufficientBalance) {
		return nil, &InsufficientCreditsError{Required: credits, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}

	l.logger.Debug("credits reserved",
		"owner_id", ownerID, "job_id", jobID, "reservation_id", res.ID, "amount", credits, "balance", available)
	return res, nil
}

// Finalize turns a reservation into a deduction of actual credits and
// refunds the rest. A second call has no effect.
func (l *Ledger) Finalize(ctx context.Context, reservationID uuid.UUID, actual int) (bool, error) {
	applied, err := l.store.FinalizeReservation(ctx, reservationID, max(actual, 0))
	if err != nil {
		return false, fmt.Errorf("finalize reservation %s: %w", reservationID, err)
	}
	if !applied {
		l.logger.Warn("reservation already settled", "reservation_id", reservationID, "op", "finalize")
	}
	return applied, nil
}

// Release refunds a reservation in full. A second call has no effect.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	applied, err := l.store.ReleaseReservation(ctx, reservationID)
	if err != nil {
		return false, fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	if !applied {
		l.logger.Warn("reservation already settled", "reservation_id", reservationID, "op", "release")
	}
	return applied, nil
}

// Balance returns the owner's account, creating it on first use.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*models.CreditAccount, error) {
	acct, err := l.store.GetCreditAccount(ctx, ownerID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return l.provision(ctx, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return acct, nil
}

// Grant adds amount to the owner's balance, creating the account if needed.
// A negative amount debits, but never below zero.
func (l *Ledger) Grant(ctx context.Context, ownerID string, amount int) (*models.CreditAccount, error) {
	if _, err := l.Balance(ctx, ownerID); err != nil {
		return nil, err
	}
	acct, err := l.store.AddCredits(ctx, ownerID, amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return nil, &InsufficientCreditsError{Required: -amount, Available: l.availableOr(ctx, ownerID)}
	}
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	l.logger.Info("credits granted", "owner_id", ownerID, "amount", amount, "balance", acct.Balance)
	return acct, nil
}

func (l *Ledger) provision(ctx context.Context, ownerID string) (*models.CreditAccount, error) {
	acct, err := l.store.CreateCreditAccount(ctx, ownerID, l.startingBalance)
	if err != nil {
		return nil, fmt.Errorf("create credit account: %w", err)
	}
	l.logger.Info("credit account provisioned", "owner_id", ownerID, "balance", acct.Balance)
	return acct, nil
}

func (l *Ledger) availableOr(ctx context.Context, ownerID string) int {
	acct, err := l.store.GetCreditAccount(ctx, ownerID)
	if err != nil {
		return 0
	}
	return acct.Balance
}
