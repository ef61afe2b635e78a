package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditAccount holds an owner's spendable balance. Balance never goes negative.
type CreditAccount struct {
	OwnerID   string    `db:"owner_id"   json:"owner_id"`
	Balance   int       `db:"balance"    json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

// CreditReservation is a provisional hold taken at submission. It is settled
// exactly once: finalized on success (refunding any unused part) or released on failure.
type CreditReservation struct {
	ID        uuid.UUID         `db:"id"         json:"id"`
	OwnerID   string            `db:"owner_id"   json:"owner_id"`
	JobID     uuid.UUID         `db:"job_id"     json:"job_id"`
	Amount    int               `db:"amount"     json:"amount"`
	Consumed  int               `db:"consumed"   json:"consumed"`
	Status    ReservationStatus `db:"status"     json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	SettledAt *time.Time        `db:"settled_at" json:"settled_at,omitempty"`
}
