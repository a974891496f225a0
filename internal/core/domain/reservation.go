package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

type Reservation struct {
	ID            string
	UserID        string
	ItemID        string
	Quantity      int
	Block         Block
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	PaidAt        *time.Time
	// StockSettled is set once a paid reservation's decrement or fault is
	// durably recorded.
	StockSettled bool
}

func (r Reservation) IsPaid() bool {
	return r.PaymentStatus == PaymentStatusPaid
}

// TransitionResult is what a pending->paid compare-and-set observed.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota + 1
	TransitionAlreadyPaid
)

func (t TransitionResult) String() string {
	switch t {
	case TransitionApplied:
		return "transitioned"
	case TransitionAlreadyPaid:
		return "already_paid"
	}
	return "unknown"
}
