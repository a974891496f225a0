package domain

import "time"

// ConfirmSource names the trigger that asked for a confirmation.
type ConfirmSource string

const (
	SourceNotification ConfirmSource = "notification"
	SourceManual       ConfirmSource = "manual"
	SourceRedirect     ConfirmSource = "redirect"
	SourceSweep        ConfirmSource = "sweep"
)

type ConfirmOutcome string

const (
	OutcomeConfirmed        ConfirmOutcome = "confirmed"
	OutcomeAlreadyConfirmed ConfirmOutcome = "already_confirmed"
	OutcomeNotFound         ConfirmOutcome = "not_found"
	OutcomeStockUnavailable ConfirmOutcome = "stock_unavailable"
	// OutcomeFailed means nothing was changed and the call is safe to retry.
	OutcomeFailed ConfirmOutcome = "failed"
)

type ConfirmResult struct {
	ReservationID string
	Outcome       ConfirmOutcome
	Remaining     int
	Fault         *ReconciliationFault
	Err           error
}

// NeedsOperator is true when payment was taken but stock could not follow.
func (r ConfirmResult) NeedsOperator() bool {
	return r.Fault != nil
}

type FaultReason string

const (
	FaultInsufficientStock FaultReason = "insufficient_stock"
	FaultItemNotFound      FaultReason = "item_not_found"
	FaultDecrementError    FaultReason = "decrement_error"
	// FaultInterrupted marks a paid reservation whose confirmation stopped
	// before the stock outcome was recorded.
	FaultInterrupted FaultReason = "interrupted"
)

// ReconciliationFault records a paid reservation whose stock decrement failed.
type ReconciliationFault struct {
	ID            string        `json:"id"`
	ReservationID string        `json:"reservation_id"`
	ItemID        string        `json:"item_id"`
	Quantity      int           `json:"quantity"`
	Reason        FaultReason   `json:"reason"`
	Detail        string        `json:"detail"`
	Source        ConfirmSource `json:"source"`
	CreatedAt     time.Time     `json:"created_at"`
}

const (
	EventReservationConfirmed = "reservation.confirmed"
	EventReconciliationFault  = "reservation.reconciliation_fault"
)

// ConfirmationEvent is published for every confirmation that changed state.
type ConfirmationEvent struct {
	Type          string               `json:"type"`
	ReservationID string               `json:"reservation_id"`
	ItemID        string               `json:"item_id"`
	UserID        string               `json:"user_id"`
	Quantity      int                  `json:"quantity"`
	Remaining     int                  `json:"remaining"`
	Source        ConfirmSource        `json:"source"`
	Fault         *ReconciliationFault `json:"fault,omitempty"`
	OccurredAt    time.Time            `json:"occurred_at"`
}
