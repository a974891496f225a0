package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	Name string
	// UnitAmount is the price in minor currency units.
	UnitAmount int64
	Quantity   int
}

type SessionRequest struct {
	LineItems      []LineItem
	ReservationIDs []string
	Currency       string
	SuccessURL     string
	CancelURL      string
}

type PaymentSession struct {
	ID             string
	URL            string
	ReservationIDs []string
	Amount         decimal.Decimal
	Currency       string
}

// SessionStatus is the gateway's view of a session, used by the pull path.
type SessionStatus struct {
	ID             string
	ReservationIDs []string
	Paid           bool
}

const EventCheckoutSessionCompleted = "checkout.session.completed"

// PaymentNotification is a verified asynchronous event from the gateway.
type PaymentNotification struct {
	EventID        string
	Type           string
	SessionID      string
	ReservationIDs []string
	CreatedAt      time.Time
}

// ToMinorUnits converts a price to the gateway's integer minor units.
func ToMinorUnits(price decimal.Decimal) int64 {
	return price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
