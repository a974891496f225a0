package domain

import "errors"

var (
	ErrValidation            = errors.New("validation failed")
	ErrStockItemNotFound     = errors.New("stock item not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrSessionNotFound       = errors.New("payment session not found")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrForbidden             = errors.New("forbidden")
	ErrAlreadyPaid           = errors.New("reservation already paid")
	ErrGatewayAuthentication = errors.New("payment notification could not be verified")
	ErrPaymentIncomplete     = errors.New("payment not completed")
)
