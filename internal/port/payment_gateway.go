package port

import (
	"context"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

// PaymentGateway is the hosted card-payment provider. It is the source of
// truth for whether a buyer has paid.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req domain.SessionRequest) (domain.PaymentSession, error)

	// GetSession returns domain.ErrSessionNotFound for unknown sessions
	GetSession(ctx context.Context, sessionID string) (domain.SessionStatus, error)

	// VerifyNotification authenticates a raw notification body against its
	// signature header. Returns domain.ErrGatewayAuthentication on mismatch.
	VerifyNotification(payload []byte, signature string) (domain.PaymentNotification, error)
}
