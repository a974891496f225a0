package port

import (
	"context"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.ConfirmationEvent) error
}
