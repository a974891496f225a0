package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

const (
	defaultDecrementTimeout = 10 * time.Second
	sweepBatchSize          = 100
)

// PaymentConfirmer moves reservations from pending to paid and applies the
// stock decrement at most once per reservation, whatever triggered it.
type PaymentConfirmer struct {
	reservations     *ReservationStore
	ledger           *StockLedger
	faults           port.FaultRepository
	events           port.EventPublisher
	log              *slog.Logger
	tracer           trace.Tracer
	decrementTimeout time.Duration
	now              func() time.Time
}

// NewPaymentConfirmer wires a confirmer. events may be nil.
func NewPaymentConfirmer(log *slog.Logger, reservations *ReservationStore, ledger *StockLedger, faults port.FaultRepository, events port.EventPublisher, decrementTimeout time.Duration) *PaymentConfirmer {
	if decrementTimeout <= 0 {
		decrementTimeout = defaultDecrementTimeout
	}
	return &PaymentConfirmer{
		reservations:     reservations,
		ledger:           ledger,
		faults:           faults,
		events:           events,
		log:              log,
		tracer:           otel.Tracer("payment-confirmer"),
		decrementTimeout: decrementTimeout,
		now:              time.Now,
	}
}

// Confirm marks one reservation paid and decrements its stock. A non-nil
// error means nothing changed and the call may be retried.
func (c *PaymentConfirmer) Confirm(ctx context.Context, id string, source domain.ConfirmSource) (domain.ConfirmResult, error) {
	ctx, span := c.tracer.Start(ctx, "PaymentConfirmer.Confirm", trace.WithAttributes(
		attribute.String("reservation.id", id),
		attribute.String("confirm.source", string(source)),
	))
	defer span.End()

	result := domain.ConfirmResult{ReservationID: id}

	transition, err := c.reservations.TransitionToPaid(ctx, id)
	if errors.Is(err, domain.ErrReservationNotFound) {
		result.Outcome = domain.OutcomeNotFound
		span.SetAttributes(attribute.String("confirm.outcome", string(result.Outcome)))
		return result, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return result, err
	}

	if transition == domain.TransitionAlreadyPaid {
		result.Outcome = domain.OutcomeAlreadyConfirmed
		span.SetAttributes(attribute.String("confirm.outcome", string(result.Outcome)))
		c.log.Info("reservation already confirmed", "reservation_id", id, "source", source)
		return result, nil
	}

	// The flip is ours, so the decrement must run even if the caller goes away.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.decrementTimeout)
	defer cancel()

	result = c.applyDecrement(dctx, id, source)
	span.SetAttributes(attribute.String("confirm.outcome", string(result.Outcome)))
	if result.Fault != nil {
		span.SetStatus(codes.Error, string(result.Fault.Reason))
	}
	return result, nil
}

// ConfirmBatch confirms each id independently. One failure never blocks the
// others; every id gets its own result, in input order.
func (c *PaymentConfirmer) ConfirmBatch(ctx context.Context, ids []string, source domain.ConfirmSource) []domain.ConfirmResult {
	results := make([]domain.ConfirmResult, 0, len(ids))
	for _, id := range ids {
		res, err := c.Confirm(ctx, id, source)
		if err != nil {
			c.log.Error("confirmation failed", "reservation_id", id, "source", source, "err", err)
			res.Outcome = domain.OutcomeFailed
			res.Err = err
		}
		results = append(results, res)
	}
	return results
}

func (c *PaymentConfirmer) applyDecrement(ctx context.Context, id string, source domain.ConfirmSource) domain.ConfirmResult {
	result := domain.ConfirmResult{ReservationID: id}

	r, err := c.reservations.lookup(ctx, id)
	if err != nil {
		result.Outcome = domain.OutcomeStockUnavailable
		result.Fault = c.raiseFault(ctx, domain.Reservation{ID: id}, domain.FaultDecrementError,
			fmt.Sprintf("reload reservation: %v", err), source)
		return result
	}

	remaining, err := c.ledger.Decrement(ctx, r.ItemID, r.Quantity)
	if err != nil {
		reason := domain.FaultDecrementError
		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			reason = domain.FaultInsufficientStock
		case errors.Is(err, domain.ErrStockItemNotFound):
			reason = domain.FaultItemNotFound
		}
		result.Outcome = domain.OutcomeStockUnavailable
		result.Fault = c.raiseFault(ctx, *r, reason, err.Error(), source)
		return result
	}

	c.settle(ctx, id)
	result.Outcome = domain.OutcomeConfirmed
	result.Remaining = remaining
	c.log.Info("reservation confirmed",
		"reservation_id", id, "item_id", r.ItemID, "quantity", r.Quantity, "remaining", remaining, "source", source)

	c.publish(ctx, domain.ConfirmationEvent{
		Type:          domain.EventReservationConfirmed,
		ReservationID: id,
		ItemID:        r.ItemID,
		UserID:        r.UserID,
		Quantity:      r.Quantity,
		Remaining:     remaining,
		Source:        source,
		OccurredAt:    c.now().UTC(),
	})
	return result
}

// raiseFault persists, logs and publishes a paid-but-not-decremented fact.
// The reservation stays paid; nothing is rolled back.
func (c *PaymentConfirmer) raiseFault(ctx context.Context, r domain.Reservation, reason domain.FaultReason, detail string, source domain.ConfirmSource) *domain.ReconciliationFault {
	fault := domain.ReconciliationFault{
		ID:            uuid.NewString(),
		ReservationID: r.ID,
		ItemID:        r.ItemID,
		Quantity:      r.Quantity,
		Reason:        reason,
		Detail:        detail,
		Source:        source,
		CreatedAt:     c.now().UTC(),
	}

	c.log.Error("reconciliation fault: payment accepted but stock not decremented",
		"fault_id", fault.ID, "reservation_id", r.ID, "item_id", r.ItemID,
		"quantity", r.Quantity, "reason", reason, "detail", detail, "source", source)

	// An unpersisted fault leaves the reservation unsettled for the sweep.
	if err := c.faults.RecordFault(ctx, fault); err != nil {
		c.log.Error("CRITICAL: reconciliation fault not persisted", "fault_id", fault.ID, "reservation_id", r.ID, "err", err)
	} else {
		c.settle(ctx, r.ID)
	}

	c.publish(ctx, domain.ConfirmationEvent{
		Type:          domain.EventReconciliationFault,
		ReservationID: r.ID,
		ItemID:        r.ItemID,
		UserID:        r.UserID,
		Quantity:      r.Quantity,
		Source:        source,
		Fault:         &fault,
		OccurredAt:    fault.CreatedAt,
	})
	return &fault
}

func (c *PaymentConfirmer) settle(ctx context.Context, id string) {
	if err := c.reservations.markSettled(ctx, id); err != nil {
		c.log.Warn("stock outcome recorded but reservation not marked settled", "reservation_id", id, "err", err)
	}
}

// SweepUnsettled raises an interrupted fault for every paid reservation whose
// stock outcome was never recorded, such as after a crash between the paid
// flip and the decrement. Whether the decrement applied is unknown, so the
// sweep never decrements; an operator reconciles the item.
func (c *PaymentConfirmer) SweepUnsettled(ctx context.Context) (int, error) {
	// Anything younger may still be inside a live confirmation.
	cutoff := c.now().UTC().Add(-2 * c.decrementTimeout)

	stale, err := c.reservations.listUnsettled(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		c.raiseFault(ctx, r, domain.FaultInterrupted,
			fmt.Sprintf("paid at %s with no recorded stock outcome", r.PaidAt.Format(time.RFC3339)), domain.SourceSweep)
	}
	if len(stale) > 0 {
		c.log.Warn("unsettled paid reservations swept", "count", len(stale))
	}
	return len(stale), nil
}

// RunSweeper calls SweepUnsettled every interval until ctx is done.
func (c *PaymentConfirmer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.SweepUnsettled(ctx); err != nil {
			c.log.Error("unsettled reservation sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *PaymentConfirmer) publish(ctx context.Context, event domain.ConfirmationEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.log.Warn("confirmation event not published", "type", event.Type, "reservation_id", event.ReservationID, "err", err)
	}
}
