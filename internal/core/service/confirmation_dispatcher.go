package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

const (
	notificationKeyPrefix = "notification:"
	sessionLookupTimeout  = 10 * time.Second
)

type NotificationResult struct {
	EventID   string
	Type      string
	SessionID string
	// Duplicate is set when the event id was already fully processed.
	Duplicate bool
	Results   []domain.ConfirmResult
}

// Retryable reports whether any reservation in the batch hit a transient error.
func (n NotificationResult) Retryable() bool {
	for _, r := range n.Results {
		if r.Outcome == domain.OutcomeFailed {
			return true
		}
	}
	return false
}

// ConfirmationDispatcher routes completion signals from the gateway
// notification, the manual mark-paid call and the redirect pull into the
// same idempotent confirmer.
type ConfirmationDispatcher struct {
	confirmer    *PaymentConfirmer
	reservations *ReservationStore
	gateway      port.PaymentGateway
	cache        port.CacheRepository
	log          *slog.Logger
	sessions     singleflight.Group
}

// NewConfirmationDispatcher wires a dispatcher. cache may be nil.
func NewConfirmationDispatcher(log *slog.Logger, confirmer *PaymentConfirmer, reservations *ReservationStore, gateway port.PaymentGateway, cache port.CacheRepository) *ConfirmationDispatcher {
	return &ConfirmationDispatcher{
		confirmer:    confirmer,
		reservations: reservations,
		gateway:      gateway,
		cache:        cache,
		log:          log,
	}
}

// HandleNotification verifies and applies an asynchronous gateway event.
// Unverifiable payloads are rejected before any state is read or written.
func (d *ConfirmationDispatcher) HandleNotification(ctx context.Context, payload []byte, signature string) (NotificationResult, error) {
	n, err := d.gateway.VerifyNotification(payload, signature)
	if err != nil {
		d.log.Warn("payment notification rejected", "err", err)
		if !errors.Is(err, domain.ErrGatewayAuthentication) {
			err = fmt.Errorf("%w: %v", domain.ErrGatewayAuthentication, err)
		}
		return NotificationResult{}, err
	}

	out := NotificationResult{EventID: n.EventID, Type: n.Type, SessionID: n.SessionID}
	if n.Type != domain.EventCheckoutSessionCompleted {
		d.log.Debug("payment notification ignored", "event_id", n.EventID, "type", n.Type)
		return out, nil
	}

	key := notificationKeyPrefix + n.EventID
	if d.cache != nil && n.EventID != "" {
		seen, err := d.cache.HasIdempotency(ctx, key)
		if err != nil {
			d.log.Warn("notification dedup check failed", "event_id", n.EventID, "err", err)
		} else if seen {
			d.log.Info("duplicate notification skipped", "event_id", n.EventID)
			out.Duplicate = true
			return out, nil
		}
	}

	ids := n.ReservationIDs
	if len(ids) == 0 {
		status, err := d.lookupSession(ctx, n.SessionID)
		if err != nil {
			return out, fmt.Errorf("resolve session %s: %w", n.SessionID, err)
		}
		ids = status.ReservationIDs
	}

	out.Results = d.confirmer.ConfirmBatch(ctx, ids, domain.SourceNotification)
	d.log.Info("payment notification applied",
		"event_id", n.EventID, "session_id", n.SessionID, "reservations", len(ids))

	// Only mark the event once every reservation was settled, so a gateway
	// redelivery can finish transient failures.
	if d.cache != nil && n.EventID != "" && !out.Retryable() {
		if _, err := d.cache.SetIdempotency(ctx, key); err != nil {
			d.log.Warn("notification dedup marker not set", "event_id", n.EventID, "err", err)
		}
	}
	return out, nil
}

// ConfirmManual is the operator mark-paid path for a single reservation.
func (d *ConfirmationDispatcher) ConfirmManual(ctx context.Context, who domain.Identity, reservationID string) (domain.ConfirmResult, error) {
	if !who.IsOwner() {
		return domain.ConfirmResult{}, fmt.Errorf("%w: manual confirmation requires owner role", domain.ErrForbidden)
	}
	if reservationID == "" {
		return domain.ConfirmResult{}, fmt.Errorf("%w: reservation id is required", domain.ErrValidation)
	}

	res, err := d.confirmer.Confirm(ctx, reservationID, domain.SourceManual)
	if err != nil {
		return res, err
	}
	d.log.Info("manual confirmation", "reservation_id", reservationID, "actor", who.UserID, "outcome", res.Outcome)
	return res, nil
}

// ConfirmSession is the redirect path: the buyer returns from the hosted
// page and the gateway is asked whether the session was paid.
func (d *ConfirmationDispatcher) ConfirmSession(ctx context.Context, who domain.Identity, sessionID string) ([]domain.ConfirmResult, error) {
	status, err := d.authorizedSession(ctx, who, sessionID)
	if err != nil {
		return nil, err
	}
	if !status.Paid {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrPaymentIncomplete)
	}
	return d.confirmer.ConfirmBatch(ctx, status.ReservationIDs, domain.SourceRedirect), nil
}

// SessionReservationIDs returns the reservations a session covers, as
// reported by the gateway.
func (d *ConfirmationDispatcher) SessionReservationIDs(ctx context.Context, who domain.Identity, sessionID string) ([]string, error) {
	status, err := d.authorizedSession(ctx, who, sessionID)
	if err != nil {
		return nil, err
	}
	return status.ReservationIDs, nil
}

// authorizedSession loads a session; students only get sessions over their
// own reservations.
func (d *ConfirmationDispatcher) authorizedSession(ctx context.Context, who domain.Identity, sessionID string) (domain.SessionStatus, error) {
	if sessionID == "" {
		return domain.SessionStatus{}, fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}
	status, err := d.lookupSession(ctx, sessionID)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	if who.IsOwner() {
		return status, nil
	}
	for _, id := range status.ReservationIDs {
		if _, err := d.reservations.Get(ctx, who, id); err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
			return domain.SessionStatus{}, err
		}
	}
	return status, nil
}

// lookupSession collapses concurrent lookups of one session. The shared call
// runs detached from any single caller, so a caller that gives up only stops
// its own wait.
func (d *ConfirmationDispatcher) lookupSession(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	ch := d.sessions.DoChan(sessionID, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionLookupTimeout)
		defer cancel()
		return d.gateway.GetSession(callCtx, sessionID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.SessionStatus{}, res.Err
		}
		return res.Val.(domain.SessionStatus), nil
	case <-ctx.Done():
		return domain.SessionStatus{}, ctx.Err()
	}
}
