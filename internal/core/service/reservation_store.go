package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

type CreateReservationInput struct {
	ItemID   string
	Quantity int
	Block    string
}

// ReservationStore owns reservation records and their payment state.
type ReservationStore struct {
	repo   port.ReservationRepository
	ledger *StockLedger
	log    *slog.Logger
	now    func() time.Time
}

func NewReservationStore(log *slog.Logger, repo port.ReservationRepository, ledger *StockLedger) *ReservationStore {
	return &ReservationStore{
		repo:   repo,
		ledger: ledger,
		log:    log,
		now:    time.Now,
	}
}

// Create validates the request, runs the soft stock check and persists a
// pending reservation. Stock is not decremented here.
func (s *ReservationStore) Create(ctx context.Context, who domain.Identity, in CreateReservationInput) (*domain.Reservation, error) {
	if who.UserID == "" {
		return nil, fmt.Errorf("%w: missing caller identity", domain.ErrForbidden)
	}
	if in.ItemID == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if in.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}
	block, err := domain.ParseBlock(in.Block)
	if err != nil {
		return nil, err
	}

	item, err := s.ledger.CheckAvailability(ctx, in.ItemID, in.Quantity)
	if err != nil {
		return nil, err
	}
	if item.Block != block {
		return nil, fmt.Errorf("%w: item %s belongs to %s, not %s", domain.ErrValidation, item.ID, item.Block, block)
	}

	r := domain.Reservation{
		ID:            uuid.NewString(),
		UserID:        who.UserID,
		ItemID:        item.ID,
		Quantity:      in.Quantity,
		Block:         block,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.CreateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	s.log.Info("reservation created",
		"reservation_id", r.ID, "user_id", r.UserID, "item_id", r.ItemID, "quantity", r.Quantity)
	return &r, nil
}

func (s *ReservationStore) Get(ctx context.Context, who domain.Identity, id string) (*domain.Reservation, error) {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.CanAccess(r.UserID) {
		return nil, fmt.Errorf("%w: reservation %s", domain.ErrForbidden, id)
	}
	return r, nil
}

// ListByUserAndBlock returns the user's reservations in block, most recent first.
func (s *ReservationStore) ListByUserAndBlock(ctx context.Context, who domain.Identity, userID, block string) ([]domain.Reservation, error) {
	if !who.CanAccess(userID) {
		return nil, fmt.Errorf("%w: reservations of %s", domain.ErrForbidden, userID)
	}
	b, err := domain.ParseBlock(block)
	if err != nil {
		return nil, err
	}
	list, err := s.repo.ListReservations(ctx, userID, b)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return list, nil
}

// TransitionToPaid flips pending to paid. Of any number of concurrent callers
// for one reservation exactly one observes TransitionApplied.
func (s *ReservationStore) TransitionToPaid(ctx context.Context, id string) (domain.TransitionResult, error) {
	applied, err := s.repo.MarkPaid(ctx, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrReservationNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("mark reservation %s paid: %w", id, err)
	}
	if !applied {
		return domain.TransitionAlreadyPaid, nil
	}
	return domain.TransitionApplied, nil
}

func (s *ReservationStore) markSettled(ctx context.Context, id string) error {
	if err := s.repo.MarkStockSettled(ctx, id); err != nil {
		return fmt.Errorf("settle reservation %s: %w", id, err)
	}
	return nil
}

func (s *ReservationStore) listUnsettled(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Reservation, error) {
	list, err := s.repo.ListUnsettledPaid(ctx, paidBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsettled reservations: %w", err)
	}
	return list, nil
}

// lookup reads a reservation without an ownership check.
func (s *ReservationStore) lookup(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}
