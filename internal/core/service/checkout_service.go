package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// CheckoutService bundles a user's pending reservations into a hosted
// payment session.
type CheckoutService struct {
	reservations port.ReservationRepository
	stock        port.StockRepository
	gateway      port.PaymentGateway
	cfg          CheckoutConfig
	log          *slog.Logger
}

func NewCheckoutService(log *slog.Logger, reservations port.ReservationRepository, stock port.StockRepository, gateway port.PaymentGateway, cfg CheckoutConfig) *CheckoutService {
	return &CheckoutService{
		reservations: reservations,
		stock:        stock,
		gateway:      gateway,
		cfg:          cfg,
		log:          log,
	}
}

func (s *CheckoutService) CreateSession(ctx context.Context, who domain.Identity, reservationIDs []string) (domain.PaymentSession, error) {
	if len(reservationIDs) == 0 {
		return domain.PaymentSession{}, fmt.Errorf("%w: at least one reservation is required", domain.ErrValidation)
	}

	seen := make(map[string]struct{}, len(reservationIDs))
	lines := make([]domain.LineItem, 0, len(reservationIDs))
	total := decimal.Zero

	for _, id := range reservationIDs {
		if _, dup := seen[id]; dup {
			return domain.PaymentSession{}, fmt.Errorf("%w: reservation %s listed twice", domain.ErrValidation, id)
		}
		seen[id] = struct{}{}

		r, err := s.reservations.GetReservation(ctx, id)
		if err != nil {
			return domain.PaymentSession{}, err
		}
		if r.UserID != who.UserID {
			return domain.PaymentSession{}, fmt.Errorf("%w: reservation %s belongs to another user", domain.ErrForbidden, id)
		}
		if r.IsPaid() {
			return domain.PaymentSession{}, fmt.Errorf("reservation %s: %w", id, domain.ErrAlreadyPaid)
		}

		item, err := s.stock.GetStockItem(ctx, r.ItemID)
		if err != nil {
			return domain.PaymentSession{}, fmt.Errorf("reservation %s: %w", id, err)
		}

		lines = append(lines, domain.LineItem{
			Name:       item.Name,
			UnitAmount: domain.ToMinorUnits(item.UnitPrice),
			Quantity:   r.Quantity,
		})
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(r.Quantity))))
	}

	session, err := s.gateway.CreateSession(ctx, domain.SessionRequest{
		LineItems:      lines,
		ReservationIDs: reservationIDs,
		Currency:       s.cfg.Currency,
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
	})
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("create payment session: %w", err)
	}
	session.ReservationIDs = reservationIDs
	session.Amount = total
	session.Currency = s.cfg.Currency

	s.log.Info("payment session created",
		"session_id", session.ID, "user_id", who.UserID, "reservations", len(reservationIDs), "amount", total.String())
	return session, nil
}
