package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

func newCheckout(f *fixture) *CheckoutService {
	return NewCheckoutService(testLogger(), f.store, f.store, f.gateway, CheckoutConfig{
		Currency:   "usd",
		SuccessURL: "https://canteen.example/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://canteen.example/cancel",
	})
}

func TestCreateSession_Success(t *testing.T) {
	f := newFixture()
	f.store.addItem("rice", 10, "4.50", domain.BlockA)
	f.store.addItem("tea", 10, "1.25", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "rice", 2)
	f.store.addReservation("r2", student1.UserID, "tea", 3)

	sess, err := newCheckout(f).CreateSession(context.Background(), student1, []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if sess.Amount.String() != "12.75" {
		t.Errorf("expected amount 12.75, got %s", sess.Amount)
	}
	if sess.Currency != "usd" || len(sess.ReservationIDs) != 2 {
		t.Errorf("unexpected session %+v", sess)
	}

	req := f.gateway.requests[0]
	if len(req.LineItems) != 2 || req.LineItems[0].UnitAmount != 450 || req.LineItems[1].UnitAmount != 125 {
		t.Errorf("unexpected line items %+v", req.LineItems)
	}
	if req.LineItems[1].Quantity != 3 {
		t.Errorf("expected quantity 3, got %d", req.LineItems[1].Quantity)
	}
	if f.store.quantity("rice") != 10 {
		t.Error("creating a session must not touch stock")
	}
}

func TestCreateSession_Rejected(t *testing.T) {
	f := newFixture()
	f.store.addItem("rice", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "rice", 1)
	f.store.addReservation("paid", student1.UserID, "rice", 1)
	f.store.addReservation("theirs", student2.UserID, "rice", 1)
	if _, err := f.store.MarkPaid(context.Background(), "paid", f.reservations.now()); err != nil {
		t.Fatal(err)
	}

	svc := newCheckout(f)
	tests := []struct {
		name    string
		ids     []string
		wantErr error
	}{
		{"empty", nil, domain.ErrValidation},
		{"duplicate", []string{"r1", "r1"}, domain.ErrValidation},
		{"unknown", []string{"nope"}, domain.ErrReservationNotFound},
		{"other user", []string{"r1", "theirs"}, domain.ErrForbidden},
		{"already paid", []string{"paid"}, domain.ErrAlreadyPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSession(context.Background(), student1, tt.ids)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if len(f.gateway.requests) != 0 {
		t.Errorf("gateway must not be called, got %d requests", len(f.gateway.requests))
	}
}

func TestCreateSession_GatewayError(t *testing.T) {
	f := newFixture()
	f.store.addItem("rice", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "rice", 1)
	f.gateway.createErr = errors.New("gateway unavailable")

	if _, err := newCheckout(f).CreateSession(context.Background(), student1, []string{"r1"}); err == nil {
		t.Fatal("expected error")
	}
}
