package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

func completedNotification(eventID, sessionID string, ids ...string) domain.PaymentNotification {
	return domain.PaymentNotification{
		EventID:        eventID,
		Type:           domain.EventCheckoutSessionCompleted,
		SessionID:      sessionID,
		ReservationIDs: ids,
	}
}

func TestHandleNotification_RejectsUnverified(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.gateway.verifyErr = errors.New("bad signature")

	_, err := f.dispatcher.HandleNotification(context.Background(), []byte("{}"), "t=1,v1=00")
	if !errors.Is(err, domain.ErrGatewayAuthentication) {
		t.Fatalf("expected ErrGatewayAuthentication, got %v", err)
	}
	if f.store.markPaidCalls.Load() != 0 {
		t.Error("no state may be touched for an unverified notification")
	}
}

func TestHandleNotification_IgnoresOtherEvents(t *testing.T) {
	f := newFixture()
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.gateway.notification = domain.PaymentNotification{
		EventID:        "evt_1",
		Type:           "checkout.session.expired",
		ReservationIDs: []string{"r1"},
	}

	out, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if len(out.Results) != 0 || f.store.status("r1") != domain.PaymentStatusPending {
		t.Error("non-completion event must not confirm anything")
	}
}

func TestHandleNotification_ConfirmsAndDeduplicates(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 2)
	f.store.addReservation("r2", student1.UserID, "item-1", 1)
	f.gateway.notification = completedNotification("evt_1", "cs_1", "r1", "r2")

	out, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out.Results))
	}
	for _, res := range out.Results {
		if res.Outcome != domain.OutcomeConfirmed {
			t.Errorf("%s: expected confirmed, got %s", res.ReservationID, res.Outcome)
		}
	}

	again, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !again.Duplicate {
		t.Error("expected redelivery to be flagged duplicate")
	}
	if f.store.quantity("item-1") != 7 {
		t.Errorf("expected stock 7, got %d", f.store.quantity("item-1"))
	}
	if f.store.markPaidCalls.Load() != 2 {
		t.Errorf("expected 2 transitions, got %d", f.store.markPaidCalls.Load())
	}
}

func TestHandleNotification_RetryableNotMarked(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 2)
	f.store.markPaidErr = errors.New("connection refused")
	f.gateway.notification = completedNotification("evt_1", "cs_1", "r1")

	out, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if !out.Retryable() {
		t.Fatal("expected retryable result")
	}

	f.store.markPaidErr = nil
	out, err = f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out.Duplicate || out.Results[0].Outcome != domain.OutcomeConfirmed {
		t.Errorf("expected redelivery to confirm, got %+v", out)
	}
}

func TestHandleNotification_DedupCheckFailureStillProcesses(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.cache.hasErr = errors.New("redis down")
	f.gateway.notification = completedNotification("evt_1", "cs_1", "r1")

	out, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if out.Results[0].Outcome != domain.OutcomeConfirmed {
		t.Errorf("expected confirmed, got %s", out.Results[0].Outcome)
	}
}

func TestHandleNotification_ResolvesIDsFromSession(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.gateway.setSession("cs_1", true, "r1")
	f.gateway.notification = completedNotification("evt_1", "cs_1")

	out, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].ReservationID != "r1" {
		t.Errorf("expected r1 resolved from session, got %+v", out.Results)
	}
}

func TestConfirmManual_OwnerOnly(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 1)

	if _, err := f.dispatcher.ConfirmManual(context.Background(), student1, "r1"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if f.store.status("r1") != domain.PaymentStatusPending {
		t.Error("forbidden call must not change state")
	}

	res, err := f.dispatcher.ConfirmManual(context.Background(), owner, "r1")
	if err != nil {
		t.Fatalf("ConfirmManual: %v", err)
	}
	if res.Outcome != domain.OutcomeConfirmed {
		t.Errorf("expected confirmed, got %s", res.Outcome)
	}
}

func TestConfirmSession(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.gateway.setSession("cs_open", false, "r1")
	f.gateway.setSession("cs_paid", true, "r1")

	if _, err := f.dispatcher.ConfirmSession(context.Background(), student1, "cs_open"); !errors.Is(err, domain.ErrPaymentIncomplete) {
		t.Errorf("expected ErrPaymentIncomplete, got %v", err)
	}
	if f.store.status("r1") != domain.PaymentStatusPending {
		t.Error("unpaid session must not confirm")
	}

	if _, err := f.dispatcher.ConfirmSession(context.Background(), student2, "cs_paid"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("expected ErrForbidden for another student, got %v", err)
	}

	results, err := f.dispatcher.ConfirmSession(context.Background(), student1, "cs_paid")
	if err != nil {
		t.Fatalf("ConfirmSession: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomeConfirmed {
		t.Errorf("unexpected results %+v", results)
	}

	if _, err := f.dispatcher.ConfirmSession(context.Background(), student1, "cs_unknown"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConfirmSession_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.gateway.setSession("cs_1", true, "r1")
	f.gateway.getStarted = make(chan struct{}, 1)
	f.gateway.getGate = make(chan struct{})

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	first := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.ConfirmSession(ctx1, owner, "cs_1")
		first <- err
	}()
	<-f.gateway.getStarted

	type outcome struct {
		results []domain.ConfirmResult
		err     error
	}
	second := make(chan outcome, 1)
	go func() {
		results, err := f.dispatcher.ConfirmSession(context.Background(), owner, "cs_1")
		second <- outcome{results, err}
	}()
	// Let the second caller join the in-flight lookup.
	time.Sleep(50 * time.Millisecond)

	cancel1()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: expected context.Canceled, got %v", err)
	}

	close(f.gateway.getGate)
	got := <-second
	if got.err != nil {
		t.Fatalf("live caller failed: %v", got.err)
	}
	if len(got.results) != 1 || got.results[0].Outcome != domain.OutcomeConfirmed {
		t.Errorf("unexpected results %+v", got.results)
	}
	if f.store.quantity("item-1") != 9 {
		t.Errorf("expected stock 9, got %d", f.store.quantity("item-1"))
	}
}

func TestSessionReservationIDs(t *testing.T) {
	f := newFixture()
	f.store.addReservation("r1", student1.UserID, "item-1", 1)
	f.gateway.setSession("cs_1", false, "r1")

	ids, err := f.dispatcher.SessionReservationIDs(context.Background(), student1, "cs_1")
	if err != nil {
		t.Fatalf("SessionReservationIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "r1" {
		t.Errorf("unexpected ids %v", ids)
	}

	if _, err := f.dispatcher.SessionReservationIDs(context.Background(), student1, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// All three completion paths racing on one reservation converge on a single
// confirmation and a single decrement.
func TestCrossPathConvergence(t *testing.T) {
	f := newFixture()
	f.store.addItem("item-1", 10, "4.50", domain.BlockA)
	f.store.addReservation("r1", student1.UserID, "item-1", 4)
	f.gateway.setSession("cs_1", true, "r1")
	f.gateway.notification = completedNotification("evt_1", "cs_1", "r1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []domain.ConfirmOutcome
	)
	record := func(o domain.ConfirmOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}

	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			out, err := f.dispatcher.HandleNotification(context.Background(), nil, "sig")
			if err != nil {
				t.Errorf("notification: %v", err)
				return
			}
			for _, res := range out.Results {
				record(res.Outcome)
			}
		}()
		go func() {
			defer wg.Done()
			res, err := f.dispatcher.ConfirmManual(context.Background(), owner, "r1")
			if err != nil {
				t.Errorf("manual: %v", err)
				return
			}
			record(res.Outcome)
		}()
		go func() {
			defer wg.Done()
			results, err := f.dispatcher.ConfirmSession(context.Background(), student1, "cs_1")
			if err != nil {
				t.Errorf("redirect: %v", err)
				return
			}
			for _, res := range results {
				record(res.Outcome)
			}
		}()
	}
	wg.Wait()

	confirmed := 0
	for _, o := range outcomes {
		switch o {
		case domain.OutcomeConfirmed:
			confirmed++
		case domain.OutcomeAlreadyConfirmed:
		default:
			t.Errorf("unexpected outcome %s", o)
		}
	}
	if confirmed != 1 {
		t.Errorf("expected exactly one confirmed, got %d", confirmed)
	}
	if f.store.quantity("item-1") != 6 {
		t.Errorf("expected stock 6, got %d", f.store.quantity("item-1"))
	}
}
