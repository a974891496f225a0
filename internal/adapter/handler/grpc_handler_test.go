package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

func newAdminClient(t *testing.T, e *testEnv, who *domain.Identity) *AdminClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.UnaryInterceptor(e.verifier.AuthInterceptor()))
	RegisterAdminServer(srv, NewGRPCHandler(e.log, e.dispatcher, e.catalog))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	token := ""
	if who != nil {
		token = e.token(t, *who)
	}
	return NewAdminClient(conn, token)
}

func TestAdmin_ConfirmReservation(t *testing.T) {
	e := newTestEnv(t)
	item := e.createItem(t, 5)
	r1 := e.reserve(t, studentOne, item.ID, 3)
	r2 := e.reserve(t, studentTwo, item.ID, 3)

	client := newAdminClient(t, e, &ownerID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.ConfirmReservation(ctx, r1.ID)
	if err != nil {
		t.Fatalf("ConfirmReservation: %v", err)
	}
	if resp.Outcome != domain.OutcomeConfirmed || resp.Remaining != 2 {
		t.Errorf("unexpected response %+v", resp)
	}

	resp, err = client.ConfirmReservation(ctx, r2.ID)
	if err != nil {
		t.Fatalf("ConfirmReservation: %v", err)
	}
	if !resp.OperatorAlert || resp.Fault == nil || resp.Fault.Reason != domain.FaultInsufficientStock {
		t.Errorf("expected fault response, got %+v", resp)
	}

	_, err = client.ConfirmReservation(ctx, "missing")
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}

	faults, err := client.ListFaults(ctx, 10)
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}
	if len(faults) != 1 || faults[0].ReservationID != r2.ID {
		t.Errorf("unexpected faults %+v", faults)
	}
}

func TestAdmin_Authorization(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := newAdminClient(t, e, nil).ListFaults(ctx, 10)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}

	_, err = newAdminClient(t, e, &studentOne).ConfirmReservation(ctx, "r1")
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
}
