package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/rl1809/block-reserve/internal/adapter/gateway"
	"github.com/rl1809/block-reserve/internal/adapter/storage"
	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/core/service"
	"github.com/rl1809/block-reserve/pkg/logging"
)

const (
	initialStock    = 20
	totalStudents   = 50
	confirmsPerPath = 3
	webhookSecret   = "whsec_stress"
)

func main() {
	ctx := context.Background()
	logger := logging.New("error")

	store := storage.NewMemoryAdapter()
	pay := gateway.NewStripeGateway(gateway.Config{WebhookSecret: webhookSecret})

	ledger := service.NewStockLedger(logger, store, nil)
	reservations := service.NewReservationStore(logger, store, ledger)
	confirmer := service.NewPaymentConfirmer(logger, reservations, ledger, store, nil, 5*time.Second)
	dispatcher := service.NewConfirmationDispatcher(logger, confirmer, reservations, pay, nil)
	catalog := service.NewStockCatalog(logger, store, store, nil)

	owner := domain.Identity{UserID: "owner", Role: domain.RoleOwner}
	item, err := catalog.CreateItem(ctx, owner, service.CreateItemInput{
		Name:     "stress-item",
		Price:    decimal.RequireFromString("3.50"),
		Quantity: initialStock,
		Block:    string(domain.BlockA),
	})
	if err != nil {
		log.Fatalf("failed to create item: %v", err)
	}

	// Every student passes the soft check; only payment confirmation decrements.
	ids := make([]string, 0, totalStudents)
	for i := 0; i < totalStudents; i++ {
		who := domain.Identity{UserID: fmt.Sprintf("student-%d", i), Role: domain.RoleStudent}
		r, err := reservations.Create(ctx, who, service.CreateReservationInput{
			ItemID:   item.ID,
			Quantity: 1,
			Block:    string(domain.BlockA),
		})
		if err != nil {
			log.Fatalf("failed to reserve for %s: %v", who.UserID, err)
		}
		ids = append(ids, r.ID)
	}

	var (
		confirmed   atomic.Int32
		already     atomic.Int32
		unavailable atomic.Int32
		failed      atomic.Int32
		perRes      sync.Map
	)
	record := func(res domain.ConfirmResult) {
		switch res.Outcome {
		case domain.OutcomeConfirmed:
			confirmed.Add(1)
		case domain.OutcomeAlreadyConfirmed:
			already.Add(1)
			return
		case domain.OutcomeStockUnavailable:
			unavailable.Add(1)
		default:
			failed.Add(1)
			return
		}
		counter, _ := perRes.LoadOrStore(res.ReservationID, new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)
	}

	var wg sync.WaitGroup
	start := time.Now()

	for i, id := range ids {
		for n := 0; n < confirmsPerPath; n++ {
			wg.Add(2)
			go func(eventID, id string) {
				defer wg.Done()
				signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
					Payload: notification(eventID, id),
					Secret:  webhookSecret,
				})
				out, err := dispatcher.HandleNotification(ctx, signed.Payload, signed.Header)
				if err != nil {
					failed.Add(1)
					return
				}
				for _, res := range out.Results {
					record(res)
				}
			}(fmt.Sprintf("evt_%d_%d", i, n), id)
			go func(id string) {
				defer wg.Done()
				res, err := dispatcher.ConfirmManual(ctx, owner, id)
				if err != nil {
					failed.Add(1)
					return
				}
				record(res)
			}(id)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := store.GetStockItem(ctx, item.ID)
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}
	faults, _ := store.ListFaults(ctx, totalStudents)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:      %d\n", initialStock)
	fmt.Printf("Reservations:       %d\n", totalStudents)
	fmt.Printf("Confirm Attempts:   %d\n", totalStudents*confirmsPerPath*2)
	fmt.Printf("Confirmed:          %d\n", confirmed.Load())
	fmt.Printf("Stock Unavailable:  %d\n", unavailable.Load())
	fmt.Printf("Already Confirmed:  %d\n", already.Load())
	fmt.Printf("Failed:             %d\n", failed.Load())
	fmt.Printf("Faults Recorded:    %d\n", len(faults))
	fmt.Printf("Final Stock:        %d\n", final.Quantity)
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("==========================================")

	if confirmed.Load() == initialStock && unavailable.Load() == totalStudents-initialStock {
		fmt.Printf("PASS: %d confirmed, %d raised reconciliation faults\n", initialStock, totalStudents-initialStock)
	} else {
		fmt.Printf("FAIL: expected %d/%d confirmed/unavailable, got %d/%d\n",
			initialStock, totalStudents-initialStock, confirmed.Load(), unavailable.Load())
	}

	doubles := 0
	perRes.Range(func(_, v any) bool {
		if v.(*atomic.Int32).Load() != 1 {
			doubles++
		}
		return true
	})
	if doubles == 0 && final.Quantity == 0 {
		fmt.Println("PASS: every reservation settled exactly once, stock depleted to 0")
	} else {
		fmt.Printf("FAIL: %d reservations settled more than once, final stock %d\n", doubles, final.Quantity)
	}
}

func notification(eventID, reservationID string) []byte {
	ids, _ := json.Marshal([]string{reservationID})
	payload, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    domain.EventCheckoutSessionCompleted,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       "cs_" + reservationID,
				"metadata": map[string]string{"reservation_ids": string(ids)},
			},
		},
	})
	return payload
}
