package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/port"
)

var ErrRelayClosed = errors.New("event relay closed")

// EventRelay queues confirmation events and forwards them to the broker from
// a pool of workers, so a slow broker never holds up a confirmation.
type EventRelay struct {
	next        port.EventPublisher
	queue       chan domain.ConfirmationEvent
	log         *slog.Logger
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEventRelay(log *slog.Logger, next port.EventPublisher, queueSize int, sendTimeout time.Duration) *EventRelay {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &EventRelay{
		next:        next,
		queue:       make(chan domain.ConfirmationEvent, queueSize),
		log:         log,
		sendTimeout: sendTimeout,
	}
}

// Start launches workerCount workers. They exit once Close drains the queue.
func (r *EventRelay) Start(workerCount int) {
	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.workerLoop(id)
		}(i)
	}
}

// Publish enqueues event, waiting for room until ctx is done.
func (r *EventRelay) Publish(ctx context.Context, event domain.ConfirmationEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRelayClosed
	}

	select {
	case r.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *EventRelay) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *EventRelay) workerLoop(id int) {
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)

		if err := r.next.Publish(ctx, event); err != nil {
			level := slog.LevelWarn
			if event.Type == domain.EventReconciliationFault {
				// The fault row is still in storage; only the broadcast was lost.
				level = slog.LevelError
			}
			r.log.Log(ctx, level, "event delivery failed",
				"worker", id, "type", event.Type, "reservation_id", event.ReservationID, "err", err)
		} else {
			r.log.Debug("event delivered", "worker", id, "type", event.Type, "reservation_id", event.ReservationID)
		}

		cancel()
	}
}
