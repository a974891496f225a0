package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

// VerifyNotification checks the Stripe-Signature header against the webhook
// secret and the configured tolerance, then extracts the checkout session.
// Events pinned to another API version are accepted; only the session id and
// metadata are read from them.
func (g *StripeGateway) VerifyNotification(payload []byte, signature string) (domain.PaymentNotification, error) {
	if g.secret == "" {
		return domain.PaymentNotification{}, fmt.Errorf("%w: webhook secret not configured", domain.ErrGatewayAuthentication)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.secret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.PaymentNotification{}, fmt.Errorf("%w: %v", domain.ErrGatewayAuthentication, err)
	}

	n := domain.PaymentNotification{
		EventID:   ev.ID,
		Type:      string(ev.Type),
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Type != stripe.EventTypeCheckoutSessionCompleted {
		return n, nil
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return domain.PaymentNotification{}, fmt.Errorf("%w: event %s has no object", domain.ErrGatewayAuthentication, ev.ID)
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return domain.PaymentNotification{}, fmt.Errorf("%w: malformed checkout session: %v", domain.ErrGatewayAuthentication, err)
	}
	ids, err := decodeReservationIDs(cs.Metadata)
	if err != nil {
		return domain.PaymentNotification{}, fmt.Errorf("%w: %v", domain.ErrGatewayAuthentication, err)
	}

	n.SessionID = cs.ID
	n.ReservationIDs = ids
	return n, nil
}
