package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

const (
	defaultTolerance = 5 * time.Minute
	metadataKey      = "reservation_ids"
)

type Config struct {
	// BaseURL overrides the API endpoint; empty means api.stripe.com.
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// Tolerance bounds how old a signed notification may be.
	Tolerance         time.Duration
	MaxNetworkRetries int64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// StripeGateway talks to the Stripe checkout API through stripe-go.
type StripeGateway struct {
	sessions  session.Client
	secret    string
	tolerance time.Duration
}

func NewStripeGateway(cfg Config) *StripeGateway {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		EnableTelemetry:   stripe.Bool(false),
	}
	if backendCfg.HTTPClient == nil {
		backendCfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	if cfg.Logger != nil {
		backendCfg.LeveledLogger = slogLeveledLogger{log: cfg.Logger}
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}

	return &StripeGateway{
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.APIKey,
		},
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
	}
}

func (g *StripeGateway) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.PaymentSession, error) {
	ids, err := json.Marshal(req.ReservationIDs)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("encode reservation ids: %w", err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(metadataKey, string(ids))
	for _, li := range req.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(li.Name),
				},
				UnitAmount: stripe.Int64(li.UnitAmount),
			},
			Quantity: stripe.Int64(int64(li.Quantity)),
		})
	}

	cs, err := g.sessions.New(params)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("create checkout session: %w", err)
	}

	return domain.PaymentSession{
		ID:             cs.ID,
		URL:            cs.URL,
		ReservationIDs: req.ReservationIDs,
		Amount:         decimal.New(cs.AmountTotal, -2),
		Currency:       string(cs.Currency),
	}, nil
}

func (g *StripeGateway) GetSession(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	cs, err := g.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return domain.SessionStatus{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
		return domain.SessionStatus{}, fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}

	ids, err := decodeReservationIDs(cs.Metadata)
	if err != nil {
		return domain.SessionStatus{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return domain.SessionStatus{
		ID:             cs.ID,
		ReservationIDs: ids,
		Paid:           cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}, nil
}

func decodeReservationIDs(metadata map[string]string) ([]string, error) {
	raw, ok := metadata[metadataKey]
	if !ok || raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode reservation ids metadata: %w", err)
	}
	return ids, nil
}

// slogLeveledLogger routes stripe-go's client logs into the service logger.
type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l slogLeveledLogger) Infof(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l slogLeveledLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l slogLeveledLogger) Errorf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...), "component", "stripe")
}
