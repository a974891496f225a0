package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/core/service"
)

const (
	maxWebhookBody  = 1 << 20
	signatureHeader = "Stripe-Signature"
)

type HTTPHandler struct {
	catalog      *service.StockCatalog
	reservations *service.ReservationStore
	checkout     *service.CheckoutService
	dispatcher   *service.ConfirmationDispatcher
	verifier     *TokenVerifier
	log          *slog.Logger
	tracer       trace.Tracer
}

func NewHTTPHandler(
	log *slog.Logger,
	catalog *service.StockCatalog,
	reservations *service.ReservationStore,
	checkout *service.CheckoutService,
	dispatcher *service.ConfirmationDispatcher,
	verifier *TokenVerifier,
) *HTTPHandler {
	return &HTTPHandler{
		catalog:      catalog,
		reservations: reservations,
		checkout:     checkout,
		dispatcher:   dispatcher,
		verifier:     verifier,
		log:          log,
		tracer:       otel.Tracer("block-reserve-http"),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	// The gateway authenticates with a payload signature, not a bearer token.
	r.Post("/api/payments/webhook", h.webhook)

	r.Group(func(r chi.Router) {
		r.Use(h.verifier.Middleware)

		r.Post("/api/stock", h.createStockItem)
		r.Get("/api/stock/{block}/{date}", h.listStock)

		r.Post("/api/reservations", h.createReservation)
		r.Get("/api/reservations/details/{id}", h.getReservation)
		r.Get("/api/reservations/{userID}/{block}", h.listReservations)
		r.Put("/api/reservations/mark-paid/{id}", h.markPaid)

		r.Post("/api/payments/checkout-session", h.createCheckoutSession)
		r.Post("/api/payments/session/{sessionID}/confirm", h.confirmSession)
		r.Get("/api/payments/session/{sessionID}", h.sessionReservations)

		r.Get("/api/reconciliation/faults", h.listFaults)
	})
	return r
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type stockItemResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Block     domain.Block    `json:"block"`
	Date      string          `json:"date"`
	LowStock  bool            `json:"low_stock"`
	CreatedAt time.Time       `json:"created_at"`
}

type reservationResponse struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id"`
	ItemID        string               `json:"item_id"`
	Quantity      int                  `json:"quantity"`
	Block         domain.Block         `json:"block"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	CreatedAt     time.Time            `json:"created_at"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
}

type confirmResponse struct {
	ReservationID string                      `json:"reservation_id"`
	Outcome       domain.ConfirmOutcome       `json:"outcome"`
	Remaining     *int                        `json:"remaining,omitempty"`
	OperatorAlert bool                        `json:"operator_alert,omitempty"`
	Fault         *domain.ReconciliationFault `json:"fault,omitempty"`
	Retryable     bool                        `json:"retryable,omitempty"`
	Error         string                      `json:"error,omitempty"`
}

type batchConfirmResponse struct {
	SessionID string            `json:"session_id,omitempty"`
	EventID   string            `json:"event_id,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Results   []confirmResponse `json:"results"`
}

type createStockRequest struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Block    string          `json:"block"`
	Date     string          `json:"date"`
}

type createReservationRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	Block    string `json:"block"`
}

type checkoutRequest struct {
	ReservationIDs []string `json:"reservation_ids"`
}

type checkoutResponse struct {
	SessionID      string          `json:"session_id"`
	URL            string          `json:"url"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ReservationIDs []string        `json:"reservation_ids"`
}

func (h *HTTPHandler) createStockItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateStockItem")
	defer span.End()

	var req createStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var day time.Time
	if req.Date != "" {
		d, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be YYYY-MM-DD"})
			return
		}
		day = d
	}

	item, err := h.catalog.CreateItem(ctx, identity(r), service.CreateItemInput{
		Name:     req.Name,
		Price:    req.Price,
		Quantity: req.Quantity,
		Block:    req.Block,
		Date:     day,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStockItemResponse(*item))
}

func (h *HTTPHandler) listStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListStock")
	defer span.End()

	day, err := time.Parse(time.DateOnly, chi.URLParam(r, "date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be YYYY-MM-DD"})
		return
	}

	items, err := h.catalog.ListByBlockAndDate(ctx, pathParam(r, "block"), day)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]stockItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toStockItemResponse(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) createReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateReservation")
	defer span.End()

	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.reservations.Create(ctx, identity(r), service.CreateReservationInput{
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Block:    req.Block,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(*res))
}

func (h *HTTPHandler) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetReservation")
	defer span.End()

	res, err := h.reservations.Get(ctx, identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(*res))
}

func (h *HTTPHandler) listReservations(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListReservations")
	defer span.End()

	list, err := h.reservations.ListByUserAndBlock(ctx, identity(r), chi.URLParam(r, "userID"), pathParam(r, "block"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MarkPaid")
	defer span.End()

	res, err := h.dispatcher.ConfirmManual(ctx, identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == domain.OutcomeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, toConfirmResponse(res))
}

func (h *HTTPHandler) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateCheckoutSession")
	defer span.End()

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	sess, err := h.checkout.CreateSession(ctx, identity(r), req.ReservationIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		SessionID:      sess.ID,
		URL:            sess.URL,
		Amount:         sess.Amount,
		Currency:       sess.Currency,
		ReservationIDs: sess.ReservationIDs,
	})
}

func (h *HTTPHandler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	n, err := h.dispatcher.HandleNotification(ctx, payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := batchConfirmResponse{
		SessionID: n.SessionID,
		EventID:   n.EventID,
		Duplicate: n.Duplicate,
		Retryable: n.Retryable(),
		Results:   toConfirmResponses(n.Results),
	}
	status := http.StatusOK
	if out.Retryable {
		// A non-2xx answer makes the gateway redeliver the event.
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

func (h *HTTPHandler) confirmSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmSession")
	defer span.End()

	sessionID := chi.URLParam(r, "sessionID")
	results, err := h.dispatcher.ConfirmSession(ctx, identity(r), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := batchConfirmResponse{SessionID: sessionID, Results: toConfirmResponses(results)}
	status := http.StatusOK
	for _, res := range results {
		if res.Outcome == domain.OutcomeFailed {
			out.Retryable = true
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, out)
}

func (h *HTTPHandler) sessionReservations(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SessionReservations")
	defer span.End()

	sessionID := chi.URLParam(r, "sessionID")
	ids, err := h.dispatcher.SessionReservationIDs(ctx, identity(r), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      sessionID,
		"reservation_ids": ids,
	})
}

func (h *HTTPHandler) listFaults(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListFaults")
	defer span.End()

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	faults, err := h.catalog.ListFaults(ctx, identity(r), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if faults == nil {
		faults = []domain.ReconciliationFault{}
	}
	writeJSON(w, http.StatusOK, faults)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		h.log.Error("request failed", "err", err)
		writeJSON(w, status, errorResponse{Error: msg, Retryable: true})
		return
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrGatewayAuthentication):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrStockItemNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrAlreadyPaid):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrPaymentIncomplete):
		return http.StatusPaymentRequired, "payment not completed"
	default:
		return http.StatusServiceUnavailable, "temporarily unavailable"
	}
}

func toStockItemResponse(it domain.StockItem) stockItemResponse {
	return stockItemResponse{
		ID:        it.ID,
		Name:      it.Name,
		Price:     it.UnitPrice,
		Quantity:  it.Quantity,
		Block:     it.Block,
		Date:      it.Date.Format(time.DateOnly),
		LowStock:  it.IsLowStock(),
		CreatedAt: it.CreatedAt,
	}
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:            r.ID,
		UserID:        r.UserID,
		ItemID:        r.ItemID,
		Quantity:      r.Quantity,
		Block:         r.Block,
		PaymentStatus: r.PaymentStatus,
		CreatedAt:     r.CreatedAt,
		PaidAt:        r.PaidAt,
	}
}

func toConfirmResponse(res domain.ConfirmResult) confirmResponse {
	out := confirmResponse{
		ReservationID: res.ReservationID,
		Outcome:       res.Outcome,
		OperatorAlert: res.NeedsOperator(),
		Fault:         res.Fault,
	}
	if res.Outcome == domain.OutcomeConfirmed {
		remaining := res.Remaining
		out.Remaining = &remaining
	}
	if res.Outcome == domain.OutcomeFailed {
		out.Retryable = true
		out.Error = "temporarily unavailable"
	}
	return out
}

func toConfirmResponses(results []domain.ConfirmResult) []confirmResponse {
	out := make([]confirmResponse, 0, len(results))
	for _, res := range results {
		out = append(out, toConfirmResponse(res))
	}
	return out
}

// identity is only called behind the auth middleware.
func identity(r *http.Request) domain.Identity {
	who, _ := IdentityFromContext(r.Context())
	return who
}

// pathParam unescapes segments such as "A%20Block".
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
