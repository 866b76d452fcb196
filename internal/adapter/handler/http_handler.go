package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/digital-storefront/internal/adapter/catalog"
	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/core/service"
	"github.com/rl1809/digital-storefront/internal/port"
	"github.com/rl1809/digital-storefront/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

// CartEditor is the slice of the catalog the cart routes need.
type CartEditor interface {
	AddToCart(ctx context.Context, customerID, productID string, quantity int) error
	RemoveFromCart(ctx context.Context, customerID, productID string) error
}

type HTTPHandler struct {
	checkout *service.CheckoutService
	orders   port.OrderLedger
	carts    CartEditor
	logs     *logger.Logger
	validate *validator.Validate
}

type customerRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
}

type selectMethodRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
	Method     string `json:"method" validate:"required,max=32"`
}

// Material may be empty; the state machine reports that as an invalid proof.
type submitProofRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
	Material   string `json:"material" validate:"max=4096"`
}

type addToCartRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
	ProductID  string `json:"product_id" validate:"required,max=128"`
	Quantity   int    `json:"quantity" validate:"required,min=1,max=1000"`
}

type errorResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func NewHTTPHandler(checkout *service.CheckoutService, orders port.OrderLedger, carts CartEditor, logs *logger.Logger) *HTTPHandler {
	if logs == nil {
		logs = logger.Nop()
	}
	return &HTTPHandler{
		checkout: checkout,
		orders:   orders,
		carts:    carts,
		logs:     logs,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Routes mounts the API. A nil gatherer leaves /metrics unmounted.
func (h *HTTPHandler) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(h.recoverer, h.requestID, h.logging)

	r.Get("/health", h.HealthCheck)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/cart", h.AddToCart)
		r.Delete("/cart/{customerID}/{productID}", h.RemoveFromCart)

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/start", h.StartCheckout)
			r.Post("/method", h.SelectMethod)
			r.Post("/proof", h.SubmitProof)
			r.Post("/cancel", h.Cancel)
			r.Get("/{customerID}", h.GetSession)
		})

		r.Get("/orders/{orderID}", h.GetOrder)
		r.Get("/customers/{customerID}/orders", h.ListOrders)

		r.Get("/reconciliations", h.ListReconciliations)
		r.Post("/reconciliations/{customerID}/resolve", h.ResolveReconciliation)
	})
	return r
}

func (h *HTTPHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.checkout.StartCheckout(r.Context(), req.CustomerID)
	h.writeResult(w, r, res, err)
}

func (h *HTTPHandler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	var req selectMethodRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.checkout.SelectMethod(r.Context(), req.CustomerID, req.Method)
	h.writeResult(w, r, res, err)
}

func (h *HTTPHandler) SubmitProof(w http.ResponseWriter, r *http.Request) {
	var req submitProofRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.checkout.SubmitProof(r.Context(), req.CustomerID, req.Material)
	h.writeResult(w, r, res, err)
}

func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.checkout.Cancel(r.Context(), req.CustomerID)
	h.writeResult(w, r, res, err)
}

func (h *HTTPHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.checkout.Session(r.Context(), chi.URLParam(r, "customerID"))
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (h *HTTPHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req addToCartRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.carts.AddToCart(r.Context(), req.CustomerID, req.ProductID, req.Quantity)
	if err != nil {
		var se *domain.ShortfallError
		switch {
		case errors.As(err, &se):
			writeJSON(w, http.StatusGone, errorResponse{Message: se.Error()})
		case errors.Is(err, domain.ErrProductNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Message: "product not found"})
		default:
			h.internalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, errorResponse{Success: true, Message: "added to cart"})
}

func (h *HTTPHandler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	err := h.carts.RemoveFromCart(r.Context(), chi.URLParam(r, "customerID"), chi.URLParam(r, "productID"))
	if errors.Is(err, catalog.ErrNotInCart) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "product not in cart"})
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, errorResponse{Success: true, Message: "removed from cart"})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if errors.Is(err, domain.ErrOrderNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "order not found"})
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListByCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	pending := h.checkout.PendingReconciliations()
	out := make([]SessionResponse, 0, len(pending))
	for _, s := range pending {
		out = append(out, newSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	res, err := h.checkout.ResolveReconciliation(r.Context(), chi.URLParam(r, "customerID"))
	h.writeResult(w, r, res, err)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	defer io.Copy(io.Discard, r.Body)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		resp := errorResponse{Message: "validation failed"}
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			resp.Details = make(map[string]string, len(errs))
			for _, fe := range errs {
				resp.Details[fe.Field()] = validationMessage(fe)
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return "is invalid"
}

func (h *HTTPHandler) writeResult(w http.ResponseWriter, r *http.Request, res service.Result, err error) {
	if err != nil && res.Outcome == "" {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, statusFor(res.Outcome), newCheckoutResponse(res))
}

func (h *HTTPHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logs.Error(r.Context(), "request failed", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal error"})
}

func statusFor(o service.Outcome) int {
	switch o {
	case service.OutcomeMethodPrompt, service.OutcomeAwaitingProof, service.OutcomeSettled,
		service.OutcomeCancelled, service.OutcomeResolved:
		return http.StatusOK
	case service.OutcomeEmptyCart, service.OutcomeUnknownMethod, service.OutcomeInvalidProof:
		return http.StatusUnprocessableEntity
	case service.OutcomeInsufficientStock:
		return http.StatusGone
	case service.OutcomeVerificationFailed:
		return http.StatusPaymentRequired
	case service.OutcomeReconciliationRequired:
		return http.StatusAccepted
	case service.OutcomeBusy:
		return http.StatusTooManyRequests
	}
	return http.StatusConflict
}

func (h *HTTPHandler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(h.logs.WithRequestID(r.Context(), reqID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *HTTPHandler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := h.logs.WithFields(r.Context(), map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		h.logs.Info(h.logs.WithFields(ctx, map[string]any{
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}), "request.complete")
	})
}

func (h *HTTPHandler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.internalError(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
