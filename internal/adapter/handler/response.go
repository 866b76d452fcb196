package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/core/service"
)

type CheckoutResponse struct {
	Success    bool                `json:"success"`
	Outcome    string              `json:"outcome"`
	Message    string              `json:"message"`
	State      string              `json:"state"`
	Method     string              `json:"method,omitempty"`
	Methods    []string            `json:"methods,omitempty"`
	Total      string              `json:"total,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Shortfalls []ShortfallResponse `json:"shortfalls,omitempty"`
	Order      *OrderResponse      `json:"order,omitempty"`
}

type ShortfallResponse struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type OrderResponse struct {
	ID         string              `json:"id"`
	CustomerID string              `json:"customer_id"`
	Method     string              `json:"method"`
	ProofRef   string              `json:"proof_ref"`
	Total      string              `json:"total"`
	Status     string              `json:"status"`
	Lines      []OrderLineResponse `json:"lines"`
	CreatedAt  time.Time           `json:"created_at"`
}

type OrderLineResponse struct {
	ProductID string   `json:"product_id"`
	Name      string   `json:"name"`
	Quantity  int      `json:"quantity"`
	UnitPrice string   `json:"unit_price"`
	Payloads  []string `json:"payloads"`
}

type SessionResponse struct {
	CustomerID          string    `json:"customer_id"`
	State               string    `json:"state"`
	Method              string    `json:"method,omitempty"`
	Total               string    `json:"total,omitempty"`
	Generation          uint64    `json:"generation"`
	Verifying           bool      `json:"verifying"`
	NeedsReconciliation bool      `json:"needs_reconciliation"`
	ReconciliationNote  string    `json:"reconciliation_note,omitempty"`
	FailedAttempts      int       `json:"failed_attempts"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func newCheckoutResponse(res service.Result) CheckoutResponse {
	out := CheckoutResponse{
		Success: succeeded(res.Outcome),
		Outcome: string(res.Outcome),
		Message: MessageFor(res),
		State:   res.State.String(),
		Method:  string(res.Method),
		Reason:  string(res.Reason),
	}
	if !res.Total.IsZero() {
		out.Total = res.Total.StringFixed(2)
	}
	for _, m := range res.Methods {
		out.Methods = append(out.Methods, string(m))
	}
	for _, s := range res.Shortfalls {
		out.Shortfalls = append(out.Shortfalls, ShortfallResponse{
			ProductID: s.ProductID,
			Requested: s.Requested,
			Available: s.Available,
		})
	}
	if res.Order != nil {
		order := newOrderResponse(*res.Order)
		out.Order = &order
	}
	return out
}

func newOrderResponse(o domain.Order) OrderResponse {
	lines := make([]OrderLineResponse, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, OrderLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
			Payloads:  append([]string{}, l.Payloads...),
		})
	}
	return OrderResponse{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		Method:     string(o.Method),
		ProofRef:   o.ProofRef,
		Total:      o.Total.StringFixed(2),
		Status:     string(o.Status),
		Lines:      lines,
		CreatedAt:  o.CreatedAt,
	}
}

func newSessionResponse(s domain.Session) SessionResponse {
	out := SessionResponse{
		CustomerID:          s.CustomerID,
		State:               s.State.String(),
		Method:              string(s.Method),
		Generation:          s.Generation,
		Verifying:           s.Verifying,
		NeedsReconciliation: s.NeedsReconciliation,
		ReconciliationNote:  s.ReconciliationNote,
		FailedAttempts:      s.FailedAttempts,
		UpdatedAt:           s.UpdatedAt,
	}
	if !s.Total.IsZero() {
		out.Total = s.Total.StringFixed(2)
	}
	return out
}

func succeeded(o service.Outcome) bool {
	switch o {
	case service.OutcomeMethodPrompt, service.OutcomeAwaitingProof, service.OutcomeSettled,
		service.OutcomeCancelled, service.OutcomeResolved:
		return true
	}
	return false
}

// MessageFor renders the customer-facing text for an entry point result.
func MessageFor(res service.Result) string {
	switch res.Outcome {
	case service.OutcomeMethodPrompt:
		methods := make([]string, 0, len(res.Methods))
		for _, m := range res.Methods {
			methods = append(methods, string(m))
		}
		return fmt.Sprintf("Total %s. Choose a payment method: %s", res.Total.StringFixed(2), strings.Join(methods, ", "))
	case service.OutcomeAwaitingProof:
		switch res.Method {
		case domain.MethodVoucher:
			return fmt.Sprintf("Send a gift voucher link worth %s.", res.Total.StringFixed(2))
		case domain.MethodBankSlip:
			return fmt.Sprintf("Transfer %s and send a photo of the slip.", res.Total.StringFixed(2))
		}
		return "Send your redemption code."
	case service.OutcomeSettled:
		if res.Order != nil {
			return fmt.Sprintf("Payment received. Order %s is on its way.", res.Order.ID)
		}
		return "Payment received."
	case service.OutcomeCancelled:
		return "Checkout cancelled."
	case service.OutcomeResolved:
		return "Checkout released."
	case service.OutcomeEmptyCart:
		return "Your cart is empty."
	case service.OutcomeInsufficientStock:
		parts := make([]string, 0, len(res.Shortfalls))
		for _, s := range res.Shortfalls {
			parts = append(parts, fmt.Sprintf("%s (wanted %d, %d left)", s.ProductID, s.Requested, s.Available))
		}
		return "Not enough stock: " + strings.Join(parts, ", ")
	case service.OutcomeUnknownMethod:
		return "That payment method is not available."
	case service.OutcomeInvalidProof:
		return "That does not look like a valid payment proof. Please check and send it again."
	case service.OutcomeVerificationFailed:
		return reasonMessage(res.Reason)
	case service.OutcomeDuplicateProof:
		return "This payment proof has already been used."
	case service.OutcomeReconciliationRequired:
		return "Your payment was received but the order could not be completed. An operator will contact you."
	case service.OutcomeNoSession:
		return "There is no checkout in progress."
	case service.OutcomeInvalidState:
		return "That step is not available right now."
	case service.OutcomeBusy:
		return "Still checking your previous payment proof."
	case service.OutcomeStale:
		return "Your checkout changed while the payment was being checked. Please start again."
	}
	return ""
}

func reasonMessage(r domain.VerificationReason) string {
	switch r {
	case domain.ReasonAmountMismatch:
		return "The paid amount does not match the order total."
	case domain.ReasonSoldOut:
		return "This voucher has been fully redeemed."
	case domain.ReasonNotFound:
		return "The voucher or code was not found."
	case domain.ReasonAlreadyRedeemed:
		return "You have already redeemed this voucher."
	case domain.ReasonExpired:
		return "This voucher has expired."
	case domain.ReasonProviderError:
		return "The payment provider is unavailable. Please try again shortly."
	case domain.ReasonUnreadable:
		return "The slip could not be read. Please send a clearer photo."
	}
	return "The payment could not be verified."
}
