package service

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

// Outcome is what an entry point reports to the messaging layer.
type Outcome string

const (
	OutcomeMethodPrompt           Outcome = "method_prompt"
	OutcomeAwaitingProof          Outcome = "awaiting_proof"
	OutcomeSettled                Outcome = "settled"
	OutcomeCancelled              Outcome = "cancelled"
	OutcomeResolved               Outcome = "resolved"
	OutcomeEmptyCart              Outcome = "empty_cart"
	OutcomeInsufficientStock      Outcome = "insufficient_stock"
	OutcomeUnknownMethod          Outcome = "unknown_method"
	OutcomeInvalidProof           Outcome = "invalid_proof"
	OutcomeVerificationFailed     Outcome = "verification_failed"
	OutcomeDuplicateProof         Outcome = "duplicate_proof"
	OutcomeReconciliationRequired Outcome = "reconciliation_required"
	OutcomeNoSession              Outcome = "no_session"
	OutcomeInvalidState           Outcome = "invalid_state"
	OutcomeBusy                   Outcome = "busy"
	OutcomeStale                  Outcome = "stale"
)

type Result struct {
	Outcome    Outcome
	State      domain.SessionState
	Method     domain.PaymentMethod
	Methods    []domain.PaymentMethod
	Total      decimal.Decimal
	Shortfalls []domain.Shortfall
	Reason     domain.VerificationReason
	Order      *domain.Order
}

func resultFor(outcome Outcome, s domain.Session) Result {
	return Result{
		Outcome: outcome,
		State:   s.State,
		Method:  s.Method,
		Total:   s.Total,
	}
}
