package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionState int

const (
	StateNone SessionState = iota
	StateSelectingMethod
	StateAwaitingProof
	StateSettled
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSelectingMethod:
		return "selecting_method"
	case StateAwaitingProof:
		return "awaiting_proof"
	case StateSettled:
		return "settled"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Active reports whether the session is in a non-terminal checkout step.
func (s SessionState) Active() bool {
	return s == StateSelectingMethod || s == StateAwaitingProof
}

// Session is one customer's checkout. Lines and Total are frozen on entry to
// StateSelectingMethod and never recomputed from the live cart.
type Session struct {
	CustomerID string
	State      SessionState
	Method     PaymentMethod
	Lines      []CartItem
	Total      decimal.Decimal
	// Generation increases on every state transition.
	Generation uint64
	// Verifying is set while a verifier call for Generation is in flight.
	Verifying           bool
	NeedsReconciliation bool
	ReconciliationNote  string
	FailedAttempts      int
	UpdatedAt           time.Time
}

func (s Session) Clone() Session {
	out := s
	out.Lines = append([]CartItem(nil), s.Lines...)
	return out
}

func (s Session) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(s.Lines))
	for _, item := range s.Lines {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
