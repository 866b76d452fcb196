package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProofAlreadyUsed = errors.New("payment proof already used")
	ErrUnknownMethod    = errors.New("unknown payment method")
)

type PaymentMethod string

const (
	MethodVoucher        PaymentMethod = "voucher"
	MethodBankSlip       PaymentMethod = "bank_slip"
	MethodRedemptionCode PaymentMethod = "redemption_code"
)

var methodAliases = map[string]PaymentMethod{
	"voucher":         MethodVoucher,
	"truemoney":       MethodVoucher,
	"bank_slip":       MethodBankSlip,
	"slip":            MethodBankSlip,
	"bank":            MethodBankSlip,
	"redemption_code": MethodRedemptionCode,
	"code":            MethodRedemptionCode,
}

func ParsePaymentMethod(value string) (PaymentMethod, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	key = strings.ReplaceAll(key, "-", "_")
	if m, ok := methodAliases[key]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, value)
}

// NormalizeProofID is the canonical form under which proofs are recorded.
func NormalizeProofID(id string) string {
	return strings.TrimSpace(id)
}

type ProofRecord struct {
	ID         string
	RecordedAt time.Time
}

type VerificationReason string

const (
	ReasonNone            VerificationReason = ""
	ReasonInvalidFormat   VerificationReason = "invalid_format"
	ReasonAmountMismatch  VerificationReason = "amount_mismatch"
	ReasonSoldOut         VerificationReason = "sold_out"
	ReasonNotFound        VerificationReason = "not_found"
	ReasonAlreadyRedeemed VerificationReason = "already_redeemed"
	ReasonExpired         VerificationReason = "expired"
	ReasonProviderError   VerificationReason = "provider_error"
	ReasonUnreadable      VerificationReason = "unreadable"
	ReasonDuplicate       VerificationReason = "duplicate"
	ReasonGenericFailure  VerificationReason = "generic_failure"
)

// Verification is the typed result of a payment verifier.
type Verification struct {
	Success bool
	Reason  VerificationReason
	// ProofID is the normalized identifier to record in the duplicate-use ledger.
	ProofID string
	// Ref is the provider settlement reference, if any.
	Ref    string
	Amount decimal.Decimal
	// Recorded is set when the verifier already consumed the proof atomically.
	Recorded bool
}

func Passed(proofID, ref string, amount decimal.Decimal) Verification {
	return Verification{Success: true, ProofID: proofID, Ref: ref, Amount: amount}
}

func Failed(reason VerificationReason) Verification {
	return Verification{Reason: reason}
}

// WithinTolerance reports whether |got-want| <= tolerance.
func WithinTolerance(got, want, tolerance decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThanOrEqual(tolerance)
}
