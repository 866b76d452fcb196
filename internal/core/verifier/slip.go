package verifier

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
)

// SlipVerifier checks a bank-transfer slip image. A slip whose reference is
// already in the ledger fails even when the amount matches.
type SlipVerifier struct {
	reader    port.SlipReader
	ledger    port.ProofLedger
	tolerance decimal.Decimal
}

func NewSlipVerifier(reader port.SlipReader, ledger port.ProofLedger, tolerance decimal.Decimal) *SlipVerifier {
	return &SlipVerifier{reader: reader, ledger: ledger, tolerance: tolerance}
}

func (v *SlipVerifier) Method() domain.PaymentMethod {
	return domain.MethodBankSlip
}

func (v *SlipVerifier) Verify(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
	imageURL := strings.TrimSpace(material)
	if !isHTTPURL(imageURL) {
		return domain.Failed(domain.ReasonInvalidFormat), nil
	}

	reading, err := v.reader.Read(ctx, imageURL)
	if err != nil {
		return domain.Failed(domain.ReasonProviderError), nil
	}
	if !reading.Success || strings.TrimSpace(reading.TransRef) == "" {
		return domain.Failed(domain.ReasonUnreadable), nil
	}

	ref := domain.NormalizeProofID(reading.TransRef)
	if !domain.WithinTolerance(reading.Amount, expected, v.tolerance) {
		out := domain.Failed(domain.ReasonAmountMismatch)
		out.Ref = ref
		out.Amount = reading.Amount
		return out, nil
	}

	used, err := v.ledger.IsRecorded(ctx, ref)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("slip ledger check: %w", err)
	}
	if used {
		out := domain.Failed(domain.ReasonDuplicate)
		out.ProofID = ref
		out.Ref = ref
		return out, nil
	}
	return domain.Passed(ref, ref, reading.Amount), nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
