package verifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
)

const voucherSuccessCode = "SUCCESS"

var voucherTokenPattern = regexp.MustCompile(`[?&]v=([0-9A-Za-z]+)`)

var voucherReasons = map[string]domain.VerificationReason{
	"VOUCHER_OUT_OF_STOCK": domain.ReasonSoldOut,
	"VOUCHER_NOT_FOUND":    domain.ReasonNotFound,
	"TARGET_USER_REDEEMED": domain.ReasonAlreadyRedeemed,
	"VOUCHER_EXPIRED":      domain.ReasonExpired,
	"INTERNAL_ERROR":       domain.ReasonProviderError,
}

// ExtractVoucherToken returns the v= token of a voucher link, or "".
func ExtractVoucherToken(link string) string {
	m := voucherTokenPattern.FindStringSubmatch(strings.TrimSpace(link))
	if m == nil {
		return ""
	}
	return m[1]
}

type VoucherVerifier struct {
	redeemer  port.VoucherRedeemer
	tolerance decimal.Decimal
}

func NewVoucherVerifier(redeemer port.VoucherRedeemer, tolerance decimal.Decimal) *VoucherVerifier {
	return &VoucherVerifier{redeemer: redeemer, tolerance: tolerance}
}

func (v *VoucherVerifier) Method() domain.PaymentMethod {
	return domain.MethodVoucher
}

func (v *VoucherVerifier) Verify(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
	token := ExtractVoucherToken(material)
	if token == "" {
		return domain.Failed(domain.ReasonInvalidFormat), nil
	}

	res, err := v.redeemer.Redeem(ctx, token)
	if err != nil {
		return domain.Failed(domain.ReasonProviderError), nil
	}
	if res.Code != voucherSuccessCode {
		if reason, ok := voucherReasons[res.Code]; ok {
			return domain.Failed(reason), nil
		}
		return domain.Failed(domain.ReasonGenericFailure), nil
	}

	if !domain.WithinTolerance(res.Amount, expected, v.tolerance) {
		out := domain.Failed(domain.ReasonAmountMismatch)
		out.Amount = res.Amount
		out.Ref = token
		return out, nil
	}
	return domain.Passed(token, token, res.Amount), nil
}
