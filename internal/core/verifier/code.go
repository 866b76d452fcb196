package verifier

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
)

// CodeVerifier redeems prepaid codes. Removal from the valid pool is the
// success decision, so the result is already recorded.
type CodeVerifier struct {
	pool   port.RedemptionCodePool
	length int
}

func NewCodeVerifier(pool port.RedemptionCodePool, length int) *CodeVerifier {
	return &CodeVerifier{pool: pool, length: length}
}

func (v *CodeVerifier) Method() domain.PaymentMethod {
	return domain.MethodRedemptionCode
}

func (v *CodeVerifier) Verify(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
	code := strings.TrimSpace(material)
	if utf8.RuneCountInString(code) != v.length {
		return domain.Failed(domain.ReasonInvalidFormat), nil
	}

	ok, err := v.pool.Redeem(ctx, code)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("redeem code: %w", err)
	}
	if !ok {
		return domain.Failed(domain.ReasonNotFound), nil
	}

	out := domain.Passed(code, code, expected)
	out.Recorded = true
	return out, nil
}
