package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// VoucherRedemption is the provider's answer to a voucher redeem call.
type VoucherRedemption struct {
	Code    string
	Message string
	Amount  decimal.Decimal
}

type VoucherRedeemer interface {
	Redeem(ctx context.Context, token string) (VoucherRedemption, error)
}

// SlipReading is what the slip-recognition service extracted from an image.
type SlipReading struct {
	Success  bool
	Code     string
	Message  string
	TransRef string
	Amount   decimal.Decimal
}

type SlipReader interface {
	Read(ctx context.Context, imageURL string) (SlipReading, error)
}
