package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

type Catalog interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	GetCart(ctx context.Context, customerID string) (domain.Cart, error)
	ClearCart(ctx context.Context, customerID string) error
}

type Messenger interface {
	Notify(ctx context.Context, customerID string, msg domain.Message) error
}

type PaymentVerifier interface {
	Method() domain.PaymentMethod

	// Verify checks proof material against the expected amount. Provider faults are
	// reported as a failed Verification; the error is reserved for internal faults.
	Verify(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error)
}
