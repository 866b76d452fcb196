package port

import (
	"context"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

type OrderLedger interface {
	// Append writes a new order. Returns domain.ErrOrderExists on id collision.
	Append(ctx context.Context, order domain.Order) error

	Get(ctx context.Context, orderID string) (domain.Order, error)

	ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
}
