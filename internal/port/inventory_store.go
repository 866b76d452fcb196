package port

import (
	"context"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

type InventoryStore interface {
	// Available returns the current pool size for a product. Unknown products have zero.
	Available(ctx context.Context, productID string) (int, error)

	// ReserveAndConsume atomically removes quantity payloads from the tail of the pool.
	// Returns domain.ErrInsufficientStock (wrapped in *domain.ShortfallError) without
	// removing anything when the pool is too small.
	ReserveAndConsume(ctx context.Context, productID string, quantity int) ([]string, error)

	// ConsumeBatch checks every line first and removes payloads only if all lines fit.
	// Consumptions are returned in line order.
	ConsumeBatch(ctx context.Context, lines []domain.StockLine) ([]domain.Consumption, error)

	// AddStock appends payloads to a product pool.
	AddStock(ctx context.Context, productID string, payloads ...string) error
}

// ProofConsumer is implemented by stores that hold both the stock pools and the
// proof ledger, so a settlement commits the consumption and the proof record
// together across every process sharing the store.
type ProofConsumer interface {
	// ConsumeAndRecord is ConsumeBatch plus TryRecord in one atomic step. A proof
	// already recorded yields domain.ErrProofAlreadyUsed and consumes nothing; a
	// shortfall records nothing.
	ConsumeAndRecord(ctx context.Context, lines []domain.StockLine, proofID string) ([]domain.Consumption, error)
}
