package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
)

var ErrNotInCart = errors.New("product not in cart")

// MemoryCatalog holds products and carts in memory. Cart additions are soft
// checked against current stock; checkout re-validates.
type MemoryCatalog struct {
	stock port.InventoryStore

	mu       sync.RWMutex
	products map[string]domain.Product
	carts    map[string][]domain.CartItem
}

func NewMemoryCatalog(stock port.InventoryStore) *MemoryCatalog {
	return &MemoryCatalog{
		stock:    stock,
		products: make(map[string]domain.Product),
		carts:    make(map[string][]domain.CartItem),
	}
}

func (c *MemoryCatalog) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return fmt.Errorf("upsert product: empty id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
	return nil
}

func (c *MemoryCatalog) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[productID]
	if !ok {
		return domain.Product{}, fmt.Errorf("%s: %w", productID, domain.ErrProductNotFound)
	}
	return p, nil
}

func (c *MemoryCatalog) AddToCart(ctx context.Context, customerID, productID string, quantity int) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	product, err := c.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	available, err := c.stock.Available(ctx, productID)
	if err != nil {
		return fmt.Errorf("check stock: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.carts[customerID]
	for i := range items {
		if items[i].ProductID != productID {
			continue
		}
		if items[i].Quantity+quantity > available {
			return softShortfall(productID, items[i].Quantity+quantity, available)
		}
		items[i].Quantity += quantity
		return nil
	}

	if quantity > available {
		return softShortfall(productID, quantity, available)
	}
	c.carts[customerID] = append(items, domain.CartItem{
		ProductID: productID,
		Name:      product.Name,
		Quantity:  quantity,
		UnitPrice: product.Price,
	})
	return nil
}

func (c *MemoryCatalog) RemoveFromCart(ctx context.Context, customerID, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.carts[customerID]
	for i := range items {
		if items[i].ProductID == productID {
			c.carts[customerID] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return ErrNotInCart
}

func (c *MemoryCatalog) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.Cart{
		CustomerID: customerID,
		Items:      append([]domain.CartItem(nil), c.carts[customerID]...),
	}, nil
}

func (c *MemoryCatalog) ClearCart(ctx context.Context, customerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carts, customerID)
	return nil
}

func softShortfall(productID string, requested, available int) error {
	return &domain.ShortfallError{Shortfalls: []domain.Shortfall{{
		ProductID: productID,
		Requested: requested,
		Available: available,
	}}}
}
