// Package seed loads a development catalog: products with their stock
// payloads, redemption codes and optional pre-filled carts.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
)

type File struct {
	Products []Product `json:"products" validate:"dive"`
	Codes    []string  `json:"codes" validate:"dive,required"`
	Carts    []Cart    `json:"carts" validate:"dive"`
}

type Product struct {
	ID         string          `json:"id" validate:"required"`
	Name       string          `json:"name" validate:"required"`
	CategoryID string          `json:"category_id"`
	Price      decimal.Decimal `json:"price"`
	Stock      []string        `json:"stock" validate:"dive,required"`
}

type Cart struct {
	CustomerID string     `json:"customer_id" validate:"required"`
	Items      []CartItem `json:"items" validate:"required,dive"`
}

type CartItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

type Catalog interface {
	UpsertProduct(ctx context.Context, p domain.Product) error
	AddToCart(ctx context.Context, customerID, productID string, quantity int) error
}

type Targets struct {
	Catalog   Catalog
	Inventory port.InventoryStore
	Codes     port.RedemptionCodePool
}

type Summary struct {
	Products int
	Units    int
	Codes    int
	Carts    int
}

var validate = validator.New()

func Parse(r io.Reader) (File, error) {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return File{}, fmt.Errorf("invalid seed: %w", err)
	}
	for _, p := range f.Products {
		if p.Price.IsNegative() {
			return File{}, fmt.Errorf("invalid seed: product %s has a negative price", p.ID)
		}
	}
	return f, nil
}

// Load reads the seed file at path and applies it.
func Load(ctx context.Context, path string, t Targets) (Summary, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open seed: %w", err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return Summary{}, err
	}
	return Apply(ctx, f, t)
}

// Apply writes products before stock and stock before carts, since the cart
// add runs a soft stock check.
func Apply(ctx context.Context, f File, t Targets) (Summary, error) {
	var sum Summary
	for _, p := range f.Products {
		err := t.Catalog.UpsertProduct(ctx, domain.Product{
			ID:         p.ID,
			Name:       p.Name,
			CategoryID: p.CategoryID,
			Price:      p.Price,
		})
		if err != nil {
			return sum, fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		sum.Products++

		if len(p.Stock) > 0 {
			if err := t.Inventory.AddStock(ctx, p.ID, p.Stock...); err != nil {
				return sum, fmt.Errorf("seed stock %s: %w", p.ID, err)
			}
			sum.Units += len(p.Stock)
		}
	}

	if len(f.Codes) > 0 {
		if err := t.Codes.AddCodes(ctx, f.Codes...); err != nil {
			return sum, fmt.Errorf("seed codes: %w", err)
		}
		sum.Codes = len(f.Codes)
	}

	for _, c := range f.Carts {
		for _, item := range c.Items {
			if err := t.Catalog.AddToCart(ctx, c.CustomerID, item.ProductID, item.Quantity); err != nil {
				return sum, fmt.Errorf("seed cart %s: %w", c.CustomerID, err)
			}
		}
		sum.Carts++
	}
	return sum, nil
}
