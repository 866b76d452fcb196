package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
)

// MySQLCatalog reads products and carts from the products and cart_items tables.
type MySQLCatalog struct {
	db    *sql.DB
	stock port.InventoryStore
}

func NewMySQLCatalog(db *sql.DB, stock port.InventoryStore) *MySQLCatalog {
	return &MySQLCatalog{db: db, stock: stock}
}

func (c *MySQLCatalog) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category_id, price) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), category_id = VALUES(category_id), price = VALUES(price)`,
		p.ID, p.Name, p.CategoryID, p.Price,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (c *MySQLCatalog) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var p domain.Product
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, price FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Name, &p.CategoryID, &p.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("%s: %w", productID, domain.ErrProductNotFound)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (c *MySQLCatalog) AddToCart(ctx context.Context, customerID, productID string, quantity int) error {
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

	var current int
	err = c.db.QueryRowContext(ctx, `
		SELECT quantity FROM cart_items WHERE customer_id = ? AND product_id = ?`, customerID, productID,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query cart item: %w", err)
	}
	if current+quantity > available {
		return softShortfall(productID, current+quantity, available)
	}

	if current > 0 {
		_, err = c.db.ExecContext(ctx, `
			UPDATE cart_items SET quantity = quantity + ? WHERE customer_id = ? AND product_id = ?`,
			quantity, customerID, productID,
		)
	} else {
		var position int
		if err := c.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0) + 1 FROM cart_items WHERE customer_id = ?`, customerID,
		).Scan(&position); err != nil {
			return fmt.Errorf("next cart position: %w", err)
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO cart_items (customer_id, product_id, name, quantity, unit_price, position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			customerID, productID, product.Name, quantity, product.Price, position,
		)
	}
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}
	return nil
}

func (c *MySQLCatalog) RemoveFromCart(ctx context.Context, customerID, productID string) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM cart_items WHERE customer_id = ? AND product_id = ?`, customerID, productID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotInCart
	}
	return nil
}

func (c *MySQLCatalog) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT product_id, name, quantity, unit_price FROM cart_items
		WHERE customer_id = ? ORDER BY position`, customerID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	cart := domain.Cart{CustomerID: customerID}
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return domain.Cart{}, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}
	return cart, rows.Err()
}

func (c *MySQLCatalog) ClearCart(ctx context.Context, customerID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cart_items WHERE customer_id = ?`, customerID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
