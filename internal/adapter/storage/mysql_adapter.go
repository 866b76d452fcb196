package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

//go:embed schema.sql
var schemaSQL string

type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

// ApplySchema creates the storefront tables if they do not exist.
func (m *MySQLAdapter) ApplySchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

func (m *MySQLAdapter) Available(ctx context.Context, productID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_units WHERE product_id = ?`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stock: %w", err)
	}
	return n, nil
}

func (m *MySQLAdapter) ReserveAndConsume(ctx context.Context, productID string, quantity int) ([]string, error) {
	consumed, err := m.ConsumeBatch(ctx, []domain.StockLine{{ProductID: productID, Quantity: quantity}})
	if err != nil {
		return nil, err
	}
	return consumed[0].Payloads, nil
}

type stockUnit struct {
	id      int64
	payload string
}

// ConsumeBatch locks the newest units of every product (ids sorted to keep lock
// order stable), verifies all lines, then deletes what it hands out.
func (m *MySQLAdapter) ConsumeBatch(ctx context.Context, lines []domain.StockLine) ([]domain.Consumption, error) {
	return m.consume(ctx, lines, "")
}

// ConsumeAndRecord inserts the proof row in the consume transaction; a shortfall
// rolls it back with everything else.
func (m *MySQLAdapter) ConsumeAndRecord(ctx context.Context, lines []domain.StockLine, proofID string) ([]domain.Consumption, error) {
	if proofID == "" {
		return nil, errors.New("consume and record: empty proof id")
	}
	return m.consume(ctx, lines, domain.NormalizeProofID(proofID))
}

func (m *MySQLAdapter) consume(ctx context.Context, lines []domain.StockLine, proofID string) ([]domain.Consumption, error) {
	if err := domain.ValidateLines(lines); err != nil {
		return nil, err
	}

	merged := domain.MergeLines(lines)
	sorted := append([]domain.StockLine(nil), merged...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if proofID != "" {
		_, err := tx.ExecContext(ctx, `INSERT INTO used_proofs (proof_id, recorded_at) VALUES (?, ?)`, proofID, m.now().UTC())
		if isDuplicateEntry(err) {
			return nil, domain.ErrProofAlreadyUsed
		}
		if err != nil {
			return nil, fmt.Errorf("record proof: %w", err)
		}
	}

	units := make(map[string][]stockUnit, len(sorted))
	for _, line := range sorted {
		locked, err := lockNewestUnits(ctx, tx, line.ProductID, line.Quantity)
		if err != nil {
			return nil, err
		}
		units[line.ProductID] = locked
	}

	var shortfalls []domain.Shortfall
	for _, line := range merged {
		if have := len(units[line.ProductID]); have < line.Quantity {
			shortfalls = append(shortfalls, domain.Shortfall{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: have,
			})
		}
	}
	if len(shortfalls) > 0 {
		return nil, &domain.ShortfallError{Shortfalls: shortfalls}
	}

	out := make([]domain.Consumption, 0, len(lines))
	ids := make([]interface{}, 0)
	for _, line := range lines {
		queue := units[line.ProductID]
		taken := make([]string, 0, line.Quantity)
		for _, u := range queue[:line.Quantity] {
			taken = append(taken, u.payload)
			ids = append(ids, u.id)
		}
		units[line.ProductID] = queue[line.Quantity:]
		out = append(out, domain.Consumption{ProductID: line.ProductID, Payloads: taken})
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := tx.ExecContext(ctx, `DELETE FROM stock_units WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, fmt.Errorf("delete stock units: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return out, nil
}

func lockNewestUnits(ctx context.Context, tx *sql.Tx, productID string, limit int) ([]stockUnit, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload FROM stock_units
		WHERE product_id = ?
		ORDER BY id DESC
		LIMIT ?
		FOR UPDATE`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("lock stock %s: %w", productID, err)
	}
	defer rows.Close()

	var out []stockUnit
	for rows.Next() {
		var u stockUnit
		if err := rows.Scan(&u.id, &u.payload); err != nil {
			return nil, fmt.Errorf("scan stock unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) AddStock(ctx context.Context, productID string, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range payloads {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stock_units (product_id, payload) VALUES (?, ?)`, productID, p); err != nil {
			return fmt.Errorf("insert stock unit: %w", err)
		}
	}
	return tx.Commit()
}

func (m *MySQLAdapter) TryRecord(ctx context.Context, proofID string) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO used_proofs (proof_id, recorded_at) VALUES (?, ?)`,
		domain.NormalizeProofID(proofID), m.now().UTC())
	if isDuplicateEntry(err) {
		return domain.ErrProofAlreadyUsed
	}
	if err != nil {
		return fmt.Errorf("record proof: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) IsRecorded(ctx context.Context, proofID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM used_proofs WHERE proof_id = ?`,
		domain.NormalizeProofID(proofID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check proof: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) Redeem(ctx context.Context, code string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM redemption_codes WHERE code = ?`, code)
	if err != nil {
		return false, fmt.Errorf("redeem code: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) AddCodes(ctx context.Context, codes ...string) error {
	for _, c := range codes {
		if _, err := m.db.ExecContext(ctx, `INSERT IGNORE INTO redemption_codes (code) VALUES (?)`, c); err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Append(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, total, method, proof_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.Total, string(order.Method), order.ProofRef,
		string(order.Status), order.CreatedAt, order.UpdatedAt,
	)
	if isDuplicateEntry(err) {
		return fmt.Errorf("append %s: %w", order.ID, domain.ErrOrderExists)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, line := range order.Lines {
		payloads, err := json.Marshal(line.Payloads)
		if err != nil {
			return fmt.Errorf("encode payloads: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, product_id, name, quantity, unit_price, payloads)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			order.ID, i, line.ProductID, line.Name, line.Quantity, line.UnitPrice, payloads,
		)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	var method, status string
	err := m.db.QueryRowContext(ctx, `
		SELECT id, customer_id, total, method, proof_ref, status, created_at, updated_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&o.ID, &o.CustomerID, &o.Total, &method, &o.ProofRef, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}
	o.Method = domain.PaymentMethod(method)
	o.Status = domain.OrderStatus(status)

	lines, err := m.orderLines(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	o.Lines = lines
	return o, nil
}

func (m *MySQLAdapter) orderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, name, quantity, unit_price, payloads
		FROM order_lines WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.OrderLine
	for rows.Next() {
		var line domain.OrderLine
		var raw []byte
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice, &raw); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		if err := json.Unmarshal(raw, &line.Payloads); err != nil {
			return nil, fmt.Errorf("decode payloads: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (m *MySQLAdapter) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM orders WHERE customer_id = ? ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
