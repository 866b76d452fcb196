package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

func getMySQLAdapter(t *testing.T) (*MySQLAdapter, *sql.DB) {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/storefront?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := NewMySQLAdapter(db)
	if err := adapter.ApplySchema(context.Background()); err != nil {
		t.Fatalf("schema failed: %v", err)
	}
	return adapter, db
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestMySQLReserveAndConsume_TailOrder(t *testing.T) {
	adapter, db := getMySQLAdapter(t)
	ctx := context.Background()
	product := uniqueID("p")
	defer db.ExecContext(ctx, `DELETE FROM stock_units WHERE product_id = ?`, product)

	if err := adapter.AddStock(ctx, product, "A", "B", "C"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	payloads, err := adapter.ReserveAndConsume(ctx, product, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(payloads, []string{"C", "B"}) {
		t.Errorf("expected [C B], got %v", payloads)
	}
	if n, _ := adapter.Available(ctx, product); n != 1 {
		t.Errorf("expected 1 left, got %d", n)
	}
}

func TestMySQLConsumeBatch_AllOrNothing(t *testing.T) {
	adapter, db := getMySQLAdapter(t)
	ctx := context.Background()
	p1, p2 := uniqueID("p1"), uniqueID("p2")
	defer db.ExecContext(ctx, `DELETE FROM stock_units WHERE product_id IN (?, ?)`, p1, p2)

	adapter.AddStock(ctx, p1, "a1", "a2")
	adapter.AddStock(ctx, p2, "b1")

	_, err := adapter.ConsumeBatch(ctx, []domain.StockLine{
		{ProductID: p1, Quantity: 2},
		{ProductID: p2, Quantity: 2},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if n, _ := adapter.Available(ctx, p1); n != 2 {
		t.Errorf("expected %s untouched, got %d", p1, n)
	}
}

func TestMySQLReserveAndConsume_Concurrent(t *testing.T) {
	adapter, db := getMySQLAdapter(t)
	ctx := context.Background()
	product := uniqueID("hot")
	defer db.ExecContext(ctx, `DELETE FROM stock_units WHERE product_id = ?`, product)

	initialStock := 10
	for i := 0; i < initialStock; i++ {
		adapter.AddStock(ctx, product, fmt.Sprintf("key-%d", i))
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := adapter.ReserveAndConsume(ctx, product, 1); err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}
}

func TestMySQLTryRecord_Duplicate(t *testing.T) {
	adapter, db := getMySQLAdapter(t)
	ctx := context.Background()
	proof := uniqueID("REF")
	defer db.ExecContext(ctx, `DELETE FROM used_proofs WHERE proof_id = ?`, proof)

	if err := adapter.TryRecord(ctx, proof); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := adapter.TryRecord(ctx, proof); !errors.Is(err, domain.ErrProofAlreadyUsed) {
		t.Errorf("expected ErrProofAlreadyUsed, got %v", err)
	}
	if used, _ := adapter.IsRecorded(ctx, proof); !used {
		t.Error("expected proof recorded")
	}
}

func TestMySQLRedeem(t *testing.T) {
	adapter, _ := getMySQLAdapter(t)
	ctx := context.Background()
	code := uniqueID("CODE")

	adapter.AddCodes(ctx, code)
	if ok, err := adapter.Redeem(ctx, code); err != nil || !ok {
		t.Fatalf("expected redeem to succeed, got %v %v", ok, err)
	}
	if ok, _ := adapter.Redeem(ctx, code); ok {
		t.Error("expected second redeem to fail")
	}
}

func TestMySQLOrderLedger(t *testing.T) {
	adapter, db := getMySQLAdapter(t)
	ctx := context.Background()
	orderID := uniqueID("order")
	defer db.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = ?`, orderID)
	defer db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, orderID)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := domain.Order{
		ID:         orderID,
		CustomerID: "test-customer",
		Lines: []domain.OrderLine{{
			ProductID: "P1", Name: "Key", Quantity: 1,
			UnitPrice: decimal.RequireFromString("4.50"),
			Payloads:  []string{"X"},
		}},
		Total:     decimal.RequireFromString("4.50"),
		Method:    domain.MethodBankSlip,
		ProofRef:  "REF-1",
		Status:    domain.OrderStatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := adapter.Append(ctx, order); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := adapter.Append(ctx, order); !errors.Is(err, domain.ErrOrderExists) {
		t.Errorf("expected ErrOrderExists, got %v", err)
	}

	got, err := adapter.Get(ctx, orderID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.Total.Equal(order.Total) || got.Method != domain.MethodBankSlip {
		t.Errorf("unexpected order %+v", got)
	}
	if !reflect.DeepEqual(got.Lines[0].Payloads, []string{"X"}) {
		t.Errorf("unexpected payloads %v", got.Lines[0].Payloads)
	}

	if _, err := adapter.Get(ctx, "missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestMySQLConsumeAndRecord(t *testing.T) {
	adapter, db := getMySQLAdapter(t)
	ctx := context.Background()
	product, proof := uniqueID("p"), uniqueID("ref")
	defer db.ExecContext(ctx, `DELETE FROM stock_units WHERE product_id = ?`, product)
	defer db.ExecContext(ctx, `DELETE FROM used_proofs WHERE proof_id = ?`, proof)

	adapter.AddStock(ctx, product, "a1", "a2")

	if _, err := adapter.ConsumeAndRecord(ctx, []domain.StockLine{{ProductID: product, Quantity: 3}}, proof); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if used, _ := adapter.IsRecorded(ctx, proof); used {
		t.Error("shortfall must roll back the proof row")
	}

	if _, err := adapter.ConsumeAndRecord(ctx, []domain.StockLine{{ProductID: product, Quantity: 1}}, proof); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := adapter.ConsumeAndRecord(ctx, []domain.StockLine{{ProductID: product, Quantity: 1}}, proof); !errors.Is(err, domain.ErrProofAlreadyUsed) {
		t.Fatalf("expected ErrProofAlreadyUsed, got %v", err)
	}
	if n, _ := adapter.Available(ctx, product); n != 1 {
		t.Errorf("expected 1 left, got %d", n)
	}
}
