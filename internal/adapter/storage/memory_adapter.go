package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

type stockPool struct {
	mu       sync.RWMutex
	payloads []string
}

// MemoryAdapter keeps pools, ledgers and orders in process memory.
// Each product pool has its own lock; batches lock pools in id order.
type MemoryAdapter struct {
	poolsMu sync.Mutex
	pools   map[string]*stockPool

	proofsMu sync.Mutex
	proofs   map[string]time.Time

	codesMu sync.Mutex
	codes   map[string]struct{}

	ordersMu   sync.RWMutex
	orders     map[string]domain.Order
	byCustomer map[string][]string

	now func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		pools:      make(map[string]*stockPool),
		proofs:     make(map[string]time.Time),
		codes:      make(map[string]struct{}),
		orders:     make(map[string]domain.Order),
		byCustomer: make(map[string][]string),
		now:        time.Now,
	}
}

func (m *MemoryAdapter) pool(productID string) *stockPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	p, ok := m.pools[productID]
	if !ok {
		p = &stockPool{}
		m.pools[productID] = p
	}
	return p
}

func (m *MemoryAdapter) Available(ctx context.Context, productID string) (int, error) {
	p := m.pool(productID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.payloads), nil
}

func (m *MemoryAdapter) ReserveAndConsume(ctx context.Context, productID string, quantity int) ([]string, error) {
	consumed, err := m.ConsumeBatch(ctx, []domain.StockLine{{ProductID: productID, Quantity: quantity}})
	if err != nil {
		return nil, err
	}
	return consumed[0].Payloads, nil
}

func (m *MemoryAdapter) ConsumeBatch(ctx context.Context, lines []domain.StockLine) ([]domain.Consumption, error) {
	return m.consume(lines, "")
}

// ConsumeAndRecord holds the pool locks and the proof lock together, so the
// record and the consumption are seen as one step.
func (m *MemoryAdapter) ConsumeAndRecord(ctx context.Context, lines []domain.StockLine, proofID string) ([]domain.Consumption, error) {
	if proofID == "" {
		return nil, fmt.Errorf("consume and record: empty proof id")
	}
	return m.consume(lines, domain.NormalizeProofID(proofID))
}

func (m *MemoryAdapter) consume(lines []domain.StockLine, proofID string) ([]domain.Consumption, error) {
	if err := domain.ValidateLines(lines); err != nil {
		return nil, err
	}

	merged := domain.MergeLines(lines)
	ids := make([]string, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}
	sort.Strings(ids)

	pools := make(map[string]*stockPool, len(ids))
	for _, id := range ids {
		p := m.pool(id)
		p.mu.Lock()
		defer p.mu.Unlock()
		pools[id] = p
	}

	if proofID != "" {
		m.proofsMu.Lock()
		defer m.proofsMu.Unlock()
		if _, ok := m.proofs[proofID]; ok {
			return nil, domain.ErrProofAlreadyUsed
		}
	}

	var shortfalls []domain.Shortfall
	for _, line := range merged {
		if have := len(pools[line.ProductID].payloads); have < line.Quantity {
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
	for _, line := range lines {
		p := pools[line.ProductID]
		taken := make([]string, 0, line.Quantity)
		for i := 0; i < line.Quantity; i++ {
			last := len(p.payloads) - 1
			taken = append(taken, p.payloads[last])
			p.payloads = p.payloads[:last]
		}
		out = append(out, domain.Consumption{ProductID: line.ProductID, Payloads: taken})
	}
	if proofID != "" {
		m.proofs[proofID] = m.now()
	}
	return out, nil
}

func (m *MemoryAdapter) AddStock(ctx context.Context, productID string, payloads ...string) error {
	if productID == "" {
		return fmt.Errorf("add stock: %w: empty product id", domain.ErrInvalidQuantity)
	}
	p := m.pool(productID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payloads...)
	return nil
}

// Snapshot returns a copy of the pool in insertion order.
func (m *MemoryAdapter) Snapshot(productID string) []string {
	p := m.pool(productID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.payloads...)
}

func (m *MemoryAdapter) TryRecord(ctx context.Context, proofID string) error {
	id := domain.NormalizeProofID(proofID)
	m.proofsMu.Lock()
	defer m.proofsMu.Unlock()

	if _, ok := m.proofs[id]; ok {
		return domain.ErrProofAlreadyUsed
	}
	m.proofs[id] = m.now()
	return nil
}

func (m *MemoryAdapter) IsRecorded(ctx context.Context, proofID string) (bool, error) {
	m.proofsMu.Lock()
	defer m.proofsMu.Unlock()
	_, ok := m.proofs[domain.NormalizeProofID(proofID)]
	return ok, nil
}

func (m *MemoryAdapter) Redeem(ctx context.Context, code string) (bool, error) {
	m.codesMu.Lock()
	defer m.codesMu.Unlock()

	if _, ok := m.codes[code]; !ok {
		return false, nil
	}
	delete(m.codes, code)
	return true, nil
}

func (m *MemoryAdapter) AddCodes(ctx context.Context, codes ...string) error {
	m.codesMu.Lock()
	defer m.codesMu.Unlock()
	for _, c := range codes {
		m.codes[c] = struct{}{}
	}
	return nil
}

func (m *MemoryAdapter) Append(ctx context.Context, order domain.Order) error {
	m.ordersMu.Lock()
	defer m.ordersMu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("append %s: %w", order.ID, domain.ErrOrderExists)
	}
	m.orders[order.ID] = order.Clone()
	m.byCustomer[order.CustomerID] = append(m.byCustomer[order.CustomerID], order.ID)
	return nil
}

func (m *MemoryAdapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	m.ordersMu.RLock()
	defer m.ordersMu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (m *MemoryAdapter) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	m.ordersMu.RLock()
	defer m.ordersMu.RUnlock()

	ids := m.byCustomer[customerID]
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.orders[id].Clone())
	}
	return out, nil
}
