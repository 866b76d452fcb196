package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

const (
	stockKeyPrefix         = "stock:"
	proofKeyPrefix         = "proof:"
	orderKeyPrefix         = "order:"
	customerOrdersPrefix   = "customer_orders:"
	validCodesKey          = "codes:valid"
	batchShortfallSentinel = -1
	batchDuplicateSentinel = -2
)

// consumeBatchScript pops from the tail of each stock list only after every
// line has been checked. ARGV[1] is the line count n; KEYS[1..n] are stock lists
// (one per line, repeats allowed) and ARGV[2..n+1] the matching quantities. An
// optional KEYS[n+1] is a proof key set to ARGV[n+2] in the same step.
// Returns {-2} if the proof key exists, {-1, idx, available, ...} on shortfall,
// else {1, {payloads}, ...}.
var consumeBatchScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local proof = KEYS[n + 1]
if proof and redis.call('EXISTS', proof) == 1 then
	return {-2}
end

local need = {}
local first = {}
for i = 1, n do
	local key = KEYS[i]
	local q = tonumber(ARGV[i + 1])
	if need[key] == nil then
		need[key] = 0
		first[key] = i
	end
	need[key] = need[key] + q
end

local short = {-1}
for i = 1, n do
	local key = KEYS[i]
	if first[key] == i then
		local size = redis.call('LLEN', key)
		if size < need[key] then
			table.insert(short, i)
			table.insert(short, size)
		end
	end
end
if #short > 1 then
	return short
end

local out = {1}
for i = 1, n do
	local key = KEYS[i]
	local q = tonumber(ARGV[i + 1])
	local taken = {}
	for c = 1, q do
		table.insert(taken, redis.call('RPOP', key))
	end
	table.insert(out, taken)
end
if proof then
	redis.call('SET', proof, ARGV[n + 2])
end
return out
`)

var appendOrderScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	redis.call('RPUSH', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, now: time.Now}
}

func (r *RedisAdapter) Available(ctx context.Context, productID string) (int, error) {
	n, err := r.client.LLen(ctx, stockKeyPrefix+productID).Result()
	if err != nil {
		return 0, fmt.Errorf("stock length: %w", err)
	}
	return int(n), nil
}

func (r *RedisAdapter) ReserveAndConsume(ctx context.Context, productID string, quantity int) ([]string, error) {
	consumed, err := r.ConsumeBatch(ctx, []domain.StockLine{{ProductID: productID, Quantity: quantity}})
	if err != nil {
		return nil, err
	}
	return consumed[0].Payloads, nil
}

func (r *RedisAdapter) ConsumeBatch(ctx context.Context, lines []domain.StockLine) ([]domain.Consumption, error) {
	return r.consume(ctx, lines, "")
}

// ConsumeAndRecord sets the proof key inside the consume script, so two
// processes settling the same proof cannot both take stock.
func (r *RedisAdapter) ConsumeAndRecord(ctx context.Context, lines []domain.StockLine, proofID string) ([]domain.Consumption, error) {
	if proofID == "" {
		return nil, errors.New("consume and record: empty proof id")
	}
	return r.consume(ctx, lines, proofKeyPrefix+domain.NormalizeProofID(proofID))
}

func (r *RedisAdapter) consume(ctx context.Context, lines []domain.StockLine, proofKey string) ([]domain.Consumption, error) {
	if err := domain.ValidateLines(lines); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(lines)+1)
	args := make([]interface{}, 0, len(lines)+2)
	args = append(args, len(lines))
	for _, line := range lines {
		keys = append(keys, stockKeyPrefix+line.ProductID)
		args = append(args, line.Quantity)
	}
	if proofKey != "" {
		keys = append(keys, proofKey)
		args = append(args, r.now().UTC().Format(time.RFC3339Nano))
	}

	reply, err := consumeBatchScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("consume stock: %w", err)
	}
	if len(reply) == 0 {
		return nil, errors.New("consume stock: empty script reply")
	}

	status, _ := reply[0].(int64)
	if status == batchDuplicateSentinel {
		return nil, domain.ErrProofAlreadyUsed
	}
	if status == batchShortfallSentinel {
		return nil, shortfallFromReply(lines, reply[1:])
	}

	out := make([]domain.Consumption, 0, len(lines))
	for i, line := range lines {
		raw, _ := reply[i+1].([]interface{})
		payloads := make([]string, 0, len(raw))
		for _, p := range raw {
			s, _ := p.(string)
			payloads = append(payloads, s)
		}
		out = append(out, domain.Consumption{ProductID: line.ProductID, Payloads: payloads})
	}
	return out, nil
}

func shortfallFromReply(lines []domain.StockLine, pairs []interface{}) error {
	merged := make(map[string]int, len(lines))
	for _, line := range lines {
		merged[line.ProductID] += line.Quantity
	}

	se := &domain.ShortfallError{}
	for i := 0; i+1 < len(pairs); i += 2 {
		idx, _ := pairs[i].(int64)
		available, _ := pairs[i+1].(int64)
		productID := lines[idx-1].ProductID
		se.Shortfalls = append(se.Shortfalls, domain.Shortfall{
			ProductID: productID,
			Requested: merged[productID],
			Available: int(available),
		})
	}
	return se
}

func (r *RedisAdapter) AddStock(ctx context.Context, productID string, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	return r.client.RPush(ctx, stockKeyPrefix+productID, values...).Err()
}

// TryRecord uses SETNX without expiry: ledger entries are permanent.
func (r *RedisAdapter) TryRecord(ctx context.Context, proofID string) error {
	key := proofKeyPrefix + domain.NormalizeProofID(proofID)
	ok, err := r.client.SetNX(ctx, key, r.now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return fmt.Errorf("record proof: %w", err)
	}
	if !ok {
		return domain.ErrProofAlreadyUsed
	}
	return nil
}

func (r *RedisAdapter) IsRecorded(ctx context.Context, proofID string) (bool, error) {
	n, err := r.client.Exists(ctx, proofKeyPrefix+domain.NormalizeProofID(proofID)).Result()
	if err != nil {
		return false, fmt.Errorf("check proof: %w", err)
	}
	return n == 1, nil
}

func (r *RedisAdapter) Redeem(ctx context.Context, code string) (bool, error) {
	n, err := r.client.SRem(ctx, validCodesKey, code).Result()
	if err != nil {
		return false, fmt.Errorf("redeem code: %w", err)
	}
	return n == 1, nil
}

func (r *RedisAdapter) AddCodes(ctx context.Context, codes ...string) error {
	if len(codes) == 0 {
		return nil
	}
	values := make([]interface{}, len(codes))
	for i, c := range codes {
		values[i] = c
	}
	return r.client.SAdd(ctx, validCodesKey, values...).Err()
}

type orderLineRecord struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Payloads  []string        `json:"payloads"`
}

type orderRecord struct {
	ID         string            `json:"id"`
	CustomerID string            `json:"customer_id"`
	Lines      []orderLineRecord `json:"lines"`
	Total      decimal.Decimal   `json:"total"`
	Method     string            `json:"method"`
	ProofRef   string            `json:"proof_ref"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func toOrderRecord(o domain.Order) orderRecord {
	lines := make([]orderLineRecord, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, orderLineRecord{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Payloads:  l.Payloads,
		})
	}
	return orderRecord{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		Lines:      lines,
		Total:      o.Total,
		Method:     string(o.Method),
		ProofRef:   o.ProofRef,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

func (rec orderRecord) toDomain() domain.Order {
	lines := make([]domain.OrderLine, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		lines = append(lines, domain.OrderLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Payloads:  l.Payloads,
		})
	}
	return domain.Order{
		ID:         rec.ID,
		CustomerID: rec.CustomerID,
		Lines:      lines,
		Total:      rec.Total,
		Method:     domain.PaymentMethod(rec.Method),
		ProofRef:   rec.ProofRef,
		Status:     domain.OrderStatus(rec.Status),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func (r *RedisAdapter) Append(ctx context.Context, order domain.Order) error {
	body, err := json.Marshal(toOrderRecord(order))
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	keys := []string{orderKeyPrefix + order.ID, customerOrdersPrefix + order.CustomerID}
	created, err := appendOrderScript.Run(ctx, r.client, keys, body, order.ID).Int()
	if err != nil {
		return fmt.Errorf("append order: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("append %s: %w", order.ID, domain.ErrOrderExists)
	}
	return nil
}

func (r *RedisAdapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	body, err := r.client.Get(ctx, orderKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}

	var rec orderRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return rec.toDomain(), nil
}

func (r *RedisAdapter) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	ids, err := r.client.LRange(ctx, customerOrdersPrefix+customerID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		order, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}
