package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/digital-storefront/internal/adapter/catalog"
	"github.com/rl1809/digital-storefront/internal/adapter/storage"
	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/core/verifier"
	"github.com/rl1809/digital-storefront/internal/port"
	"github.com/rl1809/digital-storefront/pkg/metrics"
)

type verifyFunc func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error)

type stubVerifier struct {
	method domain.PaymentMethod
	fn     verifyFunc
}

func (v *stubVerifier) Method() domain.PaymentMethod { return v.method }

func (v *stubVerifier) Verify(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
	return v.fn(ctx, expected, material)
}

// slipStub passes any material as its own reference for the expected amount.
func slipStub() *stubVerifier {
	return &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		return domain.Passed(material, material, expected), nil
	}}
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent map[string][]domain.Message
	fail bool
}

func (m *recordingMessenger) Notify(ctx context.Context, customerID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("customer blocked the channel")
	}
	if m.sent == nil {
		m.sent = make(map[string][]domain.Message)
	}
	m.sent[customerID] = append(m.sent[customerID], msg)
	return nil
}

func (m *recordingMessenger) count(customerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent[customerID])
}

type fixture struct {
	svc       *CheckoutService
	store     *storage.MemoryAdapter
	catalog   *catalog.MemoryCatalog
	messenger *recordingMessenger
	delivery  *DeliveryDispatcher
}

func newFixture(t *testing.T, verifiers ...*stubVerifier) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryAdapter()
	cat := catalog.NewMemoryCatalog(store)
	require.NoError(t, cat.UpsertProduct(ctx, domain.Product{ID: "P1", Name: "Game Key", Price: decimal.RequireFromString("50")}))
	require.NoError(t, cat.UpsertProduct(ctx, domain.Product{ID: "P2", Name: "Gift Card", Price: decimal.RequireFromString("20")}))

	m := metrics.NewCheckoutMetrics(prometheus.NewRegistry())
	messenger := &recordingMessenger{}
	delivery := NewDeliveryDispatcher(messenger, 16, nil, m)
	delivery.Start(2)
	t.Cleanup(delivery.Close)

	deps := Dependencies{
		Inventory:     store,
		Ledger:        store,
		Orders:        store,
		Codes:         store,
		Catalog:       cat,
		ProofConsumer: store,
		Verifiers:     []port.PaymentVerifier{verifier.NewCodeVerifier(store, 32)},
		Delivery:      delivery,
		Metrics:       m,
	}
	for _, v := range verifiers {
		deps.Verifiers = append(deps.Verifiers, v)
	}

	return &fixture{
		svc:       NewCheckoutService(deps),
		store:     store,
		catalog:   cat,
		messenger: messenger,
		delivery:  delivery,
	}
}

func (f *fixture) stock(t *testing.T, productID string, payloads ...string) {
	t.Helper()
	require.NoError(t, f.store.AddStock(context.Background(), productID, payloads...))
}

func (f *fixture) cart(t *testing.T, customerID, productID string, qty int) {
	t.Helper()
	require.NoError(t, f.catalog.AddToCart(context.Background(), customerID, productID, qty))
}

// toAwaitingProof starts checkout and selects method, failing the test otherwise.
func (f *fixture) toAwaitingProof(t *testing.T, customerID string, method domain.PaymentMethod) {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.StartCheckout(ctx, customerID)
	require.NoError(t, err)
	require.Equal(t, OutcomeMethodPrompt, res.Outcome)

	res, err = f.svc.SelectMethod(ctx, customerID, string(method))
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingProof, res.Outcome)
}

func code32(prefix string) string {
	return prefix + strings.Repeat("0", 32-len(prefix))
}

func TestRedemptionCodeSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stock(t, "P1", "A", "B", "C")
	code := code32("CODE123")
	require.NoError(t, f.store.AddCodes(ctx, code))
	f.cart(t, "cust-1", "P1", 2)

	f.toAwaitingProof(t, "cust-1", domain.MethodRedemptionCode)

	res, err := f.svc.SubmitProof(ctx, "cust-1", code)
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, domain.StateSettled, res.State)
	require.NotNil(t, res.Order)

	assert.Equal(t, []string{"C", "B"}, res.Order.Lines[0].Payloads)
	assert.Equal(t, []string{"A"}, f.store.Snapshot("P1"))
	assert.True(t, res.Order.Total.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, domain.OrderStatusCompleted, res.Order.Status)

	stored, err := f.store.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, stored.Lines[0].Payloads)

	ok, _ := f.store.Redeem(ctx, code)
	assert.False(t, ok, "code should have been removed from the valid set")

	sess := f.svc.Session(ctx, "cust-1")
	assert.Equal(t, domain.StateNone, sess.State)
	cart, _ := f.catalog.GetCart(ctx, "cust-1")
	assert.True(t, cart.IsEmpty())

	f.delivery.Close()
	assert.Equal(t, 1, f.messenger.count("cust-1"))
}

func TestStartCheckout_EmptyCart(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.StartCheckout(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmptyCart, res.Outcome)
	assert.Equal(t, domain.StateNone, res.State)
}

func TestStartCheckout_ShortfallAfterStockSold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stock(t, "P1", "A", "B")
	f.stock(t, "P2", "X")
	f.cart(t, "cust-1", "P1", 2)
	f.cart(t, "cust-1", "P2", 1)

	_, err := f.store.ReserveAndConsume(ctx, "P1", 1)
	require.NoError(t, err)

	res, err := f.svc.StartCheckout(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientStock, res.Outcome)
	assert.Equal(t, []domain.Shortfall{{ProductID: "P1", Requested: 2, Available: 1}}, res.Shortfalls)
	assert.Equal(t, domain.StateNone, f.svc.Session(ctx, "cust-1").State)
}

func TestFrozenTotalIgnoresLaterCartEdits(t *testing.T) {
	ctx := context.Background()
	var seen decimal.Decimal
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		seen = expected
		return domain.Passed("REF-1", "REF-1", expected), nil
	}}
	f := newFixture(t, slip)
	f.stock(t, "P1", "A", "B", "C")
	f.stock(t, "P2", "X", "Y")
	f.cart(t, "cust-1", "P1", 1)

	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)
	f.cart(t, "cust-1", "P2", 2)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "https://cdn.test/slip.jpg")
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, res.Outcome)

	assert.True(t, seen.Equal(decimal.RequireFromString("50")), "verifier saw %s", seen)
	require.Len(t, res.Order.Lines, 1)
	assert.Equal(t, "P1", res.Order.Lines[0].ProductID)
	n, _ := f.store.Available(ctx, "P2")
	assert.Equal(t, 2, n)
}

func TestCancelNeverTouchesInventoryOrLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, slipStub())
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)

	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	res, err := f.svc.Cancel(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, domain.StateCancelled, res.State)

	res, err = f.svc.Cancel(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSession, res.Outcome)

	assert.Equal(t, []string{"A"}, f.store.Snapshot("P1"))
	orders, _ := f.store.ListByCustomer(ctx, "cust-1")
	assert.Empty(t, orders)

	res, err = f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSession, res.Outcome)
}

func TestVerificationFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		if calls.Add(1) == 1 {
			return domain.Failed(domain.ReasonAmountMismatch), nil
		}
		return domain.Passed(material, material, expected), nil
	}}
	f := newFixture(t, slip)
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerificationFailed, res.Outcome)
	assert.Equal(t, domain.ReasonAmountMismatch, res.Reason)
	assert.Equal(t, domain.StateAwaitingProof, res.State)
	assert.Equal(t, 1, f.svc.Session(ctx, "cust-1").FailedAttempts)

	res, err = f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
}

func TestInvalidProofFormat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodRedemptionCode)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "too-short")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidProof, res.Outcome)

	res, err = f.svc.SubmitProof(ctx, "cust-1", "   ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidProof, res.Outcome)
	assert.Equal(t, domain.StateAwaitingProof, f.svc.Session(ctx, "cust-1").State)
}

func TestDuplicateSlipRejected(t *testing.T) {
	ctx := context.Background()
	reader := &fixedSlipReader{ref: "REF-9"}
	f := newFixture(t)
	slip := verifier.NewSlipVerifier(reader, f.store, decimal.RequireFromString("0.01"))
	f.svc.verifiers[domain.MethodBankSlip] = slip

	f.stock(t, "P1", "A", "B")
	f.cart(t, "cust-1", "P1", 1)
	f.cart(t, "cust-2", "P1", 1)

	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)
	f.toAwaitingProof(t, "cust-2", domain.MethodBankSlip)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "https://cdn.test/slip.jpg")
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, "REF-9", res.Order.ProofRef)

	res, err = f.svc.SubmitProof(ctx, "cust-2", "https://cdn.test/slip.jpg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateProof, res.Outcome)
	assert.Equal(t, domain.StateAwaitingProof, res.State)

	orders, _ := f.store.ListByCustomer(ctx, "cust-2")
	assert.Empty(t, orders)
	assert.Equal(t, []string{"A"}, f.store.Snapshot("P1"))
}

type fixedSlipReader struct {
	ref string
}

func (r *fixedSlipReader) Read(ctx context.Context, imageURL string) (port.SlipReading, error) {
	return port.SlipReading{Success: true, TransRef: r.ref, Amount: decimal.RequireFromString("50")}, nil
}

func TestLastUnitSoldBeforeSecondProof(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stock(t, "P1", "ONLY")
	codeA, codeB := code32("A"), code32("B")
	require.NoError(t, f.store.AddCodes(ctx, codeA, codeB))
	f.cart(t, "cust-1", "P1", 1)
	f.cart(t, "cust-2", "P1", 1)

	f.toAwaitingProof(t, "cust-1", domain.MethodRedemptionCode)
	f.toAwaitingProof(t, "cust-2", domain.MethodRedemptionCode)

	res, err := f.svc.SubmitProof(ctx, "cust-1", codeA)
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, res.Outcome)

	res, err = f.svc.SubmitProof(ctx, "cust-2", codeB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientStock, res.Outcome)
	assert.Equal(t, []domain.Shortfall{{ProductID: "P1", Requested: 1, Available: 0}}, res.Shortfalls)

	ok, _ := f.store.Redeem(ctx, codeB)
	assert.True(t, ok, "second customer's code must not be spent")
}

func TestConcurrentLastUnitExactlyOneSettles(t *testing.T) {
	ctx := context.Background()
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		arrived.Done()
		<-release
		return domain.Passed(material, material, expected), nil
	}}
	f := newFixture(t, slip)
	f.stock(t, "P1", "ONLY")
	f.cart(t, "cust-1", "P1", 1)
	f.cart(t, "cust-2", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)
	f.toAwaitingProof(t, "cust-2", domain.MethodBankSlip)

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i, c := range []string{"cust-1", "cust-2"} {
		wg.Add(1)
		go func(i int, customer string) {
			defer wg.Done()
			res, err := f.svc.SubmitProof(ctx, customer, "REF-"+customer)
			assert.NoError(t, err)
			results[i] = res
		}(i, c)
	}
	arrived.Wait()
	close(release)
	wg.Wait()

	var settled, pinned int
	var loserRef string
	for i, res := range results {
		switch res.Outcome {
		case OutcomeSettled:
			settled++
		case OutcomeReconciliationRequired:
			pinned++
			loserRef = "REF-cust-" + fmt.Sprint(i+1)
			assert.Equal(t, []domain.Shortfall{{ProductID: "P1", Requested: 1, Available: 0}}, res.Shortfalls)
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, pinned)

	used, _ := f.store.IsRecorded(ctx, loserRef)
	assert.False(t, used, "loser's proof must not be recorded")
	assert.Len(t, f.svc.PendingReconciliations(), 1)
}

// barrierCodePool holds every Redeem until all expected callers have redeemed.
type barrierCodePool struct {
	port.RedemptionCodePool
	arrived *sync.WaitGroup
}

func (p *barrierCodePool) Redeem(ctx context.Context, code string) (bool, error) {
	ok, err := p.RedemptionCodePool.Redeem(ctx, code)
	p.arrived.Done()
	p.arrived.Wait()
	return ok, err
}

func TestConcurrentLastUnitCodeReturnedToLoser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	f.svc.verifiers[domain.MethodRedemptionCode] = verifier.NewCodeVerifier(&barrierCodePool{RedemptionCodePool: f.store, arrived: &arrived}, 32)

	f.stock(t, "P1", "ONLY")
	codes := []string{code32("C1"), code32("C2")}
	require.NoError(t, f.store.AddCodes(ctx, codes...))
	customers := []string{"cust-1", "cust-2"}
	for _, c := range customers {
		f.cart(t, c, "P1", 1)
		f.toAwaitingProof(t, c, domain.MethodRedemptionCode)
	}

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i := range customers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.SubmitProof(ctx, customers[i], codes[i])
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winner, loser := -1, -1
	for i, res := range results {
		switch res.Outcome {
		case OutcomeSettled:
			winner = i
		case OutcomeInsufficientStock:
			loser = i
			assert.Equal(t, []domain.Shortfall{{ProductID: "P1", Requested: 1, Available: 0}}, res.Shortfalls)
		}
	}
	require.NotEqual(t, -1, winner, "outcomes: %v", results)
	require.NotEqual(t, -1, loser, "outcomes: %v", results)

	sess := f.svc.Session(ctx, customers[loser])
	assert.Equal(t, domain.StateAwaitingProof, sess.State)
	assert.False(t, sess.NeedsReconciliation)
	assert.Empty(t, f.svc.PendingReconciliations())

	ok, _ := f.store.Redeem(ctx, codes[loser])
	assert.True(t, ok, "loser's code must be valid again")
	ok, _ = f.store.Redeem(ctx, codes[winner])
	assert.False(t, ok, "winner's code stays spent")
}

func TestSlipSettlesOnceAcrossInstances(t *testing.T) {
	ctx := context.Background()
	var arrived sync.WaitGroup
	arrived.Add(2)
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		arrived.Done()
		arrived.Wait()
		return domain.Passed(material, material, expected), nil
	}}
	f := newFixture(t, slip)
	f.stock(t, "P1", "A", "B", "C")
	f.cart(t, "cust-1", "P1", 1)
	f.cart(t, "cust-2", "P1", 1)

	// A second service over the same store shares no in-process locks.
	other := NewCheckoutService(Dependencies{
		Inventory:     f.store,
		Ledger:        f.store,
		Orders:        f.store,
		Codes:         f.store,
		Catalog:       f.catalog,
		ProofConsumer: f.store,
		Verifiers:     []port.PaymentVerifier{slip},
	})
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)
	for _, step := range []func() (Result, error){
		func() (Result, error) { return other.StartCheckout(ctx, "cust-2") },
		func() (Result, error) { return other.SelectMethod(ctx, "cust-2", "slip") },
	} {
		_, err := step()
		require.NoError(t, err)
	}

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i, svc := range []*CheckoutService{f.svc, other} {
		wg.Add(1)
		go func(i int, svc *CheckoutService) {
			defer wg.Done()
			res, err := svc.SubmitProof(ctx, fmt.Sprintf("cust-%d", i+1), "REF-shared")
			assert.NoError(t, err)
			results[i] = res
		}(i, svc)
	}
	wg.Wait()

	outcomes := []Outcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []Outcome{OutcomeSettled, OutcomeDuplicateProof}, outcomes)
	assert.Empty(t, f.svc.PendingReconciliations())
	assert.Empty(t, other.PendingReconciliations())
	assert.Equal(t, []string{"A", "B"}, f.store.Snapshot("P1"))
}

func TestQueueingDoesNotHoldSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// Never started and unbuffered: Enqueue blocks until its context ends.
	f.svc.delivery = NewDeliveryDispatcher(&recordingMessenger{}, 0, nil, nil)
	f.stock(t, "P1", "A")
	code := code32("Q")
	require.NoError(t, f.store.AddCodes(ctx, code))
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodRedemptionCode)

	submitCtx, cancel := context.WithCancel(ctx)
	done := make(chan Result, 1)
	go func() {
		res, _ := f.svc.SubmitProof(submitCtx, "cust-1", code)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return f.svc.Session(ctx, "cust-1").State == domain.StateNone
	}, time.Second, 10*time.Millisecond)

	res, err := f.svc.StartCheckout(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmptyCart, res.Outcome)

	cancel()
	select {
	case res := <-done:
		assert.Equal(t, OutcomeSettled, res.Outcome)
	case <-time.After(time.Second):
		t.Fatal("SubmitProof did not return after its context ended")
	}
}

func TestSettlementAtomicityOnLedgerConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, slipStub())
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	require.NoError(t, f.store.TryRecord(ctx, "REF-used"))
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-used")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateProof, res.Outcome)
	assert.Equal(t, []string{"A"}, f.store.Snapshot("P1"))
}

func TestBusyWhileVerifying(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		close(entered)
		<-release
		return domain.Passed(material, material, expected), nil
	}}
	f := newFixture(t, slip)
	f.stock(t, "P1", "A", "B")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	done := make(chan Result)
	go func() {
		res, _ := f.svc.SubmitProof(ctx, "cust-1", "REF-1")
		done <- res
	}()
	<-entered

	res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)

	res, err = f.svc.Cancel(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)

	res, err = f.svc.StartCheckout(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)

	close(release)
	assert.Equal(t, OutcomeSettled, (<-done).Outcome)

	orders, _ := f.store.ListByCustomer(ctx, "cust-1")
	assert.Len(t, orders, 1)
}

func TestStaleVerificationDiscarded(t *testing.T) {
	ctx := context.Background()
	var f *fixture
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		e := f.svc.entry("cust-1")
		e.mu.Lock()
		f.svc.reset(&e.session)
		e.mu.Unlock()
		return domain.Passed(material, material, expected), nil
	}}
	f = newFixture(t, slip)
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, []string{"A"}, f.store.Snapshot("P1"))
	assert.False(t, f.svc.Session(ctx, "cust-1").Verifying)
}

func TestVerifierInfrastructureError(t *testing.T) {
	ctx := context.Background()
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		return domain.Verification{}, errors.New("ledger unreachable")
	}}
	f := newFixture(t, slip)
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.Error(t, err)
	assert.Equal(t, OutcomeVerificationFailed, res.Outcome)

	sess := f.svc.Session(ctx, "cust-1")
	assert.Equal(t, domain.StateAwaitingProof, sess.State)
	assert.False(t, sess.Verifying)
}

func TestReconciliationPinsAndResolves(t *testing.T) {
	ctx := context.Background()
	var f *fixture
	slip := &stubVerifier{method: domain.MethodBankSlip, fn: func(ctx context.Context, expected decimal.Decimal, material string) (domain.Verification, error) {
		// Another buyer takes the unit while the provider is answering.
		_, err := f.store.ReserveAndConsume(ctx, "P1", 1)
		require.NoError(t, err)
		return domain.Passed(material, material, expected), nil
	}}
	f = newFixture(t, slip)
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciliationRequired, res.Outcome)
	assert.Equal(t, domain.StateAwaitingProof, res.State)

	used, _ := f.store.IsRecorded(ctx, "REF-1")
	assert.False(t, used)
	orders, _ := f.store.ListByCustomer(ctx, "cust-1")
	assert.Empty(t, orders)

	res, _ = f.svc.Cancel(ctx, "cust-1")
	assert.Equal(t, OutcomeReconciliationRequired, res.Outcome)
	res, _ = f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	assert.Equal(t, OutcomeReconciliationRequired, res.Outcome)

	pending := f.svc.PendingReconciliations()
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].ReconciliationNote, "insufficient stock")

	res, err = f.svc.ResolveReconciliation(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, domain.StateNone, f.svc.Session(ctx, "cust-1").State)
	assert.Empty(t, f.svc.PendingReconciliations())

	res, _ = f.svc.ResolveReconciliation(ctx, "cust-1")
	assert.Equal(t, OutcomeInvalidState, res.Outcome)
}

func TestSelectMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, slipStub())
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)

	res, err := f.svc.SelectMethod(ctx, "cust-1", "slip")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSession, res.Outcome)

	res, err = f.svc.StartCheckout(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PaymentMethod{domain.MethodBankSlip, domain.MethodRedemptionCode}, res.Methods)

	res, err = f.svc.SubmitProof(ctx, "cust-1", "REF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, res.Outcome)

	res, _ = f.svc.SelectMethod(ctx, "cust-1", "cash")
	assert.Equal(t, OutcomeUnknownMethod, res.Outcome)
	res, _ = f.svc.SelectMethod(ctx, "cust-1", "voucher")
	assert.Equal(t, OutcomeUnknownMethod, res.Outcome, "no voucher verifier registered")

	res, _ = f.svc.SelectMethod(ctx, "cust-1", "code")
	assert.Equal(t, OutcomeAwaitingProof, res.Outcome)
	assert.Equal(t, domain.MethodRedemptionCode, res.Method)

	res, _ = f.svc.SelectMethod(ctx, "cust-1", "bank_slip")
	assert.Equal(t, OutcomeAwaitingProof, res.Outcome)
	assert.Equal(t, domain.MethodBankSlip, res.Method)
}

func TestRestartCheckoutRefreezesTotal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, slipStub())
	f.stock(t, "P1", "A", "B")
	f.cart(t, "cust-1", "P1", 1)

	res, _ := f.svc.StartCheckout(ctx, "cust-1")
	first := res.Total
	gen := f.svc.Session(ctx, "cust-1").Generation

	f.cart(t, "cust-1", "P1", 1)
	res, err := f.svc.StartCheckout(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMethodPrompt, res.Outcome)
	assert.True(t, res.Total.Equal(first.Mul(decimal.NewFromInt(2))))
	assert.Greater(t, f.svc.Session(ctx, "cust-1").Generation, gen)
}

func TestExpireIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, slipStub())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return clock }
	f.stock(t, "P1", "A")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	assert.Equal(t, 0, f.svc.ExpireIdle(ctx, 30*time.Minute))

	clock = clock.Add(31 * time.Minute)
	assert.Equal(t, 1, f.svc.ExpireIdle(ctx, 30*time.Minute))
	assert.Equal(t, domain.StateNone, f.svc.Session(ctx, "cust-1").State)
	assert.Equal(t, []string{"A"}, f.store.Snapshot("P1"))
}

func TestConcurrentDuplicateSubmissionsSettleOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, slipStub())
	f.stock(t, "P1", "A", "B", "C", "D")
	f.cart(t, "cust-1", "P1", 1)
	f.toAwaitingProof(t, "cust-1", domain.MethodBankSlip)

	var settled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.SubmitProof(ctx, "cust-1", "REF-dup")
			if err == nil && res.Outcome == OutcomeSettled {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())
	orders, _ := f.store.ListByCustomer(ctx, "cust-1")
	assert.Len(t, orders, 1)
	n, _ := f.store.Available(ctx, "P1")
	assert.Equal(t, 3, n)
}
