package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
	"github.com/rl1809/digital-storefront/pkg/logger"
	"github.com/rl1809/digital-storefront/pkg/metrics"
)

const tracerName = "storefront.checkout"

const (
	opStart     = "start_checkout"
	opSelect    = "select_method"
	opSubmit    = "submit_proof"
	opCancel    = "cancel"
	opResolve   = "resolve_reconciliation"
	opSettle    = "settle"
	opVerifyFmt = "verify.%s"
)

type Dependencies struct {
	Inventory port.InventoryStore
	Ledger    port.ProofLedger
	Orders    port.OrderLedger
	Codes     port.RedemptionCodePool
	Catalog   port.Catalog
	// ProofConsumer, when set, must be the same backend as Inventory and Ledger.
	ProofConsumer port.ProofConsumer
	Verifiers     []port.PaymentVerifier
	Delivery      *DeliveryDispatcher
	Logger        *logger.Logger
	Metrics       *metrics.CheckoutMetrics
}

type sessionEntry struct {
	mu      sync.Mutex
	session domain.Session
}

// CheckoutService drives the per-customer checkout state machine. Calls for one
// customer are serialized; verifier calls run without any lock held.
type CheckoutService struct {
	inventory port.InventoryStore
	ledger    port.ProofLedger
	orders    port.OrderLedger
	codes     port.RedemptionCodePool
	catalog   port.Catalog
	verifiers map[domain.PaymentMethod]port.PaymentVerifier
	delivery  *DeliveryDispatcher

	proofConsumer port.ProofConsumer

	logs    *logger.Logger
	metrics *metrics.CheckoutMetrics
	tracer  trace.Tracer

	sessionsMu sync.Mutex
	sessions   map[string]*sessionEntry

	proofLocks keyedMutex

	now   func() time.Time
	newID func() string
}

func NewCheckoutService(deps Dependencies) *CheckoutService {
	logs := deps.Logger
	if logs == nil {
		logs = logger.Nop()
	}
	verifiers := make(map[domain.PaymentMethod]port.PaymentVerifier, len(deps.Verifiers))
	for _, v := range deps.Verifiers {
		verifiers[v.Method()] = v
	}
	return &CheckoutService{
		inventory:     deps.Inventory,
		ledger:        deps.Ledger,
		orders:        deps.Orders,
		codes:         deps.Codes,
		catalog:       deps.Catalog,
		verifiers:     verifiers,
		delivery:      deps.Delivery,
		logs:          logs,
		proofConsumer: deps.ProofConsumer,
		metrics:       deps.Metrics,
		tracer:        otel.Tracer(tracerName),
		sessions:      make(map[string]*sessionEntry),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

func (s *CheckoutService) entry(customerID string) *sessionEntry {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	e, ok := s.sessions[customerID]
	if !ok {
		e = &sessionEntry{session: domain.Session{CustomerID: customerID}}
		s.sessions[customerID] = e
	}
	return e
}

// Methods lists the payment methods with a registered verifier.
func (s *CheckoutService) Methods() []domain.PaymentMethod {
	out := make([]domain.PaymentMethod, 0, len(s.verifiers))
	for m := range s.verifiers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Session returns a copy of the customer's current session.
func (s *CheckoutService) Session(ctx context.Context, customerID string) domain.Session {
	e := s.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// blocked reports the outcome for sessions that cannot accept a transition.
func blocked(sess domain.Session) (Outcome, bool) {
	if sess.Verifying {
		return OutcomeBusy, true
	}
	if sess.NeedsReconciliation {
		return OutcomeReconciliationRequired, true
	}
	return "", false
}

func (s *CheckoutService) transition(sess *domain.Session, state domain.SessionState) {
	sess.State = state
	sess.Generation++
	sess.UpdatedAt = s.now()
}

func (s *CheckoutService) reset(sess *domain.Session) {
	sess.Method = ""
	sess.Lines = nil
	sess.Total = decimal.Zero
	sess.FailedAttempts = 0
	sess.NeedsReconciliation = false
	sess.ReconciliationNote = ""
	s.transition(sess, domain.StateNone)
}

// StartCheckout re-validates the cart against live stock and freezes its lines
// and total. Restarting from an active session replaces the frozen snapshot.
func (s *CheckoutService) StartCheckout(ctx context.Context, customerID string) (res Result, err error) {
	ctx, done := s.begin(ctx, opStart, customerID)
	defer func() { done(res, err) }()

	e := s.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if outcome, ok := blocked(e.session); ok {
		return resultFor(outcome, e.session), nil
	}

	cart, err := s.catalog.GetCart(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("load cart: %w", err)
	}
	if cart.IsEmpty() {
		return resultFor(OutcomeEmptyCart, e.session), nil
	}

	shortfalls, err := s.shortfalls(ctx, cartLines(cart))
	if err != nil {
		return Result{}, err
	}
	if len(shortfalls) > 0 {
		res = resultFor(OutcomeInsufficientStock, e.session)
		res.Shortfalls = shortfalls
		return res, nil
	}

	sess := &e.session
	sess.Method = ""
	sess.Lines = append([]domain.CartItem(nil), cart.Items...)
	sess.Total = cart.Total()
	sess.FailedAttempts = 0
	s.transition(sess, domain.StateSelectingMethod)

	res = resultFor(OutcomeMethodPrompt, *sess)
	res.Methods = s.Methods()
	return res, nil
}

func cartLines(cart domain.Cart) []domain.StockLine {
	lines := make([]domain.StockLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		lines = append(lines, domain.StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// SelectMethod moves the session to awaiting proof for the chosen method. A
// customer still awaiting proof may switch methods; nothing has been consumed yet.
func (s *CheckoutService) SelectMethod(ctx context.Context, customerID, method string) (res Result, err error) {
	ctx, done := s.begin(ctx, opSelect, customerID)
	defer func() { done(res, err) }()

	e := s.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := &e.session
	if outcome, ok := blocked(*sess); ok {
		return resultFor(outcome, *sess), nil
	}
	if !sess.State.Active() {
		return resultFor(OutcomeNoSession, *sess), nil
	}

	m, err := domain.ParsePaymentMethod(method)
	if err != nil {
		return resultFor(OutcomeUnknownMethod, *sess), nil
	}
	if _, ok := s.verifiers[m]; !ok {
		return resultFor(OutcomeUnknownMethod, *sess), nil
	}

	sess.Method = m
	sess.FailedAttempts = 0
	s.transition(sess, domain.StateAwaitingProof)
	return resultFor(OutcomeAwaitingProof, *sess), nil
}

// Cancel resets an active session. It never touches inventory or the ledger.
func (s *CheckoutService) Cancel(ctx context.Context, customerID string) (res Result, err error) {
	ctx, done := s.begin(ctx, opCancel, customerID)
	defer func() { done(res, err) }()

	e := s.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := &e.session
	if outcome, ok := blocked(*sess); ok {
		return resultFor(outcome, *sess), nil
	}
	if !sess.State.Active() {
		return resultFor(OutcomeNoSession, *sess), nil
	}

	res = resultFor(OutcomeCancelled, *sess)
	res.State = domain.StateCancelled
	s.reset(sess)
	return res, nil
}

// SubmitProof verifies proof material outside the customer lock, then settles
// if the session has not moved on in the meantime.
func (s *CheckoutService) SubmitProof(ctx context.Context, customerID, material string) (res Result, err error) {
	ctx, done := s.begin(ctx, opSubmit, customerID)
	defer func() { done(res, err) }()

	e := s.entry(customerID)
	snapshot, res, err := s.beginVerification(ctx, e, material)
	if err != nil || res.Outcome != "" {
		return res, err
	}

	verification, verr := s.verify(ctx, snapshot, material)

	res, order, err := s.conclude(ctx, e, snapshot, verification, verr)
	if err != nil || order == nil {
		return res, err
	}

	// Enqueue runs outside the session lock so a full queue never stalls the customer.
	if s.delivery != nil {
		if derr := s.delivery.Enqueue(ctx, *order); derr != nil {
			s.logs.Error(ctx, "queue delivery", derr)
			s.metrics.IncDelivery("not_queued")
		}
	}
	return res, nil
}

// conclude applies a verification result under the customer lock.
func (s *CheckoutService) conclude(ctx context.Context, e *sessionEntry, snapshot domain.Session, verification domain.Verification, verr error) (res Result, order *domain.Order, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := &e.session
	sess.Verifying = false

	if sess.Generation != snapshot.Generation || sess.State != domain.StateAwaitingProof {
		if verification.Success {
			s.logs.Error(s.logs.WithField(ctx, "proof_ref", verification.Ref),
				"verified proof discarded, session moved on", nil)
		} else {
			s.logs.Warn(ctx, "discarding verification for a session that moved on")
		}
		res = resultFor(OutcomeStale, *sess)
		res.Reason = verification.Reason
		return res, nil, nil
	}

	if verr != nil {
		res = resultFor(OutcomeVerificationFailed, *sess)
		res.Reason = domain.ReasonProviderError
		return res, nil, verr
	}
	if !verification.Success {
		sess.FailedAttempts++
		sess.UpdatedAt = s.now()
		res = resultFor(failureOutcome(verification.Reason), *sess)
		res.Reason = verification.Reason
		return res, nil, nil
	}

	return s.settle(ctx, sess, verification)
}

// beginVerification validates the session under the customer lock and marks it
// verifying. A non-empty Result outcome means the call ends there.
func (s *CheckoutService) beginVerification(ctx context.Context, e *sessionEntry, material string) (domain.Session, Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := &e.session
	if outcome, ok := blocked(*sess); ok {
		return domain.Session{}, resultFor(outcome, *sess), nil
	}
	switch sess.State {
	case domain.StateAwaitingProof:
	case domain.StateSelectingMethod:
		return domain.Session{}, resultFor(OutcomeInvalidState, *sess), nil
	default:
		return domain.Session{}, resultFor(OutcomeNoSession, *sess), nil
	}
	if strings.TrimSpace(material) == "" {
		sess.FailedAttempts++
		return domain.Session{}, resultFor(OutcomeInvalidProof, *sess), nil
	}

	// Stock sold since checkout started is reported before any proof is spent.
	shortfalls, err := s.shortfalls(ctx, sess.StockLines())
	if err != nil {
		return domain.Session{}, Result{}, err
	}
	if len(shortfalls) > 0 {
		res := resultFor(OutcomeInsufficientStock, *sess)
		res.Shortfalls = shortfalls
		return domain.Session{}, res, nil
	}

	sess.Verifying = true
	return sess.Clone(), Result{}, nil
}

func (s *CheckoutService) shortfalls(ctx context.Context, lines []domain.StockLine) ([]domain.Shortfall, error) {
	var out []domain.Shortfall
	for _, line := range domain.MergeLines(lines) {
		available, err := s.inventory.Available(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("check stock %s: %w", line.ProductID, err)
		}
		if available < line.Quantity {
			out = append(out, domain.Shortfall{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: available,
			})
		}
	}
	return out, nil
}

func failureOutcome(reason domain.VerificationReason) Outcome {
	switch reason {
	case domain.ReasonInvalidFormat:
		return OutcomeInvalidProof
	case domain.ReasonDuplicate:
		return OutcomeDuplicateProof
	}
	return OutcomeVerificationFailed
}

func (s *CheckoutService) verify(ctx context.Context, sess domain.Session, material string) (domain.Verification, error) {
	v := s.verifiers[sess.Method]
	if v == nil {
		return domain.Verification{}, fmt.Errorf("%w: %s", domain.ErrUnknownMethod, sess.Method)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf(opVerifyFmt, sess.Method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("checkout.method", string(sess.Method)),
			attribute.String("checkout.expected_total", sess.Total.StringFixed(2)),
		))
	defer span.End()
	started := s.now()

	out, err := v.Verify(ctx, sess.Total, material)

	reason := string(out.Reason)
	if out.Success {
		reason = "ok"
	}
	if err != nil {
		reason = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("checkout.verification", reason))
	s.metrics.ObserveVerification(string(sess.Method), reason, s.now().Sub(started))
	return out, err
}

// settle runs the delivery protocol for a verified proof: consume stock, record
// the proof, append the order, clear the cart, reset the session. Any failure
// after verification pins the session for manual reconciliation.
func (s *CheckoutService) settle(ctx context.Context, sess *domain.Session, v domain.Verification) (Result, *domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, opSettle, trace.WithAttributes(
		attribute.String("checkout.method", string(sess.Method)),
		attribute.String("checkout.proof_ref", v.Ref),
	))
	defer span.End()

	proofID := domain.NormalizeProofID(v.ProofID)
	if proofID != "" {
		unlock := s.proofLocks.Lock(proofID)
		defer unlock()
	}

	if !v.Recorded && proofID != "" {
		used, err := s.ledger.IsRecorded(ctx, proofID)
		if err != nil {
			span.RecordError(err)
			return resultFor(OutcomeVerificationFailed, *sess), nil, fmt.Errorf("ledger pre-check: %w", err)
		}
		if used {
			s.metrics.IncSettlement(string(sess.Method), "duplicate")
			res := resultFor(OutcomeDuplicateProof, *sess)
			res.Reason = domain.ReasonDuplicate
			return res, nil, nil
		}
	}

	// With a proof consumer the ledger record commits together with the stock.
	recordWithStock := !v.Recorded && proofID != "" && s.proofConsumer != nil

	var consumed []domain.Consumption
	var err error
	if recordWithStock {
		consumed, err = s.proofConsumer.ConsumeAndRecord(ctx, sess.StockLines(), proofID)
	} else {
		consumed, err = s.inventory.ConsumeBatch(ctx, sess.StockLines())
	}
	if err != nil {
		if recordWithStock && errors.Is(err, domain.ErrProofAlreadyUsed) {
			s.metrics.IncSettlement(string(sess.Method), "duplicate")
			res := resultFor(OutcomeDuplicateProof, *sess)
			res.Reason = domain.ReasonDuplicate
			return res, nil, nil
		}
		var se *domain.ShortfallError
		if errors.As(err, &se) {
			if res, ok := s.returnCode(ctx, sess, v, se); ok {
				return res, nil, nil
			}
			res := s.pin(ctx, sess, v, "inventory consumption failed", err, nil)
			res.Shortfalls = se.Shortfalls
			return res, nil, nil
		}
		res := s.pin(ctx, sess, v, "inventory consumption failed", err, nil)
		return res, nil, fmt.Errorf("consume stock: %w", err)
	}

	if !v.Recorded && proofID != "" && !recordWithStock {
		if err := s.ledger.TryRecord(ctx, proofID); err != nil {
			res := s.pin(ctx, sess, v, "proof ledger record failed", err, consumed)
			if errors.Is(err, domain.ErrProofAlreadyUsed) {
				res.Reason = domain.ReasonDuplicate
				return res, nil, nil
			}
			return res, nil, fmt.Errorf("record proof: %w", err)
		}
	}

	now := s.now()
	order := domain.Order{
		ID:         s.newID(),
		CustomerID: sess.CustomerID,
		Lines:      orderLines(sess.Lines, consumed),
		Total:      sess.Total,
		Method:     sess.Method,
		ProofRef:   v.Ref,
		Status:     domain.OrderStatusCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.orders.Append(ctx, order); err != nil {
		res := s.pin(ctx, sess, v, "order append failed", err, consumed)
		return res, nil, fmt.Errorf("append order: %w", err)
	}

	if err := s.catalog.ClearCart(ctx, sess.CustomerID); err != nil {
		s.logs.Error(ctx, "clear cart after settlement", err)
	}

	res := resultFor(OutcomeSettled, *sess)
	res.State = domain.StateSettled
	res.Order = &order
	s.reset(sess)

	span.SetAttributes(attribute.String("checkout.order_id", order.ID))
	s.metrics.IncSettlement(string(order.Method), "settled")
	s.logs.Info(s.logs.WithField(ctx, "order_id", order.ID), "order settled")
	return res, &order, nil
}

// returnCode puts a redeemed code back into the pool when settlement found no
// stock. Nothing was consumed, so the customer keeps a usable code and the
// session stays awaiting proof. Provider-backed methods are not refundable here.
func (s *CheckoutService) returnCode(ctx context.Context, sess *domain.Session, v domain.Verification, se *domain.ShortfallError) (Result, bool) {
	if !v.Recorded || sess.Method != domain.MethodRedemptionCode || s.codes == nil || v.ProofID == "" {
		return Result{}, false
	}
	if err := s.codes.AddCodes(ctx, v.ProofID); err != nil {
		s.logs.Error(ctx, "return redemption code", err)
		return Result{}, false
	}

	sess.UpdatedAt = s.now()
	s.metrics.IncSettlement(string(sess.Method), "insufficient_stock")
	s.logs.Warn(s.logs.WithField(ctx, "proof_ref", v.Ref), "stock sold during verification, code returned")

	res := resultFor(OutcomeInsufficientStock, *sess)
	res.Shortfalls = se.Shortfalls
	return res, true
}

func orderLines(items []domain.CartItem, consumed []domain.Consumption) []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(items))
	for i, item := range items {
		lines = append(lines, domain.OrderLine{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Payloads:  consumed[i].Payloads,
		})
	}
	return lines
}

// pin leaves the session awaiting proof with the reconciliation flag set and
// escalates the failure.
func (s *CheckoutService) pin(ctx context.Context, sess *domain.Session, v domain.Verification, note string, cause error, consumed []domain.Consumption) Result {
	sess.NeedsReconciliation = true
	sess.ReconciliationNote = fmt.Sprintf("%s: %v", note, cause)
	sess.UpdatedAt = s.now()

	fields := map[string]any{
		"reconciliation_required": true,
		"method":                  string(sess.Method),
		"proof_ref":               v.Ref,
		"total":                   sess.Total.StringFixed(2),
	}
	if len(consumed) > 0 {
		fields["consumed"] = consumed
	}
	s.logs.Error(s.logs.WithFields(ctx, fields), note, cause)
	s.metrics.IncSettlement(string(sess.Method), "reconciliation")
	s.metrics.IncReconciliation(string(sess.Method))

	trace.SpanFromContext(ctx).RecordError(cause)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, note)
	return resultFor(OutcomeReconciliationRequired, *sess)
}

// ResolveReconciliation is the operator action that releases a pinned session.
func (s *CheckoutService) ResolveReconciliation(ctx context.Context, customerID string) (res Result, err error) {
	ctx, done := s.begin(ctx, opResolve, customerID)
	defer func() { done(res, err) }()

	e := s.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := &e.session
	if !sess.NeedsReconciliation {
		return resultFor(OutcomeInvalidState, *sess), nil
	}
	res = resultFor(OutcomeResolved, *sess)
	s.reset(sess)
	return res, nil
}

// PendingReconciliations lists pinned sessions for operators.
func (s *CheckoutService) PendingReconciliations() []domain.Session {
	s.sessionsMu.Lock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.sessionsMu.Unlock()

	var out []domain.Session
	for _, e := range entries {
		e.mu.Lock()
		if e.session.NeedsReconciliation {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}

// ExpireIdle resets active sessions untouched for longer than ttl. Sessions
// that are verifying or pinned are left alone.
func (s *CheckoutService) ExpireIdle(ctx context.Context, ttl time.Duration) int {
	s.sessionsMu.Lock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.sessionsMu.Unlock()

	cutoff := s.now().Add(-ttl)
	expired := 0
	for _, e := range entries {
		e.mu.Lock()
		sess := &e.session
		if sess.State.Active() && !sess.Verifying && !sess.NeedsReconciliation && sess.UpdatedAt.Before(cutoff) {
			s.reset(sess)
			expired++
		}
		e.mu.Unlock()
	}
	if expired > 0 {
		s.logs.Info(s.logs.WithField(ctx, "expired", expired), "expired idle checkout sessions")
	}
	return expired
}

// RunJanitor calls ExpireIdle every interval until ctx is done.
func (s *CheckoutService) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireIdle(ctx, ttl)
		}
	}
}

// begin opens the span and returns the completion hook shared by entry points.
func (s *CheckoutService) begin(ctx context.Context, op, customerID string) (context.Context, func(Result, error)) {
	ctx = s.logs.WithFields(ctx, map[string]any{"customer_id": customerID, "operation": op})
	ctx, span := s.tracer.Start(ctx, "UC."+op, trace.WithAttributes(
		attribute.String("checkout.customer_id", customerID),
	))
	started := s.now()

	return ctx, func(res Result, err error) {
		outcome := string(res.Outcome)
		if outcome == "" {
			outcome = "error"
		}
		span.SetAttributes(
			attribute.String("checkout.outcome", outcome),
			attribute.String("checkout.state", res.State.String()),
		)

		logCtx := s.logs.WithFields(ctx, map[string]any{"outcome": outcome, "state": res.State.String()})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logs.Error(logCtx, "checkout operation failed", err)
		} else {
			s.logs.Info(logCtx, "checkout operation")
		}
		s.metrics.ObserveOperation(op, outcome, s.now().Sub(started))
		span.End()
	}
}
