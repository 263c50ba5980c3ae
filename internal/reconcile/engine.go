package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CharonPOS/internal/backoff"
	"CharonPOS/internal/chain"
	"CharonPOS/internal/metrics"
	"CharonPOS/internal/models"
	"CharonPOS/internal/payments"
	"CharonPOS/internal/store"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWarmup        = 2 * time.Second
	DefaultParseSlots    = 2
	signatureLookupLimit = 1
)

// ChainQuerier is the narrow slice of the chain RPC the engine needs.
type ChainQuerier interface {
	RecentSignatures(ctx context.Context, address string, limit int) ([]string, error)
	// ParsedTransaction returns nil, nil when the transaction is not available.
	ParsedTransaction(ctx context.Context, signature string) (*chain.ParsedTransaction, error)
}

type ReferenceSource interface {
	NewReference() (string, error)
}

type Options struct {
	// Warmup suppresses upstream queries right after creation.
	Warmup time.Duration
	Policy backoff.Policy
	// ParseSlots bounds concurrent full-transaction fetches across all orders.
	ParseSlots     *semaphore.Weighted
	Epsilon        decimal.Decimal
	MatchTolerance decimal.Decimal
	Now            func() time.Time
	Metrics        *metrics.Metrics
}

type Engine struct {
	store     store.Store
	chain     ChainQuerier
	refs      ReferenceSource
	log       *log.Helper
	policy    backoff.Policy
	slots     *semaphore.Weighted
	warmup    time.Duration
	epsilon   decimal.Decimal
	tolerance decimal.Decimal
	now       func() time.Time
	metrics   *metrics.Metrics
}

func NewEngine(st store.Store, q ChainQuerier, refs ReferenceSource, logger log.Logger, opts Options) *Engine {
	e := &Engine{
		store:     st,
		chain:     q,
		refs:      refs,
		log:       log.NewHelper(log.With(logger, "module", "reconcile")),
		policy:    opts.Policy,
		slots:     opts.ParseSlots,
		warmup:    opts.Warmup,
		epsilon:   opts.Epsilon,
		tolerance: opts.MatchTolerance,
		now:       opts.Now,
		metrics:   opts.Metrics,
	}
	if e.policy.IsZero() {
		e.policy = backoff.Default()
	}
	if e.slots == nil {
		e.slots = semaphore.NewWeighted(DefaultParseSlots)
	}
	if e.warmup == 0 {
		e.warmup = DefaultWarmup
	}
	if e.epsilon.IsZero() {
		e.epsilon = payments.DefaultEpsilon
	}
	if e.tolerance.IsZero() {
		e.tolerance = payments.DefaultMatchTolerance
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// Result is what a status inquiry reports. Diagnostic names the path taken
// and is informational only.
type Result struct {
	Status     models.OrderStatus
	Backoff    time.Duration
	NotFound   bool
	Diagnostic string
}

// EnsureOrder creates the order on first call and returns the stored record
// unchanged on every later call, whatever amount or addresses are passed.
func (e *Engine) EnsureOrder(ctx context.Context, orderID string, amount decimal.Decimal, merchant, mint string) (models.Order, error) {
	if existing, err := e.store.Get(ctx, orderID); err == nil {
		e.warnIfDiffers(existing, amount, merchant, mint)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Order{}, err
	}

	ref, err := e.refs.NewReference()
	if err != nil {
		return models.Order{}, fmt.Errorf("generate reference: %w", err)
	}
	order := models.Order{
		OrderID:        orderID,
		Amount:         amount,
		CreatedAt:      e.now(),
		Status:         models.OrderPending,
		Reference:      ref,
		MerchantWallet: merchant,
		TokenMint:      mint,
		Backoff:        e.policy.Next(0, backoff.Success),
	}
	stored, created, err := e.store.Ensure(ctx, order)
	if err != nil {
		return models.Order{}, err
	}
	if !created {
		e.warnIfDiffers(stored, amount, merchant, mint)
		return stored, nil
	}
	e.metrics.OrdersCreated.Inc()
	e.log.Infof("order %s created amount=%s reference=%s", stored.OrderID, stored.Amount, stored.Reference)
	return stored, nil
}

func (e *Engine) warnIfDiffers(o models.Order, amount decimal.Decimal, merchant, mint string) {
	if o.Amount.Equal(amount) && o.MerchantWallet == merchant && o.TokenMint == mint {
		return
	}
	e.log.Warnf("order %s already exists, keeping first write amount=%s (ignored amount=%s merchant=%s mint=%s)",
		o.OrderID, o.Amount, amount, merchant, mint)
}

func (e *Engine) Get(ctx context.Context, orderID string) (models.Order, error) {
	return e.store.Get(ctx, orderID)
}

// PollStatus answers a status inquiry, consulting the chain only when the
// order's backoff allows it and no other check for it is in flight. It never
// fails: upstream problems become backoff and the last known status.
func (e *Engine) PollStatus(ctx context.Context, orderID string) Result {
	order, err := e.store.Get(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Status: models.OrderPending, NotFound: true, Diagnostic: "not_found"}
	}
	if err != nil {
		e.log.Errorf("order %s load failed: %v", orderID, err)
		return Result{Status: models.OrderPending, Diagnostic: "store_error"}
	}

	if order.IsPaid() {
		return e.skip(order, "paid")
	}
	now := e.now()
	if now.Sub(order.CreatedAt) < e.warmup {
		return e.skip(order, "warmup")
	}
	if order.Checking {
		return e.skip(order, "in_flight")
	}
	if !order.LastCheckAt.IsZero() && now.Sub(order.LastCheckAt) < e.policy.Wait(order.Backoff) {
		return e.skip(order, "backoff")
	}

	checked, ok, err := e.store.BeginCheck(ctx, orderID, now)
	if err != nil {
		e.log.Errorf("order %s begin check failed: %v", orderID, err)
		return e.skip(order, "store_error")
	}
	if !ok {
		return e.skip(checked, "in_flight")
	}
	return e.check(ctx, checked)
}

func (e *Engine) skip(o models.Order, why string) Result {
	e.metrics.PollTotal.WithLabelValues(why).Inc()
	return Result{Status: o.Status, Backoff: o.Backoff, Diagnostic: why}
}

// check runs one exclusive reconciliation pass. The deferred finish always
// runs, even when a collaborator panics.
func (e *Engine) check(ctx context.Context, order models.Order) (res Result) {
	outcome := backoff.OtherError
	var seen, diag string
	defer func() {
		if r := recover(); r != nil {
			outcome, diag = backoff.OtherError, fmt.Sprintf("panic: %v", r)
			e.log.Errorf("order %s check panicked: %v", order.OrderID, r)
		}
		res = e.finish(ctx, order, outcome, seen, diag)
	}()
	outcome, seen, diag = e.query(ctx, order)
	return res
}

// query performs the upstream work and reports the backoff outcome and the
// signature that was fully inspected, if any.
func (e *Engine) query(ctx context.Context, order models.Order) (backoff.Outcome, string, string) {
	sigs, err := e.chain.RecentSignatures(ctx, order.Reference, signatureLookupLimit)
	if err != nil {
		return e.upstreamFailure(order, "getSignaturesForAddress", err), "", err.Error()
	}
	if len(sigs) == 0 {
		e.metrics.UpstreamCalls.WithLabelValues("getSignaturesForAddress", "empty").Inc()
		return backoff.NoActivity, "", "no_signatures"
	}
	e.metrics.UpstreamCalls.WithLabelValues("getSignaturesForAddress", "ok").Inc()
	newest := sigs[0]
	if newest == order.LastSeenSig {
		return backoff.UnchangedSignature, "", "unchanged_signature"
	}

	// The signature is left unconsumed when no slot is free so the next poll
	// finds it again.
	if !e.slots.TryAcquire(1) {
		e.log.Debugf("order %s parse slots exhausted, deferring %s", order.OrderID, newest)
		return backoff.ConcurrencyBlocked, "", "parse_slots_exhausted"
	}
	e.metrics.ParseSlotsBusy.Inc()
	defer func() {
		e.metrics.ParseSlotsBusy.Dec()
		e.slots.Release(1)
	}()

	tx, err := e.chain.ParsedTransaction(ctx, newest)
	if err != nil {
		return e.upstreamFailure(order, "getTransaction", err), "", err.Error()
	}
	if tx == nil {
		e.metrics.UpstreamCalls.WithLabelValues("getTransaction", "empty").Inc()
		return backoff.MissingTransaction, "", "transaction_unavailable"
	}
	e.metrics.UpstreamCalls.WithLabelValues("getTransaction", "ok").Inc()

	if tx.Failed {
		return backoff.ParseFailure, newest, "transaction_failed"
	}
	if !payments.HasAccount(tx, order.MerchantWallet) {
		return backoff.ParseFailure, newest, "merchant_not_in_transaction"
	}
	credit := payments.MerchantCredit(tx, order.MerchantWallet, order.TokenMint)
	if !payments.Satisfies(credit, order.Amount, e.epsilon) {
		e.log.Infof("order %s tx=%s credit=%s below amount=%s credited=%v",
			order.OrderID, newest, credit, order.Amount, payments.ExtractTransfers(tx, order.TokenMint))
		return backoff.ParseFailure, newest, "insufficient_credit"
	}

	// The signature came from the order's own reference, so this settlement
	// is correlated and overrides an earlier amount-only attribution.
	prevOwner, claimed := e.store.SignatureOwner(ctx, newest)
	changed, err := e.store.MarkPaid(ctx, order.OrderID, store.Payment{
		Signature:  newest,
		Source:     models.SourcePoll,
		At:         e.now(),
		Correlated: true,
	})
	if errors.Is(err, store.ErrSignatureClaimed) {
		e.log.Warnf("order %s tx=%s already settled another order by reference", order.OrderID, newest)
		return backoff.ParseFailure, newest, "signature_claimed"
	}
	if err != nil {
		return backoff.OtherError, newest, err.Error()
	}
	if changed {
		if claimed && prevOwner != order.OrderID {
			e.log.Warnf("order %s tx=%s was attributed to order %s by amount; reattributed by reference", order.OrderID, newest, prevOwner)
		}
		e.metrics.PaidTotal.WithLabelValues(string(models.SourcePoll)).Inc()
		e.log.Infof("order %s -> %s tx=%s amount=%s", order.OrderID, models.OrderPaid, newest, credit)
	}
	return backoff.Success, newest, "paid"
}

func (e *Engine) upstreamFailure(order models.Order, method string, err error) backoff.Outcome {
	if chain.IsRateLimited(err) {
		e.metrics.UpstreamCalls.WithLabelValues(method, "rate_limited").Inc()
		e.log.Warnf("order %s %s rate limited: %v", order.OrderID, method, err)
		return backoff.RateLimited
	}
	e.metrics.UpstreamCalls.WithLabelValues(method, "error").Inc()
	e.log.Errorf("order %s %s failed: %v", order.OrderID, method, err)
	return backoff.OtherError
}

func (e *Engine) finish(ctx context.Context, order models.Order, outcome backoff.Outcome, seen, diag string) Result {
	updated, err := e.store.FinishCheck(context.WithoutCancel(ctx), order.OrderID, func(o *models.Order) {
		if seen != "" {
			o.LastSeenSig = seen
		}
		if o.IsPaid() {
			o.Backoff = e.policy.Next(o.Backoff, backoff.Success)
		} else {
			o.Backoff = e.policy.Next(o.Backoff, outcome)
		}
		o.LastCheckAt = e.now()
	})
	if err != nil {
		e.log.Errorf("order %s finish check failed: %v", order.OrderID, err)
		updated = order
	}
	if diag == "" {
		diag = outcome.String()
	}
	e.metrics.PollTotal.WithLabelValues(outcome.String()).Inc()
	e.log.Debugf("order %s check done outcome=%s backoff=%s", order.OrderID, outcome, updated.Backoff)
	return Result{Status: updated.Status, Backoff: updated.Backoff, Diagnostic: diag}
}
