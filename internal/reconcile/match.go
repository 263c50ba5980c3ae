package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"CharonPOS/internal/backoff"
	"CharonPOS/internal/models"
	"CharonPOS/internal/payments"
	"CharonPOS/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrTransactionUnavailable = errors.New("transaction not available yet")

type MatchResult struct {
	OrderID   string
	Matched   bool
	Duplicate bool
}

// ApplyTransfer settles the pending order an observed transfer pays for.
//
// When the event carries account keys and one of them is a pending order's
// reference, that order is the only candidate. Otherwise the match is by
// amount alone: the most recently created pending order for the same
// merchant and mint within the match tolerance wins. Amount-only matching
// cannot tell apart two orders of equal amount created close together; the
// newer one is assumed, and a later poll of the other order reclaims the
// signature by reference. Events without a signature cannot be deduplicated
// and are dropped, as are unmatched events.
func (e *Engine) ApplyTransfer(ctx context.Context, ev models.TransferEvent, source models.PaidSource) MatchResult {
	events := e.metrics.TransferEvents.MustCurryWith(prometheus.Labels{"source": string(source)})
	if ev.Signature == "" {
		events.WithLabelValues("unsigned").Inc()
		e.log.Warnf("transfer without signature dropped amount=%s merchant=%s source=%s", ev.Amount, ev.MerchantWallet, source)
		return MatchResult{}
	}
	if owner, ok := e.store.SignatureOwner(ctx, ev.Signature); ok {
		events.WithLabelValues("duplicate").Inc()
		return MatchResult{OrderID: owner, Duplicate: true}
	}

	pending, err := e.store.ListPending(ctx, ev.MerchantWallet, ev.TokenMint)
	if err != nil {
		e.log.Errorf("list pending failed merchant=%s: %v", ev.MerchantWallet, err)
		return MatchResult{}
	}

	orders, correlated := e.candidates(pending, ev)
	for _, o := range orders {
		changed, err := e.store.MarkPaid(ctx, o.OrderID, store.Payment{
			Signature:  ev.Signature,
			Source:     source,
			At:         e.now(),
			Correlated: correlated,
		})
		if errors.Is(err, store.ErrSignatureClaimed) {
			events.WithLabelValues("duplicate").Inc()
			owner, _ := e.store.SignatureOwner(ctx, ev.Signature)
			return MatchResult{OrderID: owner, Duplicate: true}
		}
		if err != nil {
			e.log.Errorf("order %s mark paid failed: %v", o.OrderID, err)
			continue
		}
		if !changed {
			// Settled concurrently by another path.
			continue
		}
		_, _ = e.store.Update(ctx, o.OrderID, func(o *models.Order) {
			o.Backoff = e.policy.Next(o.Backoff, backoff.Success)
		})
		e.metrics.PaidTotal.WithLabelValues(string(source)).Inc()
		events.WithLabelValues("matched").Inc()
		e.log.Infof("order %s -> %s tx=%s amount=%s source=%s correlated=%t", o.OrderID, models.OrderPaid, ev.Signature, ev.Amount, source, correlated)
		return MatchResult{OrderID: o.OrderID, Matched: true}
	}

	events.WithLabelValues("unmatched").Inc()
	e.log.Debugf("transfer dropped amount=%s merchant=%s tx=%s", ev.Amount, ev.MerchantWallet, ev.Signature)
	return MatchResult{}
}

// candidates lists the orders ev may settle, best first, and whether the
// choice is proven by a reference key.
func (e *Engine) candidates(pending []models.Order, ev models.TransferEvent) ([]models.Order, bool) {
	if len(ev.AccountKeys) > 0 {
		keys := make(map[string]struct{}, len(ev.AccountKeys))
		for _, k := range ev.AccountKeys {
			keys[k] = struct{}{}
		}
		for _, o := range pending {
			if _, ok := keys[o.Reference]; !ok {
				continue
			}
			if payments.Satisfies(ev.Amount, o.Amount, e.epsilon) {
				return []models.Order{o}, true
			}
			e.log.Infof("order %s referenced by tx=%s but credit=%s below amount=%s", o.OrderID, ev.Signature, ev.Amount, o.Amount)
			return nil, true
		}
	}

	var out []models.Order
	for _, o := range pending {
		if payments.WithinTolerance(ev.Amount, o.Amount, e.tolerance) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID > out[j].OrderID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, false
}

// ObserveSignature fetches a transaction announced by a push source and
// applies the merchant's credit in it. It waits for a parse slot rather
// than skipping, since a push notification is not repeated.
func (e *Engine) ObserveSignature(ctx context.Context, signature, merchant, mint string, source models.PaidSource) (MatchResult, error) {
	if owner, ok := e.store.SignatureOwner(ctx, signature); ok {
		return MatchResult{OrderID: owner, Duplicate: true}, nil
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return MatchResult{}, err
	}
	e.metrics.ParseSlotsBusy.Inc()
	tx, err := e.chain.ParsedTransaction(ctx, signature)
	e.metrics.ParseSlotsBusy.Dec()
	e.slots.Release(1)
	if err != nil {
		return MatchResult{}, fmt.Errorf("fetch %s: %w", signature, err)
	}
	if tx == nil {
		return MatchResult{}, ErrTransactionUnavailable
	}
	if tx.Failed {
		return MatchResult{}, nil
	}
	credit := payments.MerchantCredit(tx, merchant, mint)
	if !credit.IsPositive() {
		return MatchResult{}, nil
	}
	if tx.Signature == "" {
		tx.Signature = signature
	}
	return e.ApplyTransfer(ctx, models.TransferEvent{
		Amount:         credit,
		MerchantWallet: merchant,
		TokenMint:      mint,
		Signature:      tx.Signature,
		AccountKeys:    tx.AccountKeys,
	}, source), nil
}
