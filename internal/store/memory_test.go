package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CharonPOS/internal/models"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newOrder(id string, amount string, created time.Time) models.Order {
	return models.Order{
		OrderID:        id,
		Amount:         decimal.RequireFromString(amount),
		CreatedAt:      created,
		Status:         models.OrderPending,
		Reference:      "ref-" + id,
		MerchantWallet: "merchant",
		TokenMint:      "mint",
		Backoff:        time.Second,
	}
}

func TestEnsureFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, created, err := s.Ensure(ctx, newOrder("X", "10", t0))
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	again := newOrder("X", "99", t0.Add(time.Hour))
	again.Reference = "other"
	second, created, err := s.Ensure(ctx, again)
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}
	if second.Reference != first.Reference || !second.CreatedAt.Equal(first.CreatedAt) || !second.Amount.Equal(first.Amount) {
		t.Fatalf("stored record changed: %+v vs %+v", second, first)
	}

	if _, _, err := s.Ensure(ctx, models.Order{}); !errors.Is(err, ErrMissingOrderID) {
		t.Fatalf("empty id err = %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
}

func TestBeginCheckIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, _, _ = s.Ensure(ctx, newOrder("A", "1", t0))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.BeginCheck(ctx, "A", t0); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("BeginCheck winners = %d, want 1", wins.Load())
	}

	o, err := s.FinishCheck(ctx, "A", func(o *models.Order) { o.LastSeenSig = "sig" })
	if err != nil || o.Checking || o.LastSeenSig != "sig" {
		t.Fatalf("FinishCheck = %+v, %v", o, err)
	}
	if _, ok, _ := s.BeginCheck(ctx, "A", t0.Add(time.Second)); !ok {
		t.Fatal("BeginCheck after FinishCheck should succeed")
	}
}

func TestMarkPaidIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, _, _ = s.Ensure(ctx, newOrder("A", "5", t0))
	_, _, _ = s.Ensure(ctx, newOrder("B", "5", t0))

	changed, err := s.MarkPaid(ctx, "A", Payment{Signature: "sig-1", Source: models.SourceWebhook, At: t0})
	if err != nil || !changed {
		t.Fatalf("MarkPaid = %v, %v", changed, err)
	}
	changed, err = s.MarkPaid(ctx, "A", Payment{Signature: "sig-1", Source: models.SourcePoll, At: t0})
	if err != nil || changed {
		t.Fatalf("second MarkPaid = %v, %v", changed, err)
	}
	if _, err := s.MarkPaid(ctx, "B", Payment{Signature: "sig-1", Source: models.SourceWebhook, At: t0}); !errors.Is(err, ErrSignatureClaimed) {
		t.Fatalf("reused signature err = %v", err)
	}
	if owner, ok := s.SignatureOwner(ctx, "sig-1"); !ok || owner != "A" {
		t.Fatalf("SignatureOwner = %q, %v", owner, ok)
	}

	o, _ := s.Update(ctx, "A", func(o *models.Order) {
		o.Status = models.OrderPending
		o.Reference = "tampered"
	})
	if o.Status != models.OrderPaid || o.Reference != "ref-A" || o.PaidSource != models.SourceWebhook {
		t.Fatalf("Update reverted immutable fields: %+v", o)
	}

	b, _ := s.Update(ctx, "B", func(o *models.Order) { o.Status = models.OrderPaid })
	if b.Status != models.OrderPending {
		t.Fatal("Update must not mark paid")
	}
}

func TestCorrelatedClaimTakesOverAmountOnlyClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, id := range []string{"A", "B", "C"} {
		_, _, _ = s.Ensure(ctx, newOrder(id, "5", t0))
	}

	if _, err := s.MarkPaid(ctx, "B", Payment{Signature: "sig-1", Source: models.SourceWebhook, At: t0}); err != nil {
		t.Fatal(err)
	}
	changed, err := s.MarkPaid(ctx, "A", Payment{Signature: "sig-1", Source: models.SourcePoll, At: t0, Correlated: true})
	if err != nil || !changed {
		t.Fatalf("correlated MarkPaid = %v, %v", changed, err)
	}
	if owner, _ := s.SignatureOwner(ctx, "sig-1"); owner != "A" {
		t.Fatalf("owner = %q, want A", owner)
	}
	if b, _ := s.Get(ctx, "B"); !b.IsPaid() {
		t.Fatal("B must stay paid")
	}

	// A correlated claim is final.
	_, err = s.MarkPaid(ctx, "C", Payment{Signature: "sig-1", Source: models.SourcePoll, At: t0, Correlated: true})
	if !errors.Is(err, ErrSignatureClaimed) {
		t.Fatalf("takeover of correlated claim err = %v", err)
	}
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, _, _ = s.Ensure(ctx, newOrder("old", "1", t0))
	_, _, _ = s.Ensure(ctx, newOrder("new", "1", t0.Add(time.Minute)))
	other := newOrder("other", "1", t0)
	other.TokenMint = "other-mint"
	_, _, _ = s.Ensure(ctx, other)
	_, _, _ = s.Ensure(ctx, newOrder("paid", "1", t0))
	_, _ = s.MarkPaid(ctx, "paid", Payment{Source: models.SourcePoll, At: t0})

	got, _ := s.ListPending(ctx, "merchant", "mint")
	if len(got) != 2 || got[0].OrderID != "old" || got[1].OrderID != "new" {
		t.Fatalf("ListPending = %+v", got)
	}
	all, _ := s.ListPending(ctx, "", "")
	if len(all) != 3 {
		t.Fatalf("unfiltered ListPending = %d orders", len(all))
	}
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, _, _ = s.Ensure(ctx, newOrder("A", "1", t0))
	_, _ = s.MarkPaid(ctx, "A", Payment{Signature: "sig", Source: models.SourcePoll, At: t0})

	o, _ := s.Get(ctx, "A")
	*o.PaidSignature = "mutated"
	o.Backoff = time.Hour

	again, _ := s.Get(ctx, "A")
	if *again.PaidSignature != "sig" || again.Backoff != time.Second {
		t.Fatalf("store shares memory with callers: %+v", again)
	}
}
