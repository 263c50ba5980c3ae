package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"CharonPOS/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps orders for the lifetime of the process.
type MemoryStore struct {
	mu         sync.Mutex
	orders     map[string]*models.Order
	signatures map[string]claim
}

type claim struct {
	orderID    string
	correlated bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		orders:     map[string]*models.Order{},
		signatures: map[string]claim{},
	}
}

func (s *MemoryStore) Ensure(ctx context.Context, order models.Order) (models.Order, bool, error) {
	if order.OrderID == "" {
		return models.Order{}, false, ErrMissingOrderID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.OrderID]; ok {
		return clone(existing), false, nil
	}
	rec := clone(&order)
	s.orders[order.OrderID] = &rec
	return clone(&rec), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	return clone(o), nil
}

func (s *MemoryStore) BeginCheck(ctx context.Context, orderID string, now time.Time) (models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, false, ErrNotFound
	}
	if o.Checking {
		return clone(o), false, nil
	}
	o.Checking = true
	o.LastCheckAt = now
	return clone(o), true, nil
}

func (s *MemoryStore) FinishCheck(ctx context.Context, orderID string, fn func(*models.Order)) (models.Order, error) {
	return s.Update(ctx, orderID, func(o *models.Order) {
		if fn != nil {
			fn(o)
		}
		o.Checking = false
	})
}

func (s *MemoryStore) Update(ctx context.Context, orderID string, fn func(*models.Order)) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	next := clone(o)
	fn(&next)
	// Identity and the PAID state are not writable through Update.
	next.OrderID = o.OrderID
	next.Reference = o.Reference
	next.Amount = o.Amount
	next.MerchantWallet = o.MerchantWallet
	next.TokenMint = o.TokenMint
	next.CreatedAt = o.CreatedAt
	if o.Status == models.OrderPaid {
		next.Status = models.OrderPaid
		next.PaidAt = o.PaidAt
		next.PaidSignature = o.PaidSignature
		next.PaidSource = o.PaidSource
	} else if next.Status == models.OrderPaid {
		next.Status = o.Status
	}
	*o = next
	return clone(o), nil
}

func (s *MemoryStore) MarkPaid(ctx context.Context, orderID string, p Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status == models.OrderPaid {
		return false, nil
	}
	if p.Signature != "" {
		if c, taken := s.signatures[p.Signature]; taken && c.orderID != orderID {
			// An amount-only claim yields to a reference-correlated one.
			if c.correlated || !p.Correlated {
				return false, ErrSignatureClaimed
			}
		}
		s.signatures[p.Signature] = claim{orderID: orderID, correlated: p.Correlated}
		sig := p.Signature
		o.PaidSignature = &sig
	}
	paidAt := p.At
	o.Status = models.OrderPaid
	o.PaidAt = &paidAt
	o.PaidSource = p.Source
	return true, nil
}

func (s *MemoryStore) SignatureOwner(ctx context.Context, signature string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.signatures[signature]
	return c.orderID, ok
}

func (s *MemoryStore) ListPending(ctx context.Context, merchant, mint string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Status != models.OrderPending {
			continue
		}
		if merchant != "" && o.MerchantWallet != merchant {
			continue
		}
		if mint != "" && o.TokenMint != mint {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func clone(o *models.Order) models.Order {
	c := *o
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.PaidSignature != nil {
		s := *o.PaidSignature
		c.PaidSignature = &s
	}
	return c
}
