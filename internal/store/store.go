package store

import (
	"context"
	"errors"
	"time"

	"CharonPOS/internal/models"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrSignatureClaimed = errors.New("signature already settled another order")
	ErrMissingOrderID   = errors.New("missing order id")
)

// Payment describes one settlement. Correlated marks a match proven by the
// order's reference key appearing in the transaction; such a match may take
// over a signature that another order claimed on amount alone.
type Payment struct {
	Signature  string
	Source     models.PaidSource
	At         time.Time
	Correlated bool
}

// Store is the keyed order state used by the reconciliation engine. All
// methods are safe for concurrent use; returned orders are copies.
type Store interface {
	// Ensure inserts order unless its id already exists. The stored record is
	// returned either way, with created reporting whether this call wrote it.
	Ensure(ctx context.Context, order models.Order) (stored models.Order, created bool, err error)
	Get(ctx context.Context, orderID string) (models.Order, error)
	// BeginCheck flips Checking from false to true and stamps LastCheckAt.
	// ok is false when another check already holds the order.
	BeginCheck(ctx context.Context, orderID string, now time.Time) (order models.Order, ok bool, err error)
	// FinishCheck applies fn and clears Checking in one step.
	FinishCheck(ctx context.Context, orderID string, fn func(*models.Order)) (models.Order, error)
	Update(ctx context.Context, orderID string, fn func(*models.Order)) (models.Order, error)
	// MarkPaid moves a pending order to PAID and records the signature claim.
	// It reports false without error when the order was already paid, and
	// ErrSignatureClaimed when another order holds the signature and p cannot
	// take it over.
	MarkPaid(ctx context.Context, orderID string, p Payment) (bool, error)
	SignatureOwner(ctx context.Context, signature string) (string, bool)
	// ListPending returns pending orders; empty merchant or mint match any.
	ListPending(ctx context.Context, merchant, mint string) ([]models.Order, error)
}
