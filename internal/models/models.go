package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderPaid    OrderStatus = "PAID"
)

type PaidSource string

const (
	SourcePoll    PaidSource = "poll"
	SourceWebhook PaidSource = "webhook"
	SourceStream  PaidSource = "ws"
)

// Order is one point-of-sale payment intent. Reference, MerchantWallet,
// TokenMint, Amount and CreatedAt are fixed at creation.
type Order struct {
	OrderID        string
	Amount         decimal.Decimal
	CreatedAt      time.Time
	Status         OrderStatus
	Reference      string
	MerchantWallet string
	TokenMint      string

	// Reconciliation control fields.
	LastCheckAt time.Time
	Backoff     time.Duration
	Checking    bool
	LastSeenSig string

	PaidAt        *time.Time
	PaidSignature *string
	PaidSource    PaidSource
}

func (o Order) IsPaid() bool {
	return o.Status == OrderPaid
}

// TransferEvent is a token credit observed outside the polling path, in UI
// units. AccountKeys is empty when the source does not expose them.
type TransferEvent struct {
	Amount         decimal.Decimal
	MerchantWallet string
	TokenMint      string
	Signature      string
	AccountKeys    []string
}
