package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"CharonPOS/internal/chain"
	"CharonPOS/internal/models"
	"CharonPOS/internal/payments"
	"CharonPOS/internal/qr"
	"CharonPOS/internal/reconcile"
	"CharonPOS/internal/webhook"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrderID       = errors.New("orderId is required")
	ErrInvalidAmount        = errors.New("amount must be a positive number")
	ErrInvalidMerchant      = errors.New("merchant wallet is missing or invalid")
	ErrInvalidMint          = errors.New("token mint is missing or invalid")
	ErrRefundNotImplemented = errors.New("refunds are not implemented")
)

const RefundPolicy = "V1 refund requires merchant approval and available float."

type CreatePaymentInput struct {
	OrderID        string
	Amount         decimal.Decimal
	MerchantWallet string
	TokenMint      string
}

type PaymentIntent struct {
	Order      models.Order
	PaymentURI string
	QRImage    string
}

type WebhookSummary struct {
	DeliveryID string
	Events     int
	Matched    int
	Duplicates int
}

type OrderService struct {
	Engine          *reconcile.Engine
	Webhooks        *webhook.Interpreter
	DefaultMerchant string
	DefaultMint     string
	Label           string

	log *log.Helper
}

func NewOrderService(engine *reconcile.Engine, webhooks *webhook.Interpreter, merchant, mint, label string, logger log.Logger) *OrderService {
	return &OrderService{
		Engine:          engine,
		Webhooks:        webhooks,
		DefaultMerchant: merchant,
		DefaultMint:     mint,
		Label:           label,
		log:             log.NewHelper(log.With(logger, "module", "services")),
	}
}

// CreatePayment registers the order if it is new and renders its payment
// request. A repeated call returns the request of the stored order.
func (s *OrderService) CreatePayment(ctx context.Context, in CreatePaymentInput) (*PaymentIntent, error) {
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return nil, ErrInvalidOrderID
	}
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	merchant := in.MerchantWallet
	if merchant == "" {
		merchant = s.DefaultMerchant
	}
	if !chain.ValidAddress(merchant) {
		return nil, ErrInvalidMerchant
	}
	mint := in.TokenMint
	if mint == "" {
		mint = s.DefaultMint
	}
	if !chain.ValidAddress(mint) {
		return nil, ErrInvalidMint
	}

	order, err := s.Engine.EnsureOrder(ctx, orderID, in.Amount, merchant, mint)
	if err != nil {
		return nil, err
	}

	uri, err := payments.PaymentURI(payments.Request{
		Recipient: order.MerchantWallet,
		Amount:    order.Amount,
		Reference: order.Reference,
		Label:     s.Label,
		Message:   "Order " + order.OrderID,
		Memo:      "order:" + order.OrderID,
		SPLToken:  order.TokenMint,
	})
	if err != nil {
		return nil, fmt.Errorf("build payment uri: %w", err)
	}
	img, err := qr.DataURL(uri)
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{Order: order, PaymentURI: uri, QRImage: img}, nil
}

func (s *OrderService) Status(ctx context.Context, orderID string) reconcile.Result {
	return s.Engine.PollStatus(ctx, orderID)
}

// HandleWebhook applies every transfer in a provider batch. Only a payload
// that cannot be interpreted is an error.
func (s *OrderService) HandleWebhook(ctx context.Context, body []byte) (WebhookSummary, error) {
	sum := WebhookSummary{DeliveryID: uuid.NewString()}
	events, err := s.Webhooks.Interpret(body)
	if err != nil {
		s.log.Warnf("webhook %s rejected: %v", sum.DeliveryID, err)
		return sum, err
	}
	sum.Events = len(events)
	for _, ev := range events {
		res := s.Engine.ApplyTransfer(ctx, ev, models.SourceWebhook)
		switch {
		case res.Matched:
			sum.Matched++
		case res.Duplicate:
			sum.Duplicates++
		}
	}
	s.log.Infof("webhook %s events=%d matched=%d duplicates=%d", sum.DeliveryID, sum.Events, sum.Matched, sum.Duplicates)
	return sum, nil
}

func (s *OrderService) Refund(ctx context.Context, orderID string) error {
	s.log.Infof("refund requested order=%s", orderID)
	return ErrRefundNotImplemented
}
