package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"CharonPOS/internal/models"
	"CharonPOS/internal/payments"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Transfers reads enhanced-transaction batches that list token transfers
// explicitly. tokenAmount is in UI units, a bare amount is in base units.
type Transfers struct{}

func (Transfers) Name() string { return "transfers" }

func (Transfers) Detect(items []json.RawMessage) bool {
	return hasKey(items, "tokenTransfers") || hasKey(items, "type")
}

type enhancedTx struct {
	Type           string          `json:"type"`
	Signature      string          `json:"signature"`
	TokenTransfers []tokenTransfer `json:"tokenTransfers"`
}

type tokenTransfer struct {
	Mint          string `json:"mint"`
	ToUserAccount string `json:"toUserAccount"`
	To            string `json:"to"`
	TokenAmount   any    `json:"tokenAmount"`
	Amount        any    `json:"amount"`
}

func (Transfers) Events(items []json.RawMessage, f Filter) ([]models.TransferEvent, error) {
	var out []models.TransferEvent
	for i, item := range items {
		var tx enhancedTx
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		if err := dec.Decode(&tx); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		// Without a signature a redelivery cannot be told from a new payment.
		if !strings.EqualFold(tx.Type, "transfer") || tx.Signature == "" {
			continue
		}
		// Several legs to the merchant in one transaction settle one order.
		total := decimal.Zero
		for _, t := range tx.TokenTransfers {
			if t.Mint != f.TokenMint || t.recipient() != f.MerchantWallet {
				continue
			}
			if amt, ok := t.uiAmount(f.Decimals); ok {
				total = total.Add(amt)
			}
		}
		if !total.IsPositive() {
			continue
		}
		out = append(out, models.TransferEvent{
			Amount:         total,
			MerchantWallet: f.MerchantWallet,
			TokenMint:      f.TokenMint,
			Signature:      tx.Signature,
		})
	}
	return out, nil
}

func (t tokenTransfer) recipient() string {
	if t.ToUserAccount != "" {
		return t.ToUserAccount
	}
	return t.To
}

func (t tokenTransfer) uiAmount(decimals int) (decimal.Decimal, bool) {
	if t.TokenAmount != nil {
		return parseAmount(t.TokenAmount)
	}
	if t.Amount != nil {
		raw, ok := parseAmount(t.Amount)
		if !ok {
			return decimal.Zero, false
		}
		return payments.FromBaseUnits(raw, decimals), true
	}
	return decimal.Zero, false
}

func parseAmount(v any) (decimal.Decimal, bool) {
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
