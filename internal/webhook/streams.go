package webhook

import (
	"encoding/json"
	"fmt"

	"CharonPOS/internal/chain"
	"CharonPOS/internal/models"
	"CharonPOS/internal/payments"
)

// Streams reads block batches whose transactions carry meta and transaction
// objects in the getTransaction layout.
type Streams struct{}

func (Streams) Name() string { return "streams" }

func (Streams) Detect(items []json.RawMessage) bool {
	return hasKey(items, "transactions")
}

func (Streams) Events(items []json.RawMessage, f Filter) ([]models.TransferEvent, error) {
	var out []models.TransferEvent
	for i, item := range items {
		var block struct {
			Transactions []json.RawMessage `json:"transactions"`
		}
		if err := json.Unmarshal(item, &block); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		for j, raw := range block.Transactions {
			tx, err := chain.DecodeTransaction(raw)
			if err != nil {
				return nil, fmt.Errorf("block %d tx %d: %w", i, j, err)
			}
			if tx.Failed || tx.Signature == "" {
				continue
			}
			credit := payments.MerchantCredit(tx, f.MerchantWallet, f.TokenMint)
			if !credit.IsPositive() {
				continue
			}
			out = append(out, models.TransferEvent{
				Amount:         credit,
				MerchantWallet: f.MerchantWallet,
				TokenMint:      f.TokenMint,
				Signature:      tx.Signature,
				AccountKeys:    tx.AccountKeys,
			})
		}
	}
	return out, nil
}
