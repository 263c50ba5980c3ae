package chain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrMalformedTransaction = errors.New("malformed transaction")

// Parsed types

type ParsedTransaction struct {
	Signature         string
	Slot              uint64
	BlockTime         time.Time
	Failed            bool
	AccountKeys       []string
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// TokenBalance is one token account snapshot; Amount is in UI units.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       decimal.Decimal
}

// DecodeTransaction decodes the transaction object returned by getTransaction
// and embedded in block payloads. Account keys may be plain strings (json
// encoding) or {pubkey} objects (jsonParsed).
func DecodeTransaction(raw json.RawMessage) (*ParsedTransaction, error) {
	var wire rpcTransaction
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return wire.parsed()
}

// RPC response types

type rpcTransaction struct {
	Slot        uint64          `json:"slot"`
	BlockTime   *int64          `json:"blockTime"`
	Meta        *rpcMeta        `json:"meta"`
	Transaction json.RawMessage `json:"transaction"`
}

type rpcMeta struct {
	Err               json.RawMessage   `json:"err"`
	PreTokenBalances  []rpcTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []rpcTokenBalance `json:"postTokenBalances"`
	LoadedAddresses   *struct {
		Writable []string `json:"writable"`
		Readonly []string `json:"readonly"`
	} `json:"loadedAddresses"`
}

type rpcTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount         string `json:"amount"`
		Decimals       int32  `json:"decimals"`
		UIAmountString string `json:"uiAmountString"`
	} `json:"uiTokenAmount"`
}

type rpcMessage struct {
	Signatures []string `json:"signatures"`
	Message    struct {
		AccountKeys []json.RawMessage `json:"accountKeys"`
	} `json:"message"`
}

func (t rpcTransaction) parsed() (*ParsedTransaction, error) {
	if len(t.Transaction) == 0 {
		return nil, ErrMalformedTransaction
	}
	var msg rpcMessage
	if err := json.Unmarshal(t.Transaction, &msg); err != nil {
		return nil, err
	}

	out := &ParsedTransaction{Slot: t.Slot}
	if len(msg.Signatures) > 0 {
		out.Signature = msg.Signatures[0]
	}
	if t.BlockTime != nil {
		out.BlockTime = time.Unix(*t.BlockTime, 0).UTC()
	}
	for _, k := range msg.Message.AccountKeys {
		key, err := decodeAccountKey(k)
		if err != nil {
			return nil, err
		}
		out.AccountKeys = append(out.AccountKeys, key)
	}
	if t.Meta != nil {
		out.Failed = len(t.Meta.Err) > 0 && string(t.Meta.Err) != "null"
		if la := t.Meta.LoadedAddresses; la != nil {
			out.AccountKeys = append(out.AccountKeys, la.Writable...)
			out.AccountKeys = append(out.AccountKeys, la.Readonly...)
		}
		out.PreTokenBalances = decodeTokenBalances(t.Meta.PreTokenBalances)
		out.PostTokenBalances = decodeTokenBalances(t.Meta.PostTokenBalances)
	}
	return out, nil
}

func decodeAccountKey(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	if obj.Pubkey == "" {
		return "", ErrMalformedTransaction
	}
	return obj.Pubkey, nil
}

func decodeTokenBalances(in []rpcTokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		out = append(out, TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint,
			Owner:        b.Owner,
			Amount:       uiAmount(b),
		})
	}
	return out
}

func uiAmount(b rpcTokenBalance) decimal.Decimal {
	if b.UITokenAmount.UIAmountString != "" {
		if d, err := decimal.NewFromString(b.UITokenAmount.UIAmountString); err == nil {
			return d
		}
	}
	if b.UITokenAmount.Amount != "" {
		if d, err := decimal.NewFromString(b.UITokenAmount.Amount); err == nil {
			return d.Shift(-b.UITokenAmount.Decimals)
		}
	}
	return decimal.Zero
}
