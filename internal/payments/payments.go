package payments

import (
	"sort"

	"CharonPOS/internal/chain"

	"github.com/shopspring/decimal"
)

var (
	// DefaultEpsilon absorbs rounding when comparing a credited delta to the
	// order amount.
	DefaultEpsilon = decimal.RequireFromString("0.001")
	// DefaultMatchTolerance is the absolute window for amount-only matching.
	DefaultMatchTolerance = decimal.RequireFromString("0.01")
)

type Transfer struct {
	Recipient string
	Amount    decimal.Decimal
}

// OwnerDeltas returns post minus pre balance of mint per owner.
func OwnerDeltas(tx *chain.ParsedTransaction, mint string) map[string]decimal.Decimal {
	delta := map[string]decimal.Decimal{}
	if tx == nil {
		return delta
	}
	for _, b := range tx.PreTokenBalances {
		if b.Mint != mint || b.Owner == "" {
			continue
		}
		delta[b.Owner] = delta[b.Owner].Sub(b.Amount)
	}
	for _, b := range tx.PostTokenBalances {
		if b.Mint != mint || b.Owner == "" {
			continue
		}
		delta[b.Owner] = delta[b.Owner].Add(b.Amount)
	}
	return delta
}

// ExtractTransfers lists the owners credited with mint by tx, ordered by recipient.
func ExtractTransfers(tx *chain.ParsedTransaction, mint string) []Transfer {
	var out []Transfer
	for owner, d := range OwnerDeltas(tx, mint) {
		if d.IsPositive() {
			out = append(out, Transfer{Recipient: owner, Amount: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

func MerchantCredit(tx *chain.ParsedTransaction, merchant, mint string) decimal.Decimal {
	return OwnerDeltas(tx, mint)[merchant]
}

func HasAccount(tx *chain.ParsedTransaction, key string) bool {
	if tx == nil {
		return false
	}
	for _, k := range tx.AccountKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Satisfies reports whether a credited delta covers amount, less epsilon.
func Satisfies(delta, amount, epsilon decimal.Decimal) bool {
	return delta.GreaterThanOrEqual(amount.Sub(epsilon))
}

func WithinTolerance(observed, amount, tolerance decimal.Decimal) bool {
	return observed.Sub(amount).Abs().LessThanOrEqual(tolerance)
}

// FromBaseUnits converts an integer base-unit amount to UI units.
func FromBaseUnits(raw decimal.Decimal, decimals int) decimal.Decimal {
	return raw.Shift(int32(-decimals))
}
