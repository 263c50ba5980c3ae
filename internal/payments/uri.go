package payments

import (
	"errors"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrMissingRecipient = errors.New("payment uri requires a recipient")

// Request holds the fields of a Solana Pay transfer request.
type Request struct {
	Recipient string
	Amount    decimal.Decimal
	Reference string
	Label     string
	Message   string
	Memo      string
	SPLToken  string
}

// PaymentURI renders r as a solana: transfer request. Wallets parse these
// fields by name, so the names, their order and the two-decimal amount are fixed.
func PaymentURI(r Request) (string, error) {
	if r.Recipient == "" {
		return "", ErrMissingRecipient
	}
	params := [][2]string{
		{"amount", r.Amount.StringFixed(2)},
		{"reference", r.Reference},
		{"label", r.Label},
		{"message", r.Message},
		{"memo", r.Memo},
		{"spl-token", r.SPLToken},
	}
	var b strings.Builder
	b.WriteString("solana:")
	b.WriteString(r.Recipient)
	sep := "?"
	for _, p := range params {
		if p[1] == "" {
			continue
		}
		b.WriteString(sep)
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
		sep = "&"
	}
	return b.String(), nil
}
