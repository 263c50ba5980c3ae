package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"CharonPOS/internal/models"
)

var ErrMalformed = errors.New("malformed webhook payload")

// Filter selects the transfers the service cares about. Decimals scales
// base-unit amounts.
type Filter struct {
	MerchantWallet string
	TokenMint      string
	Decimals       int
}

// Adapter understands one provider payload shape.
type Adapter interface {
	Name() string
	// Detect reports whether the batch items look like this adapter's shape.
	Detect(items []json.RawMessage) bool
	Events(items []json.RawMessage, f Filter) ([]models.TransferEvent, error)
}

type Interpreter struct {
	filter   Filter
	adapters []Adapter
}

// NewInterpreter tries adapters in order. With none given it uses the
// streams and transfers adapters.
func NewInterpreter(f Filter, adapters ...Adapter) *Interpreter {
	if len(adapters) == 0 {
		adapters = []Adapter{Streams{}, Transfers{}}
	}
	return &Interpreter{filter: f, adapters: adapters}
}

// Interpret turns a webhook body into normalized transfer events credited to
// the filter's merchant. A well-formed batch with no relevant transfers
// yields no events and no error.
func (i *Interpreter) Interpret(body []byte) ([]models.TransferEvent, error) {
	items, err := batch(body)
	if err != nil {
		return nil, err
	}
	for _, a := range i.adapters {
		if !a.Detect(items) {
			continue
		}
		events, err := a.Events(items, i.filter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, a.Name(), err)
		}
		return events, nil
	}
	return nil, fmt.Errorf("%w: unrecognized payload", ErrMalformed)
}

// batch accepts a bare JSON array or an object wrapping it in "data".
func batch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var items []json.RawMessage
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case '{':
		var wrapped struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		items = wrapped.Data
	default:
		return nil, fmt.Errorf("%w: expected an array", ErrMalformed)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	return items, nil
}

// hasKey reports whether any item is an object carrying key.
func hasKey(items []json.RawMessage, key string) bool {
	for _, item := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(item, &obj) != nil {
			continue
		}
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}
