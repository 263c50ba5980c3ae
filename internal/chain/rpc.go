package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrRateLimited = errors.New("rpc rate limited")

const DefaultCommitment = "confirmed"

type RPCClient struct {
	baseURL    string
	commitment string
	client     *http.Client
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		commitment: DefaultCommitment,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// WithCommitment sets the commitment level sent with every query.
func (c *RPCClient) WithCommitment(commitment string) *RPCClient {
	if commitment != "" {
		c.commitment = commitment
	}
	return c
}

// RecentSignatures returns the newest signatures referencing address, newest first.
func (c *RPCClient) RecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	if limit < 1 {
		limit = 1
	}
	params := []any{address, map[string]any{
		"limit":      limit,
		"commitment": c.commitment,
	}}
	var result []rpcSignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result))
	for _, s := range result {
		if s.Signature != "" {
			out = append(out, s.Signature)
		}
	}
	return out, nil
}

// ParsedTransaction fetches a transaction by signature. A nil transaction
// with a nil error means the node does not have it (yet).
func (c *RPCClient) ParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	params := []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"maxSupportedTransactionVersion": 0,
		"commitment":                     c.commitment,
	}}
	var result json.RawMessage
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	tx, err := DecodeTransaction(result)
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", signature, err)
	}
	if tx.Signature == "" {
		tx.Signature = signature
	}
	return tx, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w (http status %d)", method, ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return fmt.Errorf("rpc http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("rpc http status %d", resp.StatusCode)
	}

	var env rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Error != nil {
		if env.Error.rateLimited() {
			return fmt.Errorf("%s: %w: %s", method, ErrRateLimited, env.Error.Message)
		}
		return fmt.Errorf("%s: rpc error %d: %s", method, env.Error.Code, env.Error.Message)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// IsRateLimited reports whether err carries a rate-limit signal, either the
// ErrRateLimited sentinel or the provider's textual 429 message.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// RPC wire types

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) rateLimited() bool {
	if e.Code == 429 || e.Code == -32429 {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "too many requests")
}

type rpcSignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
}
