package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

const (
	testMerchant = "BfbvQP92h3HQ7a8h7gCnyRZPfkvUnEH9uW6VshgaFT9A"
	testPayer    = "AWxggjuZRmWULwxwPeM6ZZxRtdDdekVq22mFRx2QbW7U"
	testMint     = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

const parsedTxJSON = `{
  "slot": 250000000,
  "blockTime": 1700000000,
  "meta": {
    "err": null,
    "preTokenBalances": [
      {"accountIndex": 1, "mint": "` + testMint + `", "owner": "` + testPayer + `", "uiTokenAmount": {"amount": "20000000", "decimals": 6, "uiAmountString": "20"}},
      {"accountIndex": 2, "mint": "` + testMint + `", "owner": "` + testMerchant + `", "uiTokenAmount": {"amount": "1000000", "decimals": 6, "uiAmountString": "1"}}
    ],
    "postTokenBalances": [
      {"accountIndex": 1, "mint": "` + testMint + `", "owner": "` + testPayer + `", "uiTokenAmount": {"amount": "10000000", "decimals": 6, "uiAmountString": "10"}},
      {"accountIndex": 2, "mint": "` + testMint + `", "owner": "` + testMerchant + `", "uiTokenAmount": {"amount": "11000000", "decimals": 6}}
    ]
  },
  "transaction": {
    "signatures": ["sig-1"],
    "message": {
      "accountKeys": [
        {"pubkey": "` + testPayer + `", "signer": true, "writable": true},
        {"pubkey": "` + testMerchant + `", "signer": false, "writable": false}
      ]
    }
  }
}`

func rpcServer(t *testing.T, handle func(method string, params []json.RawMessage) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     string            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.ID == "" {
			t.Errorf("request id missing")
		}
		status, out := handle(req.Method, req.Params)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRecentSignatures(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (int, string) {
		if method != "getSignaturesForAddress" {
			t.Errorf("method = %s", method)
		}
		var addr string
		_ = json.Unmarshal(params[0], &addr)
		if addr != testMerchant {
			t.Errorf("address = %s", addr)
		}
		if !strings.Contains(string(params[1]), `"limit":1`) {
			t.Errorf("limit not sent: %s", params[1])
		}
		return http.StatusOK, `{"jsonrpc":"2.0","id":"x","result":[{"signature":"abc","slot":1,"err":null}]}`
	})

	sigs, err := NewRPCClient(srv.URL).RecentSignatures(context.Background(), testMerchant, 1)
	if err != nil {
		t.Fatalf("RecentSignatures: %v", err)
	}
	if len(sigs) != 1 || sigs[0] != "abc" {
		t.Fatalf("sigs = %v", sigs)
	}
}

func TestParsedTransaction(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (int, string) {
		if !strings.Contains(string(params[1]), `"jsonParsed"`) {
			t.Errorf("encoding not requested: %s", params[1])
		}
		return http.StatusOK, `{"jsonrpc":"2.0","id":"x","result":` + parsedTxJSON + `}`
	})

	tx, err := NewRPCClient(srv.URL).ParsedTransaction(context.Background(), "sig-1")
	if err != nil {
		t.Fatalf("ParsedTransaction: %v", err)
	}
	if tx.Signature != "sig-1" || tx.Failed {
		t.Fatalf("unexpected tx header: %+v", tx)
	}
	if len(tx.AccountKeys) != 2 || tx.AccountKeys[1] != testMerchant {
		t.Fatalf("account keys = %v", tx.AccountKeys)
	}
	if !tx.PostTokenBalances[1].Amount.Equal(decimal.RequireFromString("11")) {
		t.Fatalf("amount from base units = %s", tx.PostTokenBalances[1].Amount)
	}
	if tx.BlockTime.Unix() != 1700000000 {
		t.Fatalf("block time = %v", tx.BlockTime)
	}
}

func TestParsedTransactionMissing(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","id":"x","result":null}`
	})
	tx, err := NewRPCClient(srv.URL).ParsedTransaction(context.Background(), "sig")
	if err != nil || tx != nil {
		t.Fatalf("want nil,nil got %v,%v", tx, err)
	}
}

func TestRateLimitClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"http 429", http.StatusTooManyRequests, `Too Many Requests`, true},
		{"rpc code", http.StatusOK, `{"jsonrpc":"2.0","id":"x","error":{"code":429,"message":"slow down"}}`, true},
		{"rpc message", http.StatusOK, `{"jsonrpc":"2.0","id":"x","error":{"code":-32005,"message":"Too many requests for a specific RPC call"}}`, true},
		{"other rpc error", http.StatusOK, `{"jsonrpc":"2.0","id":"x","error":{"code":-32602,"message":"invalid param"}}`, false},
		{"http 500", http.StatusInternalServerError, `boom`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := rpcServer(t, func(string, []json.RawMessage) (int, string) { return tc.status, tc.body })
			_, err := NewRPCClient(srv.URL).RecentSignatures(context.Background(), testMerchant, 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsRateLimited(err); got != tc.want {
				t.Fatalf("IsRateLimited(%v) = %v, want %v", err, got, tc.want)
			}
		})
	}
}

func TestIsRateLimitedText(t *testing.T) {
	if !IsRateLimited(errors.New("server responded with 429")) {
		t.Fatal("textual 429 not recognised")
	}
	if !IsRateLimited(fmt.Errorf("wrapped: %w", ErrRateLimited)) {
		t.Fatal("wrapped sentinel not recognised")
	}
	if IsRateLimited(nil) || IsRateLimited(errors.New("connection reset")) {
		t.Fatal("false positive")
	}
}

func TestMultiRPCFailover(t *testing.T) {
	var badCalls atomic.Int32
	bad := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		badCalls.Add(1)
		return http.StatusTooManyRequests, ""
	})
	good := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","id":"x","result":[{"signature":"ok"}]}`
	})

	m, err := NewMultiRPCClient([]string{bad.URL, " " + bad.URL + "/", good.URL}, 3, "")
	if err != nil {
		t.Fatalf("NewMultiRPCClient: %v", err)
	}
	sigs, err := m.RecentSignatures(context.Background(), testMerchant, 1)
	if err != nil || len(sigs) != 1 {
		t.Fatalf("failover result %v, %v", sigs, err)
	}
	if m.BaseURL() != good.URL {
		t.Fatalf("current endpoint = %s", m.BaseURL())
	}
	if badCalls.Load() != 1 {
		t.Fatalf("duplicate endpoint not collapsed, bad calls = %d", badCalls.Load())
	}
}

func TestMultiRPCAllFailing(t *testing.T) {
	bad := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return http.StatusTooManyRequests, ""
	})
	m, _ := NewMultiRPCClient([]string{bad.URL}, 1, "")
	_, err := m.ParsedTransaction(context.Background(), "sig")
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if _, err := NewMultiRPCClient(nil, 0, ""); err == nil {
		t.Fatal("expected error for empty endpoints")
	}
}

func TestDecodeTransactionStringKeys(t *testing.T) {
	raw := `{"meta":{"err":{"InstructionError":[0,"Custom"]},"loadedAddresses":{"writable":["w1"],"readonly":["r1"]}},
	  "transaction":{"signatures":["s"],"message":{"accountKeys":["a","b"]}}}`
	tx, err := DecodeTransaction(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if !tx.Failed {
		t.Fatal("failed tx not flagged")
	}
	if strings.Join(tx.AccountKeys, ",") != "a,b,w1,r1" {
		t.Fatalf("keys = %v", tx.AccountKeys)
	}
	if _, err := DecodeTransaction(json.RawMessage(`{"meta":{}}`)); err == nil {
		t.Fatal("expected error without transaction")
	}
}
