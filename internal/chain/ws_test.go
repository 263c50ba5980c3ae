package chain

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseLogsNotification(t *testing.T) {
	cases := []struct {
		name    string
		msg     string
		wantSig string
		wantOK  bool
		wantErr bool
	}{
		{
			name:    "notification",
			msg:     `{"jsonrpc":"2.0","method":"logsNotification","params":{"result":{"context":{"slot":5},"value":{"signature":"5h6x","err":null,"logs":[]}},"subscription":7}}`,
			wantSig: "5h6x",
			wantOK:  true,
		},
		{
			name: "failed transaction",
			msg:  `{"jsonrpc":"2.0","method":"logsNotification","params":{"result":{"value":{"signature":"5h6x","err":{"InstructionError":[0,"Custom"]}}}}}`,
		},
		{
			name: "subscription ack",
			msg:  `{"jsonrpc":"2.0","result":23784,"id":1}`,
		},
		{
			name:    "rpc error",
			msg:     `{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params"},"id":1}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			msg:     `not json`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, ok, err := ParseLogsNotification([]byte(tc.msg))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if ok != tc.wantOK || sig != tc.wantSig {
				t.Fatalf("got (%q, %v), want (%q, %v)", sig, ok, tc.wantSig, tc.wantOK)
			}
		})
	}
}

func TestWSClientSubscribe(t *testing.T) {
	received := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"logsNotification","params":{"result":{"value":{"signature":"abc","err":null}}}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewWSClient(DefaultWSEndpoint(srv.URL))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if err := c.SubscribeLogs(ctx, testMerchant, ""); err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}

	select {
	case msg := <-received:
		if !bytes.Contains(msg, []byte(`"logsSubscribe"`)) || !bytes.Contains(msg, []byte(testMerchant)) {
			t.Fatalf("unexpected subscribe payload: %s", msg)
		}
	case <-ctx.Done():
		t.Fatal("subscribe payload not received")
	}

	msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if sig, ok, _ := ParseLogsNotification(msg); !ok || sig != "abc" {
		t.Fatalf("notification parse = %q %v", sig, ok)
	}
}

func TestDefaultWSEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://api.mainnet-beta.solana.com": "wss://api.mainnet-beta.solana.com",
		"http://127.0.0.1:8899":               "ws://127.0.0.1:8899",
		"wss://node.example/abc":              "wss://node.example/abc",
		"node.example":                        "",
	}
	for in, want := range cases {
		if got := DefaultWSEndpoint(in); got != want {
			t.Errorf("DefaultWSEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReferenceGenerator(t *testing.T) {
	var g ReferenceGenerator
	seen := map[string]struct{}{}
	for i := 0; i < 500; i++ {
		ref, err := g.NewReference()
		if err != nil {
			t.Fatalf("NewReference: %v", err)
		}
		if !ValidAddress(ref) {
			t.Fatalf("reference %q is not a 32 byte base58 key", ref)
		}
		if _, dup := seen[ref]; dup {
			t.Fatalf("duplicate reference %q", ref)
		}
		seen[ref] = struct{}{}
	}

	if _, err := (ReferenceGenerator{Entropy: strings.NewReader("short")}).NewReference(); err == nil {
		t.Fatal("expected error from exhausted entropy")
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress(testMint) || !ValidAddress(testMerchant) {
		t.Fatal("known keys rejected")
	}
	for _, bad := range []string{"", "abc", "0OIl", testMint + "x"} {
		if ValidAddress(bad) {
			t.Errorf("ValidAddress(%q) = true", bad)
		}
	}
}
