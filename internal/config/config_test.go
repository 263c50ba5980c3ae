package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const merchant = "BfbvQP92h3HQ7a8h7gCnyRZPfkvUnEH9uW6VshgaFT9A"

var envKeys = []string{
	"CONFIG_PATH", "PORT", "SERVER_ADDR", "CORS_ORIGIN", "QUICKNODE_RPC_URL", "RPC_ENDPOINTS",
	"WS_ENDPOINTS", "RPC_COMMITMENT", "RPC_FAILOVER_THRESHOLD", "MERCHANT_WALLET_ADDRESS",
	"USDC_MINT", "TOKEN_DECIMALS", "PAYMENT_LABEL", "RECONCILE_PARSE_SLOTS",
	"SWEEP_INTERVAL_SECONDS", "STREAM_ENABLED", "WEBHOOK_TOKEN",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromEnvOnly(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("PORT", "8080")
	t.Setenv("QUICKNODE_RPC_URL", "https://example.solana-mainnet.quiknode.pro/abc/")
	t.Setenv("MERCHANT_WALLET_ADDRESS", merchant)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != DefaultCORSOrigin {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Merchant.TokenMint != DefaultUSDCMint || cfg.Merchant.Decimals != 6 || cfg.Merchant.Label != DefaultLabel {
		t.Errorf("merchant defaults = %+v", cfg.Merchant)
	}
	if cfg.Chain.Commitment != "confirmed" || cfg.Chain.RPCFailoverThreshold != 3 {
		t.Errorf("chain defaults = %+v", cfg.Chain)
	}
	if cfg.SweepInterval() != 15*time.Second {
		t.Errorf("sweep interval = %v", cfg.SweepInterval())
	}
	if p := cfg.BackoffPolicy(); p.Jitter != 300*time.Millisecond {
		t.Errorf("jitter = %v", p.Jitter)
	}
	if cfg.StreamEndpoint() != "" {
		t.Errorf("stream should be off by default")
	}
}

func TestLoadFileWithOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  addr: ":9000"
chain:
  rpc_endpoints: ["https://a.example", "https://b.example"]
merchant:
  wallet: "`+merchant+`"
reconcile:
  base_backoff_ms: 500
  max_backoff_ms: 30000
  jitter_ms: -1
  epsilon: "0.0005"
worker:
  stream_enabled: true
webhook:
  token: from-file
`)
	t.Setenv("WEBHOOK_TOKEN", "from-env")
	t.Setenv("CORS_ORIGIN", "https://pos.example, https://admin.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || len(cfg.Chain.RPCEndpoints) != 2 {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Webhook.Token != "from-env" {
		t.Errorf("env override lost: %q", cfg.Webhook.Token)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://admin.example" {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	p := cfg.BackoffPolicy()
	if p.Base != 500*time.Millisecond || p.Max != 30*time.Second || p.Jitter != 0 {
		t.Errorf("policy = %+v", p)
	}
	if !cfg.Reconcile.Epsilon.Equal(decimal.RequireFromString("0.0005")) {
		t.Errorf("epsilon = %s", cfg.Reconcile.Epsilon)
	}
	if got := cfg.StreamEndpoint(); got != "wss://a.example" {
		t.Errorf("stream endpoint = %q", got)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"no rpc", map[string]string{}},
		{"bad merchant", map[string]string{"RPC_ENDPOINTS": "https://a.example", "MERCHANT_WALLET_ADDRESS": "not-a-key"}},
		{"bad mint", map[string]string{"RPC_ENDPOINTS": "https://a.example", "USDC_MINT": "0OIl"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			chdir(t, t.TempDir())
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_ENDPOINTS", "https://a.example")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}
