package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"CharonPOS/internal/backoff"
	"CharonPOS/internal/chain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr          = ":3000"
	DefaultCORSOrigin    = "http://localhost:5173"
	DefaultUSDCMint      = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultTokenDecimals = 6
	DefaultLabel         = "Charon POS"
	defaultPath          = "configs/config.yaml"
)

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Chain struct {
		RPCEndpoints         []string `yaml:"rpc_endpoints"`
		WSEndpoints          []string `yaml:"ws_endpoints"`
		Commitment           string   `yaml:"commitment"`
		RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
	} `yaml:"chain"`
	Merchant struct {
		Wallet    string `yaml:"wallet"`
		TokenMint string `yaml:"token_mint"`
		Decimals  int    `yaml:"decimals"`
		Label     string `yaml:"label"`
	} `yaml:"merchant"`
	Reconcile struct {
		WarmupMillis      int64           `yaml:"warmup_ms"`
		BaseBackoffMillis int64           `yaml:"base_backoff_ms"`
		MaxBackoffMillis  int64           `yaml:"max_backoff_ms"`
		JitterMillis      int64           `yaml:"jitter_ms"`
		ParseSlots        int64           `yaml:"parse_slots"`
		Epsilon           decimal.Decimal `yaml:"epsilon"`
		MatchTolerance    decimal.Decimal `yaml:"match_tolerance"`
	} `yaml:"reconcile"`
	Worker struct {
		SweepIntervalSeconds int64 `yaml:"sweep_interval_seconds"`
		// StreamEnabled starts the logs subscription. Without ws endpoints the
		// first RPC endpoint's ws equivalent is used.
		StreamEnabled bool `yaml:"stream_enabled"`
	} `yaml:"worker"`
	Webhook struct {
		// Token, when set, must match the X-Webhook-Token header.
		Token string `yaml:"token"`
	} `yaml:"webhook"`
}

// Load reads the yaml file at path, then CONFIG_PATH, then the default
// location. Only an explicitly named file has to exist.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = defaultPath
		explicit = false
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if len(cfg.Chain.RPCEndpoints) == 0 {
		return nil, errors.New("chain.rpc_endpoints is required")
	}
	if cfg.Merchant.Wallet != "" && !chain.ValidAddress(cfg.Merchant.Wallet) {
		return nil, fmt.Errorf("merchant.wallet %q is not a valid address", cfg.Merchant.Wallet)
	}
	if !chain.ValidAddress(cfg.Merchant.TokenMint) {
		return nil, fmt.Errorf("merchant.token_mint %q is not a valid address", cfg.Merchant.TokenMint)
	}
	if cfg.Merchant.Decimals < 0 || cfg.Merchant.Decimals > 18 {
		return nil, errors.New("merchant.decimals out of range")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigins = splitCommaList(v)
	}
	if v := os.Getenv("QUICKNODE_RPC_URL"); v != "" {
		cfg.Chain.RPCEndpoints = []string{v}
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("RPC_COMMITMENT"); v != "" {
		cfg.Chain.Commitment = v
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}
	if v := os.Getenv("MERCHANT_WALLET_ADDRESS"); v != "" {
		cfg.Merchant.Wallet = v
	}
	if v := os.Getenv("USDC_MINT"); v != "" {
		cfg.Merchant.TokenMint = v
	}
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		cfg.Merchant.Decimals = atoiOr(cfg.Merchant.Decimals, v)
	}
	if v := os.Getenv("PAYMENT_LABEL"); v != "" {
		cfg.Merchant.Label = v
	}
	if v := os.Getenv("RECONCILE_PARSE_SLOTS"); v != "" {
		cfg.Reconcile.ParseSlots = atoi64Or(cfg.Reconcile.ParseSlots, v)
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.SweepIntervalSeconds = atoi64Or(cfg.Worker.SweepIntervalSeconds, v)
	}
	if v := os.Getenv("STREAM_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.StreamEnabled = b
		}
	}
	if v := os.Getenv("WEBHOOK_TOKEN"); v != "" {
		cfg.Webhook.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{DefaultCORSOrigin}
	}
	if cfg.Chain.Commitment == "" {
		cfg.Chain.Commitment = chain.DefaultCommitment
	}
	if cfg.Chain.RPCFailoverThreshold <= 0 {
		cfg.Chain.RPCFailoverThreshold = 3
	}
	if cfg.Merchant.TokenMint == "" {
		cfg.Merchant.TokenMint = DefaultUSDCMint
	}
	if cfg.Merchant.Decimals == 0 {
		cfg.Merchant.Decimals = DefaultTokenDecimals
	}
	if cfg.Merchant.Label == "" {
		cfg.Merchant.Label = DefaultLabel
	}
	if cfg.Reconcile.ParseSlots <= 0 {
		cfg.Reconcile.ParseSlots = 2
	}
	if cfg.Reconcile.JitterMillis == 0 {
		cfg.Reconcile.JitterMillis = backoff.DefaultJitter.Milliseconds()
	}
	if cfg.Worker.SweepIntervalSeconds <= 0 {
		cfg.Worker.SweepIntervalSeconds = 15
	}
}

// BackoffPolicy converts the millisecond settings. Zero values fall back to
// the policy defaults; a negative jitter disables jitter.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:   millis(c.Reconcile.BaseBackoffMillis),
		Max:    millis(c.Reconcile.MaxBackoffMillis),
		Jitter: millis(max(0, c.Reconcile.JitterMillis)),
	}
}

func (c *Config) Warmup() time.Duration {
	return millis(c.Reconcile.WarmupMillis)
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Worker.SweepIntervalSeconds) * time.Second
}

// StreamEndpoint returns the websocket endpoint for the logs subscription,
// or "" when streaming is off.
func (c *Config) StreamEndpoint() string {
	if !c.Worker.StreamEnabled {
		return ""
	}
	if len(c.Chain.WSEndpoints) > 0 {
		return c.Chain.WSEndpoints[0]
	}
	return chain.DefaultWSEndpoint(c.Chain.RPCEndpoints[0])
}

func millis(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
