package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
)

const (
	DefaultPaymasterValidity  = 600 * time.Second
	DefaultStalenessThreshold = 30 * time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultReceiptAttempts    = 30
	DefaultPollInterval       = time.Second
	DefaultMaxPollInterval    = 5 * time.Second
	DefaultLogLookback        = 200
	DefaultBalanceCacheTTL    = 60 * time.Second
	DefaultBackupDir          = "./backup"
	DefaultPriceURL           = "https://coins.llama.fi"
	DefaultFiatURL            = "https://criptoya.com"
	DefaultPriceTTL           = 10 * time.Minute
	DefaultFiatTTL            = time.Hour

	ReceiptSourceLogs    = "logs"
	ReceiptSourceBundler = "bundler"
)

// Config is the validated, parsed runtime configuration.
type Config struct {
	Environment       string
	DbPath            string
	MetricsAddress    string
	NotifyURL         string
	JwtSecret         []byte
	PaymasterValidity time.Duration
	BalanceCacheTTL   time.Duration

	Gate    GateConfig
	Receipt ReceiptConfig
	Backup  BackupConfig
	Prices  PriceConfig

	Users    map[string]*ecdsa.PrivateKey
	Networks map[string]*ChainConfig
}

type GateConfig struct {
	StalenessThreshold time.Duration
	SweepInterval      time.Duration
}

// BackupConfig enables periodic database snapshots when Interval is non-zero.
type BackupConfig struct {
	Dir      string
	Interval time.Duration
}

// PriceConfig points at the DeFi Llama price API and the criptoya USD/ARS quote.
type PriceConfig struct {
	URL     string
	FiatURL string
	TTL     time.Duration
	FiatTTL time.Duration
}

type ReceiptConfig struct {
	Source          string
	MaxAttempts     int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	LogLookback     uint64
}

// ChainConfig is everything the engine needs to operate on one network.
type ChainConfig struct {
	Name       string
	ChainID    *big.Int
	RpcURL     string
	BundlerURL string
	Explorer   string
	Logo       string

	Entrypoint  common.Address
	Factory     common.Address
	Paymaster   common.Address
	SwapRouter  common.Address
	NFTContract common.Address

	PaymasterKey *ecdsa.PrivateKey
	FunderKey    *ecdsa.PrivateKey

	PackedGas bool
	Tokens    map[string]Token
	Policies  map[string]GasPolicy
}

// Token resolves a symbol ("usdt") or a hex address to a known token.
func (c *ChainConfig) Token(symbolOrAddress string) (Token, bool) {
	if t, ok := c.Tokens[strings.ToLower(symbolOrAddress)]; ok {
		return t, true
	}
	if !common.IsHexAddress(symbolOrAddress) {
		return Token{}, false
	}
	addr := common.HexToAddress(symbolOrAddress)
	return lo.Find(lo.Values(c.Tokens), func(t Token) bool { return t.Address == addr })
}

// Policy returns the gas policy for an operation kind, or the network's default.
func (c *ChainConfig) Policy(kind string) GasPolicy {
	if p, ok := c.Policies[kind]; ok {
		return p
	}
	if p, ok := c.Policies["default"]; ok {
		return p
	}
	return DefaultGasPolicy()
}

// These are read from the yaml file
type ConfigRaw struct {
	Environment       string                    `yaml:"environment" validate:"omitempty,oneof=development production"`
	DbPath            string                    `yaml:"db_path" validate:"required"`
	MetricsAddress    string                    `yaml:"metrics_address"`
	NotifyURL         string                    `yaml:"notify_url" validate:"omitempty,url"`
	JwtSecret         string                    `yaml:"jwt_secret"`
	PaymasterValidity time.Duration             `yaml:"paymaster_validity"`
	BalanceCacheTTL   time.Duration             `yaml:"balance_cache_ttl"`
	Gate              GateRaw                   `yaml:"gate"`
	Receipt           ReceiptRaw                `yaml:"receipt"`
	Backup            BackupRaw                 `yaml:"backup"`
	Prices            PricesRaw                 `yaml:"prices"`
	Users             []UserRaw                 `yaml:"users" validate:"dive"`
	Networks          map[string]ChainConfigRaw `yaml:"networks" validate:"required,min=1,dive"`
}

type GateRaw struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

type ReceiptRaw struct {
	Source          string        `yaml:"source" validate:"omitempty,oneof=logs bundler"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=0"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	LogLookback     uint64        `yaml:"log_lookback_blocks"`
}

type BackupRaw struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type PricesRaw struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	FiatURL string        `yaml:"fiat_url" validate:"omitempty,url"`
	TTL     time.Duration `yaml:"ttl"`
	FiatTTL time.Duration `yaml:"fiat_ttl"`
}

type UserRaw struct {
	ID              string `yaml:"id" validate:"required,e164"`
	OwnerPrivateKey string `yaml:"owner_private_key" validate:"required"`
}

type ChainConfigRaw struct {
	ChainID             int64                   `yaml:"chain_id"`
	RpcURL              string                  `yaml:"rpc_url" validate:"omitempty,url"`
	BundlerURL          string                  `yaml:"bundler_url" validate:"required,url"`
	ExplorerURL         string                  `yaml:"explorer_url" validate:"omitempty,url"`
	LogoURL             string                  `yaml:"logo_url" validate:"omitempty,url"`
	EntrypointAddress   string                  `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress      string                  `yaml:"factory_address" validate:"omitempty,eth_addr"`
	PaymasterAddress    string                  `yaml:"paymaster_address" validate:"required,eth_addr"`
	PaymasterPrivateKey string                  `yaml:"paymaster_private_key" validate:"required"`
	FunderPrivateKey    string                  `yaml:"funder_private_key" validate:"required"`
	SwapRouterAddress   string                  `yaml:"swap_router_address" validate:"omitempty,eth_addr"`
	NFTAddress          string                  `yaml:"nft_address" validate:"omitempty,eth_addr"`
	PackedGas           bool                    `yaml:"packed_gas"`
	Tokens              map[string]TokenRaw     `yaml:"tokens" validate:"dive"`
	GasPolicies         map[string]GasPolicyRaw `yaml:"gas_policies" validate:"dive"`
}

// NewConfig reads and validates the yaml file at path.
func NewConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw yaml and builds a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := &Config{
		Environment:       lo.Ternary(raw.Environment == "", "development", raw.Environment),
		DbPath:            raw.DbPath,
		MetricsAddress:    lo.Ternary(raw.MetricsAddress == "", ":9090", raw.MetricsAddress),
		NotifyURL:         raw.NotifyURL,
		JwtSecret:         []byte(raw.JwtSecret),
		PaymasterValidity: durationOr(raw.PaymasterValidity, DefaultPaymasterValidity),
		BalanceCacheTTL:   durationOr(raw.BalanceCacheTTL, DefaultBalanceCacheTTL),
		Gate: GateConfig{
			StalenessThreshold: durationOr(raw.Gate.StalenessThreshold, DefaultStalenessThreshold),
			SweepInterval:      durationOr(raw.Gate.SweepInterval, DefaultSweepInterval),
		},
		Receipt: ReceiptConfig{
			Source:          lo.Ternary(raw.Receipt.Source == "", ReceiptSourceLogs, raw.Receipt.Source),
			MaxAttempts:     lo.Ternary(raw.Receipt.MaxAttempts == 0, DefaultReceiptAttempts, raw.Receipt.MaxAttempts),
			PollInterval:    durationOr(raw.Receipt.PollInterval, DefaultPollInterval),
			MaxPollInterval: durationOr(raw.Receipt.MaxPollInterval, DefaultMaxPollInterval),
			LogLookback:     lo.Ternary(raw.Receipt.LogLookback == 0, uint64(DefaultLogLookback), raw.Receipt.LogLookback),
		},
		Backup: BackupConfig{
			Dir:      lo.Ternary(raw.Backup.Dir == "", DefaultBackupDir, raw.Backup.Dir),
			Interval: raw.Backup.Interval,
		},
		Prices: PriceConfig{
			URL:     lo.Ternary(raw.Prices.URL == "", DefaultPriceURL, raw.Prices.URL),
			FiatURL: lo.Ternary(raw.Prices.FiatURL == "", DefaultFiatURL, raw.Prices.FiatURL),
			TTL:     durationOr(raw.Prices.TTL, DefaultPriceTTL),
			FiatTTL: durationOr(raw.Prices.FiatTTL, DefaultFiatTTL),
		},
		Users:    make(map[string]*ecdsa.PrivateKey, len(raw.Users)),
		Networks: make(map[string]*ChainConfig, len(raw.Networks)),
	}

	for _, u := range raw.Users {
		key, err := parseKey(u.OwnerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("user %s: owner key: %w", u.ID, err)
		}
		cfg.Users[u.ID] = key
	}

	for name, n := range raw.Networks {
		chain, err := buildChain(strings.ToLower(name), n)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		cfg.Networks[chain.Name] = chain
	}

	return cfg, nil
}

func buildChain(name string, raw ChainConfigRaw) (*ChainConfig, error) {
	known, isKnown := KnownNetworks[name]

	chainID := raw.ChainID
	if chainID == 0 {
		if !isKnown {
			return nil, fmt.Errorf("chain_id is required for unknown network")
		}
		chainID = known.ChainID
	}

	rpcURL := raw.RpcURL
	if rpcURL == "" {
		if !isKnown {
			return nil, fmt.Errorf("rpc_url is required for unknown network")
		}
		rpcURL = known.RpcURL
	}

	paymasterKey, err := parseKey(raw.PaymasterPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("paymaster key: %w", err)
	}
	funderKey, err := parseKey(raw.FunderPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("funder key: %w", err)
	}

	tokens := make(map[string]Token)
	if isKnown {
		for sym, t := range known.Tokens {
			tokens[sym] = t
		}
	}
	for sym, t := range raw.Tokens {
		tokens[strings.ToLower(sym)] = Token{Symbol: strings.ToLower(sym), Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
	}

	policies := make(map[string]GasPolicy, len(raw.GasPolicies))
	for kind, p := range raw.GasPolicies {
		policy, err := p.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("gas policy %s: %w", kind, err)
		}
		policies[kind] = policy
	}

	return &ChainConfig{
		Name:         name,
		ChainID:      big.NewInt(chainID),
		RpcURL:       rpcURL,
		BundlerURL:   raw.BundlerURL,
		Explorer:     lo.Ternary(raw.ExplorerURL == "", known.Explorer, raw.ExplorerURL),
		Logo:         lo.Ternary(raw.LogoURL == "", known.Logo, raw.LogoURL),
		Entrypoint:   addressOr(raw.EntrypointAddress, aa.EntrypointV06),
		Factory:      addressOr(raw.FactoryAddress, aa.DefaultFactory),
		Paymaster:    common.HexToAddress(raw.PaymasterAddress),
		SwapRouter:   addressOr(raw.SwapRouterAddress, known.SwapRouter),
		NFTContract:  common.HexToAddress(raw.NFTAddress),
		PaymasterKey: paymasterKey,
		FunderKey:    funderKey,
		PackedGas:    raw.PackedGas,
		Tokens:       tokens,
		Policies:     policies,
	}, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

func addressOr(hex string, fallback common.Address) common.Address {
	if hex == "" {
		return fallback
	}
	return common.HexToAddress(hex)
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
