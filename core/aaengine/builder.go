package aaengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/services"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

// Accounts builds the user directory and keyring from configured owner keys.
func Accounts(cfg *config.Config) (StaticDirectory, *signer.Keyring) {
	dir := make(StaticDirectory, len(cfg.Users))
	keys := signer.NewKeyring()
	for id, key := range cfg.Users {
		dir[id] = &model.User{ID: id, Owner: crypto.PubkeyToAddress(key.PublicKey)}
		keys.Add(id, signer.NewPrivateKeySigner(key))
	}
	return dir, keys
}

// Runtime is an Engine plus the clients it owns.
type Runtime struct {
	Engine   *Engine
	Balances *services.BalanceService
	Client   *ethclient.Client
	Bundler  *bundler.BundlerClient
	cache    *bigcache.BigCache
}

func (r *Runtime) Close() {
	r.Client.Close()
	if r.cache != nil {
		r.cache.Close()
	}
}

// BundlerInfo is what the startup check asks a bundler.
// *bundler.BundlerClient satisfies it.
type BundlerInfo interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
}

// CheckBundler fails when the bundler submits to another chain or does not
// serve the configured entrypoint.
func CheckBundler(ctx context.Context, b BundlerInfo, chain *config.ChainConfig) error {
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%s bundler chain id: %w", chain.Name, err)
	}
	if chainID.Cmp(chain.ChainID) != 0 {
		return fmt.Errorf("%s bundler is on chain %s, expected %s", chain.Name, chainID, chain.ChainID)
	}

	entrypoints, err := b.SupportedEntryPoints(ctx)
	if err != nil {
		return fmt.Errorf("%s bundler entrypoints: %w", chain.Name, err)
	}
	for _, ep := range entrypoints {
		if ep == chain.Entrypoint {
			return nil
		}
	}
	return fmt.Errorf("%s bundler does not serve entrypoint %s (serves %v)", chain.Name, chain.Entrypoint.Hex(), entrypoints)
}

// Build dials the network's node and bundler and wires an Engine.
func Build(ctx context.Context, cfg *config.Config, network string, db storage.Storage, notifier Notifier, m metrics.MetricsGenerator, l logger.Logger) (*Runtime, error) {
	chain, ok := cfg.Networks[network]
	if !ok {
		return nil, fmt.Errorf("network %s is not configured", network)
	}
	l = logger.EnsureLogger(l)

	client, err := ethclient.DialContext(ctx, chain.RpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", network, err)
	}

	opts := bundler.DefaultOptions
	if chain.PackedGas {
		opts.Format = bundler.WirePacked
	}
	bundlerClient := bundler.NewBundlerClient(chain.BundlerURL, opts, l)
	if err := CheckBundler(ctx, bundlerClient, chain); err != nil {
		client.Close()
		return nil, err
	}

	var receipts ReceiptSource
	switch cfg.Receipt.Source {
	case config.ReceiptSourceBundler:
		receipts = NewBundlerReceiptSource(bundlerClient)
	default:
		receipts = NewLogReceiptSource(client, chain.Entrypoint, cfg.Receipt.LogLookback)
	}

	cacheConfig := bigcache.DefaultConfig(cfg.BalanceCacheTTL)
	cacheConfig.Verbose = false
	cache, err := bigcache.New(ctx, cacheConfig)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("balance cache: %w", err)
	}
	balances := services.NewBalanceService(chain, client, cache, l)

	entrypoint := aa.NewEntryPoint(chain.Entrypoint, chain.ChainID, client)
	users, keys := Accounts(cfg)

	engine := New(Deps{
		Chain:    chain,
		Client:   client,
		Nonces:   entrypoint,
		Deposits: entrypoint,
		Bundler:  bundlerClient,
		Balances: balances,
		Factory:  aa.NewFactory(chain.Factory, client),
		Receipts: receipts,
		Users:    users,
		Keys:     keys,

		PaymasterSigner: signer.NewPrivateKeySigner(chain.PaymasterKey),
		Funder:          signer.NewPrivateKeySigner(chain.FunderKey),

		DB:       db,
		Notifier: notifier,
		Metrics:  m,
		Logger:   l,

		PaymasterValidity: cfg.PaymasterValidity,
		Gate:              cfg.Gate,
		Receipt:           cfg.Receipt,
	})

	return &Runtime{
		Engine:   engine,
		Balances: balances,
		Client:   client,
		Bundler:  bundlerClient,
		cache:    cache,
	}, nil
}
