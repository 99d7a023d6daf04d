// Package services holds read-side helpers shared by the engine and the CLI.
package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ChainReader is the subset of ethclient.Client used for balance reads.
type ChainReader interface {
	bind.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// BalanceService reads native and ERC-20 balances for one network. Cached
// reads are served from bigcache for the cache's life window.
type BalanceService struct {
	chain  *config.ChainConfig
	client ChainReader
	cache  *bigcache.BigCache
	logger logger.Logger
}

// NewBalanceService accepts a nil cache, in which case every read hits the chain.
func NewBalanceService(chain *config.ChainConfig, client ChainReader, cache *bigcache.BigCache, l logger.Logger) *BalanceService {
	return &BalanceService{
		chain:  chain,
		client: client,
		cache:  cache,
		logger: logger.EnsureLogger(l),
	}
}

// NativeToken describes the network's gas token.
func NativeToken() config.Token {
	return config.Token{Symbol: config.NativeToken, Decimals: 18}
}

func IsNative(t config.Token) bool {
	return t.Symbol == config.NativeToken || t.Address == (common.Address{})
}

// ResolveToken looks up a symbol or address, accepting "native" for the gas token.
func (s *BalanceService) ResolveToken(symbolOrAddress string) (config.Token, error) {
	if symbolOrAddress == config.NativeToken {
		return NativeToken(), nil
	}
	t, ok := s.chain.Token(symbolOrAddress)
	if !ok {
		return config.Token{}, fmt.Errorf("unknown token %q on %s", symbolOrAddress, s.chain.Name)
	}
	return t, nil
}

// Balance returns a possibly cached balance.
func (s *BalanceService) Balance(ctx context.Context, token config.Token, holder common.Address) (*big.Int, error) {
	key := s.cacheKey(token, holder)
	if s.cache != nil {
		if data, err := s.cache.Get(key); err == nil {
			return new(big.Int).SetBytes(data), nil
		} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
			s.logger.Warn("balance cache read failed", "key", key, "error", err)
		}
	}
	return s.FreshBalance(ctx, token, holder)
}

// FreshBalance always reads the chain and refreshes the cache.
func (s *BalanceService) FreshBalance(ctx context.Context, token config.Token, holder common.Address) (*big.Int, error) {
	var (
		amount *big.Int
		err    error
	)
	if IsNative(token) {
		amount, err = s.client.BalanceAt(ctx, holder, nil)
	} else {
		amount, err = aa.ERC20BalanceOf(ctx, s.client, token.Address, holder)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s balance of %s: %w", token.Symbol, holder.Hex(), err)
	}

	if s.cache != nil {
		if err := s.cache.Set(s.cacheKey(token, holder), amount.Bytes()); err != nil {
			s.logger.Warn("balance cache write failed", "error", err)
		}
	}
	return amount, nil
}

// Balances returns the native balance and every configured token's balance,
// keyed by symbol. A token whose read fails is logged and omitted.
func (s *BalanceService) Balances(ctx context.Context, holder common.Address) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(s.chain.Tokens)+1)

	native, err := s.Balance(ctx, NativeToken(), holder)
	if err != nil {
		return nil, err
	}
	out[config.NativeToken] = native

	for sym, t := range s.chain.Tokens {
		amount, err := s.Balance(ctx, t, holder)
		if err != nil {
			s.logger.Warn("skip token balance", "token", sym, "holder", holder.Hex(), "error", err)
			continue
		}
		out[sym] = amount
	}
	return out, nil
}

func (s *BalanceService) cacheKey(token config.Token, holder common.Address) string {
	return fmt.Sprintf("%s:%s:%s", s.chain.Name, token.Address.Hex(), holder.Hex())
}

// FormatAmount renders base units as a human decimal string.
func FormatAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ToBaseUnits parses a human amount such as "12.5" into base units. Amounts
// with more fractional digits than the token supports are rejected.
func ToBaseUnits(human string, decimals int32) (*big.Int, error) {
	return scaleAmount(human, decimals, false)
}

// ToMinimumUnits is ToBaseUnits for lower bounds, where zero is allowed.
func ToMinimumUnits(human string, decimals int32) (*big.Int, error) {
	return scaleAmount(human, decimals, true)
}

func scaleAmount(human string, decimals int32, allowZero bool) (*big.Int, error) {
	d, err := decimal.NewFromString(human)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, human)
	}
	if d.IsNegative() || (d.IsZero() && !allowZero) {
		if allowZero {
			return nil, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
		}
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d decimals", ErrInvalidAmount, decimals)
	}
	return scaled.BigInt(), nil
}
