package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

const fiatCacheKey = "usd_ars"

// PriceService quotes token prices in USD from DeFi Llama and the USD/ARS
// rate from criptoya. Prices and the rate are cached separately, each for
// its configured TTL.
type PriceService struct {
	httpClient *resty.Client
	priceURL   string
	fiatURL    string
	prices     *bigcache.BigCache
	fiat       *bigcache.BigCache
	logger     logger.Logger
}

type llamaPricesResponse struct {
	Coins map[string]struct {
		Symbol     string          `json:"symbol"`
		Price      decimal.Decimal `json:"price"`
		Decimals   int             `json:"decimals"`
		Timestamp  int64           `json:"timestamp"`
		Confidence float64         `json:"confidence"`
	} `json:"coins"`
}

type criptoyaQuote struct {
	Ask      decimal.Decimal `json:"ask"`
	TotalAsk decimal.Decimal `json:"totalAsk"`
	Bid      decimal.Decimal `json:"bid"`
	TotalBid decimal.Decimal `json:"totalBid"`
	Time     int64           `json:"time"`
}

func NewPriceService(ctx context.Context, cfg config.PriceConfig, l logger.Logger) (*PriceService, error) {
	prices, err := newTTLCache(ctx, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("price cache: %w", err)
	}
	fiat, err := newTTLCache(ctx, cfg.FiatTTL)
	if err != nil {
		prices.Close()
		return nil, fmt.Errorf("fiat cache: %w", err)
	}

	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeaders(map[string]string{
			"Accept":     "application/json",
			"User-Agent": "ap-wallet",
		})

	return &PriceService{
		httpClient: client,
		priceURL:   strings.TrimRight(cfg.URL, "/"),
		fiatURL:    strings.TrimRight(cfg.FiatURL, "/"),
		prices:     prices,
		fiat:       fiat,
		logger:     logger.EnsureLogger(l),
	}, nil
}

func newTTLCache(ctx context.Context, ttl time.Duration) (*bigcache.BigCache, error) {
	c := bigcache.DefaultConfig(ttl)
	c.Shards = 16
	c.MaxEntriesInWindow = 1024
	c.MaxEntrySize = 512
	c.Verbose = false
	return bigcache.New(ctx, c)
}

func (p *PriceService) Close() {
	p.prices.Close()
	p.fiat.Close()
}

// coinID is the DeFi Llama coin key. The gas token is quoted at the zero address.
func coinID(network string, t config.Token) string {
	addr := t.Address
	if IsNative(t) {
		addr = common.Address{}
	}
	return network + ":" + strings.ToLower(addr.Hex())
}

// Prices returns the USD price of the native token and every configured
// token of chain, keyed by symbol. A coin DeFi Llama does not know is priced
// at zero.
func (p *PriceService) Prices(ctx context.Context, chain *config.ChainConfig) (map[string]decimal.Decimal, error) {
	key := "prices:" + chain.Name
	if data, err := p.prices.Get(key); err == nil {
		var cached map[string]decimal.Decimal
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		p.logger.Warn("discard undecodable cached prices", "network", chain.Name)
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		p.logger.Warn("price cache read failed", "network", chain.Name, "error", err)
	}

	tokens := map[string]config.Token{config.NativeToken: NativeToken()}
	for sym, t := range chain.Tokens {
		tokens[sym] = t
	}
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, coinID(chain.Name, t))
	}

	var body llamaPricesResponse
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetResult(&body).
		Get(p.priceURL + "/prices/current/" + strings.Join(ids, ","))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices for %s: %w", chain.Name, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("price API returned status %d for %s: %s", resp.StatusCode(), chain.Name, resp.String())
	}

	out := make(map[string]decimal.Decimal, len(tokens))
	for sym, t := range tokens {
		coin, ok := body.Coins[coinID(chain.Name, t)]
		if !ok {
			p.logger.Debug("no price for token", "network", chain.Name, "token", sym)
			out[sym] = decimal.Zero
			continue
		}
		out[sym] = coin.Price
	}

	if data, err := json.Marshal(out); err == nil {
		if err := p.prices.Set(key, data); err != nil {
			p.logger.Warn("price cache write failed", "network", chain.Name, "error", err)
		}
	}
	return out, nil
}

// AllPrices returns Prices for every network, keyed by network name.
func (p *PriceService) AllPrices(ctx context.Context, networks map[string]*config.ChainConfig) (map[string]map[string]decimal.Decimal, error) {
	out := make(map[string]map[string]decimal.Decimal, len(networks))
	for name, chain := range networks {
		prices, err := p.Prices(ctx, chain)
		if err != nil {
			return nil, err
		}
		out[name] = prices
	}
	return out, nil
}

// USDToARS returns how many pesos one USD buys, using the total ask for USDT
// on Binance P2P.
func (p *PriceService) USDToARS(ctx context.Context) (decimal.Decimal, error) {
	if data, err := p.fiat.Get(fiatCacheKey); err == nil {
		if rate, err := decimal.NewFromString(string(data)); err == nil {
			return rate, nil
		}
	}

	var quote criptoyaQuote
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetResult(&quote).
		Get(p.fiatURL + "/api/binance/usdt/ars")
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch USD/ARS rate: %w", err)
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("fiat API returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if !quote.TotalAsk.IsPositive() {
		return decimal.Zero, fmt.Errorf("fiat API returned no ask: %s", resp.String())
	}

	if err := p.fiat.Set(fiatCacheKey, []byte(quote.TotalAsk.String())); err != nil {
		p.logger.Warn("fiat cache write failed", "error", err)
	}
	return quote.TotalAsk, nil
}
