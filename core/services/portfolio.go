package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Holding struct {
	Symbol   string
	Amount   decimal.Decimal
	PriceUSD decimal.Decimal
	ValueUSD decimal.Decimal
}

// NetworkHoldings is one network's share of a Portfolio. Err is set instead
// of Holdings when the network could not be read or priced.
type NetworkHoldings struct {
	Network  string
	Holdings []Holding
	ValueUSD decimal.Decimal
	Err      error
}

// Portfolio is a wallet's balances across every network valued in USD and ARS.
type Portfolio struct {
	Holder   common.Address
	Networks []NetworkHoldings
	TotalUSD decimal.Decimal
	USDToARS decimal.Decimal
	TotalARS decimal.Decimal
}

// Aggregate reads holder's balances on every network and values them. A
// network that fails is recorded on its entry and left out of the totals.
func Aggregate(ctx context.Context, holder common.Address, balances []*BalanceService, prices *PriceService) (*Portfolio, error) {
	rate, err := prices.USDToARS(ctx)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{Holder: holder, USDToARS: rate}
	for _, svc := range balances {
		entry := svc.holdings(ctx, holder, prices)
		if entry.Err != nil {
			svc.logger.Warn("skip network in portfolio", "network", entry.Network, "error", entry.Err)
		}
		p.TotalUSD = p.TotalUSD.Add(entry.ValueUSD)
		p.Networks = append(p.Networks, entry)
	}
	sort.Slice(p.Networks, func(i, j int) bool { return p.Networks[i].Network < p.Networks[j].Network })
	p.TotalARS = p.TotalUSD.Mul(rate)
	return p, nil
}

func (s *BalanceService) holdings(ctx context.Context, holder common.Address, prices *PriceService) NetworkHoldings {
	entry := NetworkHoldings{Network: s.chain.Name}

	amounts, err := s.Balances(ctx, holder)
	if err != nil {
		entry.Err = err
		return entry
	}
	quotes, err := prices.Prices(ctx, s.chain)
	if err != nil {
		entry.Err = fmt.Errorf("price %s: %w", s.chain.Name, err)
		return entry
	}

	for sym, raw := range amounts {
		tok, err := s.ResolveToken(sym)
		if err != nil {
			continue
		}
		amount := decimal.NewFromBigInt(raw, -tok.Decimals)
		h := Holding{Symbol: sym, Amount: amount, PriceUSD: quotes[sym]}
		h.ValueUSD = amount.Mul(h.PriceUSD)
		entry.ValueUSD = entry.ValueUSD.Add(h.ValueUSD)
		entry.Holdings = append(entry.Holdings, h)
	}
	sort.Slice(entry.Holdings, func(i, j int) bool { return entry.Holdings[i].Symbol < entry.Holdings[j].Symbol })
	return entry
}
