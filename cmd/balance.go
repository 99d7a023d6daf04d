package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	walletconfig "github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/services"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

var (
	allNetworks bool

	balanceCmd = &cobra.Command{
		Use:   "balance",
		Short: "Show the smart wallet address and token balances of a user",
		Long: `Show the smart wallet address and token balances of a user.

Use --all to read every configured network and value the holdings in USD
and ARS, with prices from DeFi Llama and the USD/ARS rate from criptoya.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			wallet, err := s.rt.Engine.Wallet(cmd.Context(), userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wallet:   %s\n", wallet.Address.Hex())
			fmt.Fprintf(out, "owner:    %s\n", wallet.Owner.Hex())
			fmt.Fprintf(out, "deployed: %v\n", wallet.Deployed)

			if allNetworks {
				return showPortfolio(cmd.Context(), out, s, *wallet.Address)
			}

			balances, err := s.rt.Balances.Balances(cmd.Context(), *wallet.Address)
			if err != nil {
				return err
			}
			symbols := make([]string, 0, len(balances))
			for sym := range balances {
				symbols = append(symbols, sym)
			}
			sort.Strings(symbols)
			for _, sym := range symbols {
				tok, err := s.rt.Balances.ResolveToken(sym)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-8s  %s\n", sym, services.FormatAmount(balances[sym], tok.Decimals))
			}
			return nil
		},
	}

	pricesCmd = &cobra.Command{
		Use:   "prices",
		Short: "Show USD token prices on every network and the USD/ARS rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := walletconfig.NewConfig(config)
			if err != nil {
				return err
			}
			l, err := logger.New(cfg.Environment)
			if err != nil {
				return err
			}
			prices, err := services.NewPriceService(contextOf(cmd), cfg.Prices, l)
			if err != nil {
				return err
			}
			defer prices.Close()
			return renderPrices(contextOf(cmd), cmd.OutOrStdout(), prices, cfg.Networks)
		},
	}

	networksCmd = &cobra.Command{
		Use:   "networks",
		Short: "List configured networks with their explorer and tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := walletconfig.NewConfig(config)
			if err != nil {
				return err
			}
			renderNetworks(cmd.OutOrStdout(), cfg.Networks)
			return nil
		},
	}
)

// showPortfolio dials every configured network. The wallet address comes
// from the session network and is the same on all of them.
func showPortfolio(ctx context.Context, out io.Writer, s *session, holder common.Address) error {
	prices, err := services.NewPriceService(ctx, s.cfg.Prices, s.logger)
	if err != nil {
		return err
	}
	defer prices.Close()

	cacheConfig := bigcache.DefaultConfig(s.cfg.BalanceCacheTTL)
	cacheConfig.Verbose = false
	cache, err := bigcache.New(ctx, cacheConfig)
	if err != nil {
		return fmt.Errorf("balance cache: %w", err)
	}
	defer cache.Close()

	readers := make([]*services.BalanceService, 0, len(s.cfg.Networks))
	for _, chain := range s.cfg.Networks {
		client, err := ethclient.DialContext(ctx, chain.RpcURL)
		if err != nil {
			s.logger.Warn("skip network", "network", chain.Name, "error", err)
			continue
		}
		defer client.Close()
		readers = append(readers, services.NewBalanceService(chain, client, cache, s.logger))
	}

	portfolio, err := services.Aggregate(ctx, holder, readers, prices)
	if err != nil {
		return err
	}
	renderPortfolio(out, portfolio)
	return nil
}

func renderPortfolio(w io.Writer, p *services.Portfolio) {
	for _, n := range p.Networks {
		if n.Err != nil {
			fmt.Fprintf(w, "\n%s: unavailable (%v)\n", n.Network, n.Err)
			continue
		}
		fmt.Fprintf(w, "\n%s: $%s\n", n.Network, n.ValueUSD.StringFixed(2))
		for _, h := range n.Holdings {
			fmt.Fprintf(w, "  %-8s  %s  @ $%s = $%s\n", h.Symbol, h.Amount.String(), h.PriceUSD.String(), h.ValueUSD.StringFixed(2))
		}
	}
	fmt.Fprintf(w, "\ntotal:    $%s\n", p.TotalUSD.StringFixed(2))
	fmt.Fprintf(w, "USD/ARS:  %s\n", p.USDToARS.String())
	fmt.Fprintf(w, "total:    ARS %s\n", p.TotalARS.StringFixed(2))
}

func renderPrices(ctx context.Context, w io.Writer, prices *services.PriceService, networks map[string]*walletconfig.ChainConfig) error {
	all, err := prices.AllPrices(ctx, networks)
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(all) {
		fmt.Fprintf(w, "%s\n", name)
		for _, sym := range sortedKeys(all[name]) {
			fmt.Fprintf(w, "  %-8s  $%s\n", sym, all[name][sym].String())
		}
	}

	rate, err := prices.USDToARS(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "USD/ARS   %s\n", rate.String())
	return nil
}

func renderNetworks(w io.Writer, networks map[string]*walletconfig.ChainConfig) {
	for _, name := range sortedKeys(networks) {
		chain := networks[name]
		fmt.Fprintf(w, "%s (chain id %s)\n", name, chain.ChainID)
		fmt.Fprintf(w, "  explorer: %s\n", orDash(chain.Explorer))
		fmt.Fprintf(w, "  logo:     %s\n", orDash(chain.Logo))
		for _, sym := range sortedKeys(chain.Tokens) {
			t := chain.Tokens[sym]
			fmt.Fprintf(w, "  %-8s  %s  decimals=%d\n", strings.ToUpper(sym), t.Address.Hex(), t.Decimals)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	balanceCmd.Flags().StringVarP(&userID, "user", "u", "", "E.164 phone number of the user")
	balanceCmd.Flags().BoolVar(&allNetworks, "all", false, "Value balances on every configured network in USD and ARS")
	balanceCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(networksCmd)
}
