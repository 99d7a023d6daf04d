package config

import (
	"github.com/ethereum/go-ethereum/common"
)

type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

type TokenRaw struct {
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Decimals int32  `yaml:"decimals" validate:"gte=0,lte=36"`
}

// NativeToken is the pseudo symbol for the chain's gas token.
const NativeToken = "native"

// KnownNetwork holds public defaults so a config file only needs the
// deployment specific addresses and keys.
type KnownNetwork struct {
	ChainID    int64
	RpcURL     string
	Explorer   string
	Logo       string
	SwapRouter common.Address
	Tokens     map[string]Token
}

func token(symbol, address string, decimals int32) Token {
	return Token{Symbol: symbol, Address: common.HexToAddress(address), Decimals: decimals}
}

var KnownNetworks = map[string]KnownNetwork{
	"polygon": {
		ChainID:    137,
		RpcURL:     "https://polygon-rpc.com",
		Explorer:   "https://polygonscan.com",
		Logo:       "https://cryptofonts.com/img/SVG/matic.svg",
		SwapRouter: common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff"), // QuickSwap
		Tokens: map[string]Token{
			"weth": token("weth", "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", 18),
			"usdc": token("usdc", "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", 6),
			"usdt": token("usdt", "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", 6),
		},
	},
	"arbitrum": {
		ChainID:    42161,
		RpcURL:     "https://arbitrum.llamarpc.com",
		Explorer:   "https://arbiscan.io",
		Logo:       "https://cryptofonts.com/img/SVG/arb.svg",
		SwapRouter: common.HexToAddress("0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506"), // SushiSwap
		Tokens: map[string]Token{
			"weth": token("weth", "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", 18),
			"usdc": token("usdc", "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", 6),
			"usdt": token("usdt", "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", 6),
		},
	},
	"scroll": {
		ChainID:  534352,
		RpcURL:   "https://rpc.scroll.io",
		Explorer: "https://scrollscan.com",
		Logo:     "https://scroll.io/static/media/Scroll_Logomark.673577c8260b63ae56867bc9af6af514.svg",
		Tokens: map[string]Token{
			"weth": token("weth", "0x5300000000000000000000000000000000000004", 18),
			"usdc": token("usdc", "0x06eFdBFf2a14a7c8E15944D1F4A48F9F95F663A4", 6),
			"usdt": token("usdt", "0xf55BEC9cafDbE8730f096Aa55dad6D22d44099Df", 6),
		},
	},
}
