package aa

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// EntrypointV06 is the canonical v0.6 verifier deployment.
	EntrypointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	// DefaultFactory is the SimpleAccountFactory used when a network does not override it.
	DefaultFactory = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
)

const entryPointABIJSON = `[
	{"inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"name":"getNonce","outputs":[{"name":"nonce","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"depositTo","outputs":[],"stateMutability":"payable","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"userOpHash","type":"bytes32"},
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":true,"name":"paymaster","type":"address"},
		{"indexed":false,"name":"nonce","type":"uint256"},
		{"indexed":false,"name":"success","type":"bool"},
		{"indexed":false,"name":"actualGasCost","type":"uint256"},
		{"indexed":false,"name":"actualGasUsed","type":"uint256"}],"name":"UserOperationEvent","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"userOpHash","type":"bytes32"},
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"nonce","type":"uint256"},
		{"indexed":false,"name":"revertReason","type":"bytes"}],"name":"UserOperationRevertReason","type":"event"}
]`

const factoryABIJSON = `[
	{"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"createAccount","outputs":[{"name":"ret","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"getAddress","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const accountABIJSON = `[
	{"inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABIJSON = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const routerABIJSON = `[
	{"inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

const nftABIJSON = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"}],"name":"safeMint","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	entryPointABI = mustParseABI("entrypoint", entryPointABIJSON)
	factoryABI    = mustParseABI("factory", factoryABIJSON)
	accountABI    = mustParseABI("account", accountABIJSON)
	erc20ABI      = mustParseABI("erc20", erc20ABIJSON)
	routerABI     = mustParseABI("router", routerABIJSON)
	nftABI        = mustParseABI("nft", nftABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("invalid %s ABI: %w", name, err))
	}
	return parsed
}
