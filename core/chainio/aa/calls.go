package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// PackExecute builds account calldata for a single call.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	if calldata == nil {
		calldata = []byte{}
	}
	return accountABI.Pack("execute", target, value, calldata)
}

// PackExecuteBatch builds account calldata for several value-less calls.
func PackExecuteBatch(targets []common.Address, calldatas [][]byte) ([]byte, error) {
	if len(targets) != len(calldatas) {
		return nil, fmt.Errorf("executeBatch: %d targets but %d calldatas", len(targets), len(calldatas))
	}
	return accountABI.Pack("executeBatch", targets, calldatas)
}

func PackERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

func PackERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackSwapExactTokensForTokens targets a UniswapV2-style router.
func PackSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
}

func PackSafeMint(to common.Address, uri string) ([]byte, error) {
	return nftABI.Pack("safeMint", to, uri)
}

// ERC20BalanceOf reads token.balanceOf(holder).
func ERC20BalanceOf(ctx context.Context, caller bind.ContractCaller, token, holder common.Address) (*big.Int, error) {
	contract := bind.NewBoundContract(token, erc20ABI, caller, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	return out[0].(*big.Int), nil
}
