package aaengine

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/services"
)

type OperationKind string

const (
	Transfer OperationKind = "transfer"
	Swap     OperationKind = "swap"
	Mint     OperationKind = "mint"
)

// Request is a business intent from a user, expressed in human units.
type Request struct {
	UserID  string        `validate:"required,e164"`
	Network string        `validate:"required"`
	Kind    OperationKind `validate:"required,oneof=transfer swap mint"`

	// Token is the asset moved by a transfer or sold by a swap. "native"
	// selects the chain's gas token for transfers.
	Token    string
	TokenOut string
	// Recipient of a transfer or mint. A mint defaults to the sender.
	Recipient    string `validate:"omitempty,eth_addr"`
	Amount       string `validate:"omitempty,numeric"`
	MinAmountOut string `validate:"omitempty,numeric"`
	TokenURI     string `validate:"omitempty,max=2048"`
}

var validate = validator.New()

// intent is a validated Request with amounts in base units.
type intent struct {
	kind      OperationKind
	token     config.Token
	tokenOut  config.Token
	recipient common.Address
	amount    *big.Int
	minOut    *big.Int
	uri       string
}

func invalid(format string, args ...interface{}) *EngineError {
	return newError(KindInvalidInput, fmt.Errorf(format, args...))
}

// parseRequest checks a request against the network without any RPC call.
func parseRequest(req Request, chain *config.ChainConfig) (*intent, error) {
	if err := validate.Struct(req); err != nil {
		return nil, newError(KindInvalidInput, err)
	}

	in := &intent{kind: req.Kind}
	if req.Recipient != "" {
		in.recipient = common.HexToAddress(req.Recipient)
	}

	switch req.Kind {
	case Transfer:
		if in.recipient == (common.Address{}) {
			return nil, invalid("transfer needs a recipient")
		}
		tok, err := resolveToken(chain, req.Token)
		if err != nil {
			return nil, err
		}
		in.token = tok
		if in.amount, err = baseUnits(req.Amount, tok); err != nil {
			return nil, err
		}

	case Swap:
		if chain.SwapRouter == (common.Address{}) {
			return nil, invalid("no swap router configured on %s", chain.Name)
		}
		tokIn, err := resolveToken(chain, req.Token)
		if err != nil {
			return nil, err
		}
		tokOut, err := resolveToken(chain, req.TokenOut)
		if err != nil {
			return nil, err
		}
		if services.IsNative(tokIn) || services.IsNative(tokOut) {
			return nil, invalid("swap supports ERC-20 tokens only")
		}
		if tokIn.Address == tokOut.Address {
			return nil, invalid("swap tokens must differ")
		}
		in.token, in.tokenOut = tokIn, tokOut
		if in.amount, err = baseUnits(req.Amount, tokIn); err != nil {
			return nil, err
		}
		in.minOut = big.NewInt(0)
		if req.MinAmountOut != "" {
			if in.minOut, err = services.ToMinimumUnits(req.MinAmountOut, tokOut.Decimals); err != nil {
				return nil, newError(KindInvalidInput, err)
			}
		}

	case Mint:
		if chain.NFTContract == (common.Address{}) {
			return nil, invalid("no nft contract configured on %s", chain.Name)
		}
		if req.TokenURI == "" {
			return nil, invalid("mint needs a token uri")
		}
		in.uri = req.TokenURI
	}

	return in, nil
}

func resolveToken(chain *config.ChainConfig, symbolOrAddress string) (config.Token, error) {
	if symbolOrAddress == "" {
		return config.Token{}, invalid("token is required")
	}
	if symbolOrAddress == config.NativeToken {
		return services.NativeToken(), nil
	}
	t, ok := chain.Token(symbolOrAddress)
	if !ok {
		return config.Token{}, invalid("unknown token %q on %s", symbolOrAddress, chain.Name)
	}
	return t, nil
}

func baseUnits(amount string, tok config.Token) (*big.Int, error) {
	if amount == "" {
		return nil, invalid("amount is required")
	}
	v, err := services.ToBaseUnits(amount, tok.Decimals)
	if err != nil {
		return nil, newError(KindInvalidInput, err)
	}
	return v, nil
}

// spend returns the token and amount that leave the sender, if any.
func (in *intent) spend() (config.Token, *big.Int, bool) {
	if in.amount == nil {
		return config.Token{}, nil, false
	}
	return in.token, in.amount, true
}

// callData encodes the intent as a call on the sender's account contract.
func (in *intent) callData(sender common.Address, chain *config.ChainConfig, deadline time.Time) ([]byte, error) {
	switch in.kind {
	case Transfer:
		if services.IsNative(in.token) {
			return aa.PackExecute(in.recipient, in.amount, nil)
		}
		inner, err := aa.PackERC20Transfer(in.recipient, in.amount)
		if err != nil {
			return nil, err
		}
		return aa.PackExecute(in.token.Address, big.NewInt(0), inner)

	case Swap:
		approve, err := aa.PackERC20Approve(chain.SwapRouter, in.amount)
		if err != nil {
			return nil, err
		}
		swap, err := aa.PackSwapExactTokensForTokens(
			in.amount, in.minOut,
			[]common.Address{in.token.Address, in.tokenOut.Address},
			sender, big.NewInt(deadline.Unix()))
		if err != nil {
			return nil, err
		}
		return aa.PackExecuteBatch(
			[]common.Address{in.token.Address, chain.SwapRouter},
			[][]byte{approve, swap})

	case Mint:
		to := in.recipient
		if to == (common.Address{}) {
			to = sender
		}
		inner, err := aa.PackSafeMint(to, in.uri)
		if err != nil {
			return nil, err
		}
		return aa.PackExecute(chain.NFTContract, big.NewInt(0), inner)
	}

	return nil, errors.New("unsupported operation kind")
}
