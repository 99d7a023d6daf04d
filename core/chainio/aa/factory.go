package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Factory is a SimpleAccountFactory: one counterfactual proxy per (owner, salt).
type Factory struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewFactory(address common.Address, caller bind.ContractCaller) *Factory {
	return &Factory{
		address:  address,
		contract: bind.NewBoundContract(address, factoryABI, caller, nil, nil),
	}
}

func (f *Factory) Address() common.Address {
	return f.address
}

// GetAddress returns the proxy address for owner and salt, deployed or not.
func (f *Factory) GetAddress(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", owner, saltOrDefault(salt)); err != nil {
		return common.Address{}, fmt.Errorf("getAddress: %w", err)
	}
	return out[0].(common.Address), nil
}

// InitCode is factory address ‖ createAccount(owner, salt) calldata.
func (f *Factory) InitCode(owner common.Address, salt *big.Int) ([]byte, error) {
	return GetInitCode(f.address, owner, salt)
}

func GetInitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := factoryABI.Pack("createAccount", owner, saltOrDefault(salt))
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, common.AddressLength+len(calldata))
	data = append(data, factory.Bytes()...)
	return append(data, calldata...), nil
}

func saltOrDefault(salt *big.Int) *big.Int {
	if salt == nil {
		return big.NewInt(0)
	}
	return salt
}
