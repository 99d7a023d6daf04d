package aa

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	returns map[string][]byte // selector hex -> encoded output
	calls   []ethereum.CallMsg
}

func (f *fakeCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls = append(f.calls, call)
	return f.returns[hexutil.Encode(call.Data[:4])], nil
}

func TestUserOperationEventTopic(t *testing.T) {
	assert.Equal(t,
		common.HexToHash("0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f"),
		UserOperationEventTopic())
}

func TestParseUserOperationEvent(t *testing.T) {
	opHash := common.HexToHash("0xaaaa")
	sender := common.HexToAddress("0x1111")
	paymaster := common.HexToAddress("0x2222")

	data, err := entryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(
		big.NewInt(4), true, big.NewInt(1_000_000), big.NewInt(150_000))
	require.NoError(t, err)

	ev, err := ParseUserOperationEvent(types.Log{
		Topics: []common.Hash{
			UserOperationEventTopic(),
			opHash,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(paymaster.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xbeef"),
		BlockNumber: 42,
	})
	require.NoError(t, err)

	assert.Equal(t, opHash, ev.UserOpHash)
	assert.Equal(t, sender, ev.Sender)
	assert.Equal(t, paymaster, ev.Paymaster)
	assert.True(t, ev.Success)
	assert.Equal(t, int64(150_000), ev.ActualGasUsed.Int64())
	assert.Equal(t, uint64(42), ev.BlockNumber)
	assert.Equal(t, common.HexToHash("0xbeef"), ev.TxHash)
}

func TestParseUserOperationEventRejectsOtherLogs(t *testing.T) {
	_, err := ParseUserOperationEvent(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.Error(t, err)
}

func TestGetInitCode(t *testing.T) {
	owner := common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557")

	initCode, err := GetInitCode(DefaultFactory, owner, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultFactory.Bytes(), initCode[:20])
	assert.Equal(t, crypto.Keccak256([]byte("createAccount(address,uint256)"))[:4], initCode[20:24])
	assert.Equal(t, common.LeftPadBytes(owner.Bytes(), 32), initCode[24:56])
	assert.Len(t, initCode, 20+4+64)
}

func TestPackExecute(t *testing.T) {
	target := common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359")
	inner, err := PackERC20Transfer(common.HexToAddress("0x01"), big.NewInt(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, "0xa9059cbb", hexutil.Encode(inner[:4]))

	calldata, err := PackExecute(target, nil, inner)
	require.NoError(t, err)
	assert.Equal(t, "0xb61d27f6", hexutil.Encode(calldata[:4]))

	args, err := accountABI.Methods["execute"].Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	assert.Equal(t, target, args[0])
	assert.Equal(t, int64(0), args[1].(*big.Int).Int64())
	assert.Equal(t, inner, args[2])
}

func TestPackExecuteBatch(t *testing.T) {
	approve, err := PackERC20Approve(common.HexToAddress("0x02"), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, "0x095ea7b3", hexutil.Encode(approve[:4]))

	swap, err := PackSwapExactTokensForTokens(big.NewInt(1), big.NewInt(0),
		[]common.Address{common.HexToAddress("0x03"), common.HexToAddress("0x04")},
		common.HexToAddress("0x05"), big.NewInt(1_700_000_000))
	require.NoError(t, err)
	assert.Equal(t, "0x38ed1739", hexutil.Encode(swap[:4]))

	calldata, err := PackExecuteBatch(
		[]common.Address{common.HexToAddress("0x03"), common.HexToAddress("0x06")},
		[][]byte{approve, swap})
	require.NoError(t, err)
	assert.Equal(t, "0x18dfb3c7", hexutil.Encode(calldata[:4]))

	_, err = PackExecuteBatch([]common.Address{common.HexToAddress("0x03")}, nil)
	assert.Error(t, err)
}

func TestFactoryGetAddress(t *testing.T) {
	want := common.HexToAddress("0x71c7656ec7ab88b098defb751b7401b5f6d8976f")
	encoded, err := factoryABI.Methods["getAddress"].Outputs.Pack(want)
	require.NoError(t, err)

	caller := &fakeCaller{returns: map[string][]byte{
		hexutil.Encode(factoryABI.Methods["getAddress"].ID): encoded,
	}}
	f := NewFactory(DefaultFactory, caller)

	got, err := f.GetAddress(context.Background(), common.HexToAddress("0x01"), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, DefaultFactory, *caller.calls[0].To)
}

func TestERC20BalanceOf(t *testing.T) {
	encoded, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(75_000_000))
	require.NoError(t, err)

	caller := &fakeCaller{returns: map[string][]byte{
		hexutil.Encode(erc20ABI.Methods["balanceOf"].ID): encoded,
	}}

	bal, err := ERC20BalanceOf(context.Background(), caller, common.HexToAddress("0x07"), common.HexToAddress("0x08"))
	require.NoError(t, err)
	assert.Equal(t, int64(75_000_000), bal.Int64())
}
