// Package bundler talks JSON-RPC to an ERC-4337 bundler. The bundler itself
// is stateless from our side: every call carries the full operation.
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// Options tunes the HTTP transport.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	Format     WireFormat
}

var DefaultOptions = Options{
	Timeout:    30 * time.Second,
	RetryCount: 2,
	RetryWait:  200 * time.Millisecond,
	Format:     WireUnpacked,
}

type jsonRPCRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Id      uint64        `json:"id"`
}

type jsonRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// BundlerClient submits and tracks user operations on one bundler endpoint.
type BundlerClient struct {
	http   *resty.Client
	url    string
	format WireFormat
	logger logger.Logger
	nextID atomic.Uint64
}

// NewBundlerClient builds a client. Transport failures and 5xx/429
// responses are retried RetryCount times before surfacing as TransportError.
func NewBundlerClient(url string, opts Options, l logger.Logger) *BundlerClient {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.Format == "" {
		opts.Format = DefaultOptions.Format
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(opts.RetryWait)
	client.SetRetryMaxWaitTime(4 * opts.RetryWait)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
	})

	return &BundlerClient{
		http:   client,
		url:    url,
		format: opts.Format,
		logger: logger.EnsureLogger(l),
	}
}

func (bc *BundlerClient) call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	req := jsonRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		Id:      bc.nextID.Add(1),
	}

	resp, err := bc.http.R().SetContext(ctx).SetBody(req).Post(bc.url)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}

	// some bundlers answer rejections with a 4xx status and a JSON-RPC error body
	var out jsonRPCResponse
	decodeErr := json.Unmarshal(resp.Body(), &out)
	if decodeErr == nil && out.Error != nil {
		return out.Error
	}
	if resp.StatusCode() != http.StatusOK {
		return &TransportError{Method: method, Status: resp.StatusCode(), Err: errors.New(string(resp.Body()))}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: malformed response: %w", method, decodeErr)
	}
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("%s: malformed result: %w", method, err)
	}
	return nil
}

// SendUserOperation submits a signed operation and returns the operation
// hash the bundler assigned.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error) {
	uo, err := ToWire(op, bc.format)
	if err != nil {
		return common.Hash{}, err
	}

	bc.logger.Debug("eth_sendUserOperation",
		"sender", uo.Sender.Hex(),
		"nonce", uo.Nonce,
		"maxFeePerGas", uo.MaxFeePerGas,
		"entrypoint", entrypoint.Hex())

	var hash common.Hash
	// checksummed entrypoint, some bundlers compare it as a string
	if err := bc.call(ctx, &hash, "eth_sendUserOperation", uo, entrypoint.Hex()); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// GetUserOperationReceipt returns nil, nil while the operation is pending.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := bc.call(ctx, &receipt, "eth_getUserOperationReceipt", hash.Hex()); err != nil {
		return nil, err
	}
	return receipt, nil
}

// SupportedEntryPoints lists the verifier contracts the bundler serves.
func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := bc.call(ctx, &out, "eth_supportedEntryPoints")
	return out, err
}

// ChainID is the chain the bundler submits to.
func (bc *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := bc.call(ctx, &out, "eth_chainId"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func quantity(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}
