package aaengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
)

const (
	paymasterSigLength        = 65
	paymasterExpirationLength = 8
	paymasterAndDataLength    = common.AddressLength + paymasterSigLength + paymasterExpirationLength
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint64T, _  = abi.NewType("uint64", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	commitmentArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "expiration", Type: uint64T},
		{Name: "chainId", Type: uint256T},
		{Name: "verifier", Type: addressT},
		{Name: "callDataHash", Type: bytes32T},
	}
)

// PaymasterAuthorization is the decoded form of paymasterAndData.
type PaymasterAuthorization struct {
	Paymaster  common.Address
	Signature  []byte
	Expiration uint64
}

// Bytes is paymaster ‖ signature ‖ uint64 big-endian expiration.
func (a *PaymasterAuthorization) Bytes() []byte {
	out := make([]byte, 0, paymasterAndDataLength)
	out = append(out, a.Paymaster.Bytes()...)
	out = append(out, a.Signature...)
	return binary.BigEndian.AppendUint64(out, a.Expiration)
}

func ParsePaymasterAndData(data []byte) (*PaymasterAuthorization, error) {
	if len(data) != paymasterAndDataLength {
		return nil, fmt.Errorf("paymasterAndData must be %d bytes, got %d", paymasterAndDataLength, len(data))
	}
	sigEnd := common.AddressLength + paymasterSigLength
	return &PaymasterAuthorization{
		Paymaster:  common.BytesToAddress(data[:common.AddressLength]),
		Signature:  common.CopyBytes(data[common.AddressLength:sigEnd]),
		Expiration: binary.BigEndian.Uint64(data[sigEnd:]),
	}, nil
}

// PaymasterCommitment is keccak256(abi.encode(sender, expiration, chainId,
// verifier, keccak256(callData))).
func PaymasterCommitment(sender common.Address, expiration uint64, chainID *big.Int, verifier common.Address, callData []byte) (common.Hash, error) {
	packed, err := commitmentArgs.Pack(sender, expiration, chainID, verifier, crypto.Keccak256Hash(callData))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// PaymasterAuthorizer signs time bounded sponsorships with the backend key.
type PaymasterAuthorizer struct {
	paymaster common.Address
	signer    signer.Signer
	verifier  common.Address
	chainID   *big.Int
	validity  time.Duration

	now func() time.Time
}

func NewPaymasterAuthorizer(paymaster common.Address, s signer.Signer, verifier common.Address, chainID *big.Int, validity time.Duration) *PaymasterAuthorizer {
	return &PaymasterAuthorizer{
		paymaster: paymaster,
		signer:    s,
		verifier:  verifier,
		chainID:   chainID,
		validity:  validity,
		now:       time.Now,
	}
}

// Authorize signs a fresh authorization for exactly this sender and call.
func (p *PaymasterAuthorizer) Authorize(ctx context.Context, sender common.Address, callData []byte) (*PaymasterAuthorization, error) {
	expiration := uint64(p.now().Add(p.validity).Unix())

	digest, err := PaymasterCommitment(sender, expiration, p.chainID, p.verifier, callData)
	if err != nil {
		return nil, err
	}
	sig, err := p.signer.SignHash(ctx, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("paymaster sign: %w", err)
	}

	return &PaymasterAuthorization{
		Paymaster:  p.paymaster,
		Signature:  sig,
		Expiration: expiration,
	}, nil
}

// VerifyAuthorization checks paymasterAndData the way the verifying
// paymaster does on chain: the signer must be expected and now must not be
// past the expiration.
func VerifyAuthorization(paymasterAndData []byte, expected common.Address, sender common.Address, callData []byte, verifier common.Address, chainID *big.Int, now time.Time) error {
	auth, err := ParsePaymasterAndData(paymasterAndData)
	if err != nil {
		return err
	}
	if uint64(now.Unix()) > auth.Expiration {
		return fmt.Errorf("%w at %d", ErrAuthorizationExpired, auth.Expiration)
	}

	digest, err := PaymasterCommitment(sender, auth.Expiration, chainID, verifier, callData)
	if err != nil {
		return err
	}
	recovered, err := signer.RecoverAddress(digest.Bytes(), auth.Signature)
	if err != nil {
		return err
	}
	if recovered != expected {
		return fmt.Errorf("paymaster signature from %s, want %s", recovered.Hex(), expected.Hex())
	}
	return nil
}
