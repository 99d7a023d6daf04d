package userop

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrGasOverflow is returned when a limit does not fit in 128 bits.
var ErrGasOverflow = errors.New("gas limit does not fit in 128 bits")

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// PackGasLimits puts verificationGas in the high 128 bits and callGas in the
// low 128 bits of one 32-byte word.
func PackGasLimits(verificationGas, callGas *big.Int) ([32]byte, error) {
	var out [32]byte
	if err := checkUint128("verificationGasLimit", verificationGas); err != nil {
		return out, err
	}
	if err := checkUint128("callGasLimit", callGas); err != nil {
		return out, err
	}
	verificationGas.FillBytes(out[:16])
	callGas.FillBytes(out[16:])
	return out, nil
}

// UnpackGasLimits reverses PackGasLimits.
func UnpackGasLimits(packed [32]byte) (verificationGas, callGas *big.Int) {
	return new(big.Int).SetBytes(packed[:16]), new(big.Int).SetBytes(packed[16:])
}

// PackedGasLimits packs the operation's own verification and call limits.
func (op *UserOperation) PackedGasLimits() ([32]byte, error) {
	return PackGasLimits(orZero(op.VerificationGasLimit), orZero(op.CallGasLimit))
}

func checkUint128(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%s: missing value", name)
	}
	if v.Sign() < 0 || v.Cmp(maxUint128) > 0 {
		return fmt.Errorf("%s %s: %w", name, v, ErrGasOverflow)
	}
	return nil
}
