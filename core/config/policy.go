package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// GasPolicy is the immutable gas and fee configuration for one operation
// kind on one network.
type GasPolicy struct {
	InitialMultiplier      decimal.Decimal
	Increment              decimal.Decimal
	CallDataCostMultiplier decimal.Decimal
	MaxRetries             int
	RetryDelay             time.Duration
	BufferPercent          int64

	DefaultMaxFeePerGas         *big.Int
	DefaultMaxPriorityFeePerGas *big.Int

	DefaultCallGas            *big.Int
	DefaultVerificationGas    *big.Int
	DeploymentVerificationGas *big.Int
	DefaultPreVerificationGas *big.Int
}

func DefaultGasPolicy() GasPolicy {
	return GasPolicy{
		InitialMultiplier:      decimal.NewFromInt(1),
		Increment:              decimal.RequireFromString("1.2"),
		CallDataCostMultiplier: decimal.NewFromInt(1),
		MaxRetries:             5,
		RetryDelay:             2 * time.Second,
		BufferPercent:          10,

		DefaultMaxFeePerGas:         big.NewInt(30_000_000_000),
		DefaultMaxPriorityFeePerGas: big.NewInt(2_000_000_000),

		DefaultCallGas:            big.NewInt(7_000_000),
		DefaultVerificationGas:    big.NewInt(1_000_000),
		DeploymentVerificationGas: big.NewInt(3_000_000),
		DefaultPreVerificationGas: big.NewInt(50_000),
	}
}

// GasPolicyRaw is the yaml form. Empty fields keep the default.
type GasPolicyRaw struct {
	InitialMultiplier           string        `yaml:"initial_multiplier" validate:"omitempty,numeric"`
	Increment                   string        `yaml:"increment" validate:"omitempty,numeric"`
	CallDataCostMultiplier      string        `yaml:"call_data_cost_multiplier" validate:"omitempty,numeric"`
	MaxRetries                  *int          `yaml:"max_retries" validate:"omitempty,gte=0"`
	RetryDelay                  time.Duration `yaml:"retry_delay"`
	BufferPercent               *int64        `yaml:"buffer_percent" validate:"omitempty,gte=0"`
	DefaultMaxFeePerGas         uint64        `yaml:"default_max_fee_per_gas"`
	DefaultMaxPriorityFeePerGas uint64        `yaml:"default_max_priority_fee_per_gas"`
	DefaultCallGas              uint64        `yaml:"default_call_gas"`
	DefaultVerificationGas      uint64        `yaml:"default_verification_gas"`
	DeploymentVerificationGas   uint64        `yaml:"deployment_verification_gas"`
	DefaultPreVerificationGas   uint64        `yaml:"default_pre_verification_gas"`
}

func (r GasPolicyRaw) toPolicy() (GasPolicy, error) {
	p := DefaultGasPolicy()

	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.InitialMultiplier, &p.InitialMultiplier},
		{r.Increment, &p.Increment},
		{r.CallDataCostMultiplier, &p.CallDataCostMultiplier},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return p, err
		}
		*f.dst = d
	}
	if !p.Increment.GreaterThan(decimal.NewFromInt(1)) {
		return p, fmt.Errorf("increment must be greater than 1, got %s", p.Increment)
	}
	if !p.InitialMultiplier.IsPositive() {
		return p, fmt.Errorf("initial_multiplier must be positive, got %s", p.InitialMultiplier)
	}

	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	if r.RetryDelay > 0 {
		p.RetryDelay = r.RetryDelay
	}
	if r.BufferPercent != nil {
		p.BufferPercent = *r.BufferPercent
	}

	setIfNonZero(&p.DefaultMaxFeePerGas, r.DefaultMaxFeePerGas)
	setIfNonZero(&p.DefaultMaxPriorityFeePerGas, r.DefaultMaxPriorityFeePerGas)
	setIfNonZero(&p.DefaultCallGas, r.DefaultCallGas)
	setIfNonZero(&p.DefaultVerificationGas, r.DefaultVerificationGas)
	setIfNonZero(&p.DeploymentVerificationGas, r.DeploymentVerificationGas)
	setIfNonZero(&p.DefaultPreVerificationGas, r.DefaultPreVerificationGas)

	return p, nil
}

func setIfNonZero(dst **big.Int, v uint64) {
	if v != 0 {
		*dst = new(big.Int).SetUint64(v)
	}
}
