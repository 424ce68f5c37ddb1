// Package riskconfig validates the admin-tunable risk configuration and
// pool parameters before the engine accepts them.
//
// Validation never mutates its input. Every error wraps ErrOutOfRange so
// callers can classify the failure as invalid input.
package riskconfig

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// ErrOutOfRange is wrapped by every validation failure.
var ErrOutOfRange = errors.New("riskconfig: value out of range")

// MaxUtilizationRatePerTick bounds the per-tick simple rate at 0.1%
// (1e15 at 1e18 scale).
var MaxUtilizationRatePerTick = uint256.NewInt(1_000_000_000_000_000)

// Field names accepted by the parameter setters.
const (
	FieldProtocolFeeRate           = "protocol_fee_rate"
	FieldUtilizationRatePerTick    = "utilization_rate_per_tick"
	FieldMaxCollateralRatioPerUnit = "max_collateral_ratio_per_unit"
	FieldReferenceValuePerUnit     = "reference_value_per_unit"
	FieldMinDelegate               = "min_delegate"
	FieldMinWithdraw               = "min_withdraw"
	FieldFinalizationBatchLimit    = "finalization_batch_limit"
	FieldMinDelayTicks             = "min_delay_ticks"
	FieldMaxOpenRequests           = "max_open_requests_per_account"
	FieldRiskConfig                = "risk_config"
)

// DefaultRisk is a conservative starting configuration.
func DefaultRisk() model.RiskConfig {
	return model.RiskConfig{
		LiquidationThresholdPct: 50,
		LiquidationBonusPct:     5,
		LiquidationFeePct:       5,
		LoanToValuePct:          30,
	}
}

// DefaultParams returns the parameters a new pool starts with.
func DefaultParams() model.PoolParams {
	return model.PoolParams{
		ProtocolFeeRate:           wad.New(100_000_000_000_000_000), // 10%
		UtilizationRatePerTick:    wad.New(1_585_489_599),           // ~5% per year at one tick per second
		MaxCollateralRatioPerUnit: wad.New(1_000_000_000_000_000_000),
		ReferenceValuePerUnit:     wad.New(1_000_000_000_000_000_000),
		MinDelegate:               wad.New(1),
		MinWithdraw:               wad.New(1),
		FinalizationBatchLimit:    50,
		MinDelayTicks:             0,
		MaxOpenRequestsPerAccount: 1000,
	}
}

// ValidateRisk checks every percentage against its allowed interval.
func ValidateRisk(r model.RiskConfig) error {
	if r.LiquidationThresholdPct == 0 || r.LiquidationThresholdPct > 100 {
		return fmt.Errorf("%w: liquidation threshold %d not in (0,100]", ErrOutOfRange, r.LiquidationThresholdPct)
	}
	if r.LiquidationBonusPct > 100 {
		return fmt.Errorf("%w: liquidation bonus %d not in [0,100]", ErrOutOfRange, r.LiquidationBonusPct)
	}
	if r.LiquidationFeePct > 100 {
		return fmt.Errorf("%w: liquidation fee %d not in [0,100]", ErrOutOfRange, r.LiquidationFeePct)
	}
	if r.LoanToValuePct == 0 || r.LoanToValuePct > 100 {
		return fmt.Errorf("%w: loan to value %d not in (0,100]", ErrOutOfRange, r.LoanToValuePct)
	}
	return nil
}

// ValidateParams checks the full parameter set.
func ValidateParams(p model.PoolParams) error {
	if err := ValidateProtocolFeeRate(p.ProtocolFeeRate); err != nil {
		return err
	}
	if err := ValidateUtilizationRate(p.UtilizationRatePerTick); err != nil {
		return err
	}
	for field, v := range map[string]*uint256.Int{
		FieldMaxCollateralRatioPerUnit: p.MaxCollateralRatioPerUnit,
		FieldReferenceValuePerUnit:     p.ReferenceValuePerUnit,
		FieldMinDelegate:               p.MinDelegate,
		FieldMinWithdraw:               p.MinWithdraw,
	} {
		if err := ValidatePositive(field, v); err != nil {
			return err
		}
	}
	if err := ValidateCount(FieldFinalizationBatchLimit, p.FinalizationBatchLimit); err != nil {
		return err
	}
	return ValidateCount(FieldMaxOpenRequests, p.MaxOpenRequestsPerAccount)
}

// ValidateProtocolFeeRate requires the fee share to be at most 1.0.
func ValidateProtocolFeeRate(rate *uint256.Int) error {
	if rate == nil {
		return fmt.Errorf("%w: %s is required", ErrOutOfRange, FieldProtocolFeeRate)
	}
	if rate.Gt(wad.Scale) {
		return fmt.Errorf("%w: %s %s exceeds 1e18", ErrOutOfRange, FieldProtocolFeeRate, rate.Dec())
	}
	return nil
}

// ValidateUtilizationRate requires rate <= MaxUtilizationRatePerTick.
func ValidateUtilizationRate(rate *uint256.Int) error {
	if rate == nil {
		return fmt.Errorf("%w: %s is required", ErrOutOfRange, FieldUtilizationRatePerTick)
	}
	if rate.Gt(MaxUtilizationRatePerTick) {
		return fmt.Errorf("%w: %s %s exceeds %s", ErrOutOfRange, FieldUtilizationRatePerTick,
			rate.Dec(), MaxUtilizationRatePerTick.Dec())
	}
	return nil
}

// ValidatePositive requires a non-nil, non-zero amount.
func ValidatePositive(field string, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return fmt.Errorf("%w: %s must be positive", ErrOutOfRange, field)
	}
	return nil
}

// ValidateCount requires a non-zero count.
func ValidateCount(field string, v uint64) error {
	if v == 0 {
		return fmt.Errorf("%w: %s must be positive", ErrOutOfRange, field)
	}
	return nil
}
