package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/riskconfig"
	"github.com/atmx/credit-pool/internal/wad"
)

// PoolConfig seeds a new pool and grants the privileged roles. Amounts
// and 1e18-scaled rates are base-10 integer strings so they survive YAML
// and environment variables without float rounding. The two per-tick and
// fee rates may also be written as decimal ratios such as "0.1".
type PoolConfig struct {
	Address          string       `mapstructure:"pool_address"`
	Treasury         string       `mapstructure:"treasury"`
	Seeder           string       `mapstructure:"seeder"`
	SeedAmount       string       `mapstructure:"seed_amount"`
	Admins           []string     `mapstructure:"admins"`
	OnBehalfUtilizer []string     `mapstructure:"on_behalf_utilizers"`
	RewardsCollector []string     `mapstructure:"rewards_collector"`
	DevEndpoints     bool         `mapstructure:"dev_endpoints"`
	Params           ParamsConfig `mapstructure:"params"`
	Risk             RiskConfig   `mapstructure:"risk"`
}

type ParamsConfig struct {
	ProtocolFeeRate           string `mapstructure:"protocol_fee_rate"`
	UtilizationRatePerTick    string `mapstructure:"utilization_rate_per_tick"`
	MaxCollateralRatioPerUnit string `mapstructure:"max_collateral_ratio_per_unit"`
	ReferenceValuePerUnit     string `mapstructure:"reference_value_per_unit"`
	MinDelegate               string `mapstructure:"min_delegate"`
	MinWithdraw               string `mapstructure:"min_withdraw"`
	FinalizationBatchLimit    uint64 `mapstructure:"finalization_batch_limit"`
	MinDelayTicks             uint64 `mapstructure:"min_delay_ticks"`
	MaxOpenRequestsPerAccount uint64 `mapstructure:"max_open_requests_per_account"`
}

type RiskConfig struct {
	LiquidationThresholdPct uint64 `mapstructure:"liquidation_threshold_pct"`
	LiquidationBonusPct     uint64 `mapstructure:"liquidation_bonus_pct"`
	LiquidationFeePct       uint64 `mapstructure:"liquidation_fee_pct"`
	LoanToValuePct          uint64 `mapstructure:"loan_to_value_pct"`
}

func setPoolDefaults(v *viper.Viper) {
	params := riskconfig.DefaultParams()
	risk := riskconfig.DefaultRisk()

	v.SetDefault("pool.pool_address", "0x0000000000000000000000000000000000000c01")
	v.SetDefault("pool.treasury", "0x0000000000000000000000000000000000000c02")
	v.SetDefault("pool.seeder", "0x0000000000000000000000000000000000000c03")
	v.SetDefault("pool.seed_amount", "1000000")
	v.SetDefault("pool.admins", []string{})
	v.SetDefault("pool.on_behalf_utilizers", []string{})
	v.SetDefault("pool.rewards_collector", []string{})
	v.SetDefault("pool.dev_endpoints", false)

	v.SetDefault("pool.params.protocol_fee_rate", params.ProtocolFeeRate.Dec())
	v.SetDefault("pool.params.utilization_rate_per_tick", params.UtilizationRatePerTick.Dec())
	v.SetDefault("pool.params.max_collateral_ratio_per_unit", params.MaxCollateralRatioPerUnit.Dec())
	v.SetDefault("pool.params.reference_value_per_unit", params.ReferenceValuePerUnit.Dec())
	v.SetDefault("pool.params.min_delegate", params.MinDelegate.Dec())
	v.SetDefault("pool.params.min_withdraw", params.MinWithdraw.Dec())
	v.SetDefault("pool.params.finalization_batch_limit", params.FinalizationBatchLimit)
	v.SetDefault("pool.params.min_delay_ticks", params.MinDelayTicks)
	v.SetDefault("pool.params.max_open_requests_per_account", params.MaxOpenRequestsPerAccount)

	v.SetDefault("pool.risk.liquidation_threshold_pct", risk.LiquidationThresholdPct)
	v.SetDefault("pool.risk.liquidation_bonus_pct", risk.LiquidationBonusPct)
	v.SetDefault("pool.risk.liquidation_fee_pct", risk.LiquidationFeePct)
	v.SetDefault("pool.risk.loan_to_value_pct", risk.LoanToValuePct)
}

func (cfg *PoolConfig) Validate() error {
	for name, raw := range map[string]string{
		"pool_address": cfg.Address,
		"treasury":     cfg.Treasury,
		"seeder":       cfg.Seeder,
	} {
		if _, err := address.Parse(raw); err != nil {
			return fmt.Errorf("pool %s: %w", name, err)
		}
	}
	if _, err := cfg.Roles(); err != nil {
		return err
	}
	seed, err := wad.Parse(cfg.SeedAmount)
	if err != nil {
		return fmt.Errorf("pool seed_amount %q: %w", cfg.SeedAmount, err)
	}
	if seed.IsZero() {
		return errors.New("pool seed_amount must be positive")
	}
	params, err := cfg.PoolParams()
	if err != nil {
		return err
	}
	if err := riskconfig.ValidateParams(params); err != nil {
		return fmt.Errorf("pool params: %w", err)
	}
	if seed.Lt(params.MinDelegate) {
		return errors.New("pool seed_amount is below min_delegate")
	}
	if err := riskconfig.ValidateRisk(cfg.ModelRisk()); err != nil {
		return fmt.Errorf("pool risk: %w", err)
	}
	return nil
}

// Addresses returns the canonical pool, treasury and seeder addresses.
func (cfg *PoolConfig) Addresses() (pool, treasury, seeder model.Address, err error) {
	if pool, err = address.Parse(cfg.Address); err != nil {
		return
	}
	if treasury, err = address.Parse(cfg.Treasury); err != nil {
		return
	}
	seeder, err = address.Parse(cfg.Seeder)
	return
}

// SeedAmountInt parses SeedAmount.
func (cfg *PoolConfig) SeedAmountInt() (*uint256.Int, error) {
	return wad.Parse(cfg.SeedAmount)
}

// Roles maps each role name to its granted addresses.
type Roles struct {
	Admins            []model.Address
	OnBehalfUtilizers []model.Address
	RewardsCollectors []model.Address
}

func (cfg *PoolConfig) Roles() (Roles, error) {
	var (
		r   Roles
		err error
	)
	if r.Admins, err = address.ParseList(cfg.Admins); err != nil {
		return r, fmt.Errorf("pool admins: %w", err)
	}
	if r.OnBehalfUtilizers, err = address.ParseList(cfg.OnBehalfUtilizer); err != nil {
		return r, fmt.Errorf("pool on_behalf_utilizers: %w", err)
	}
	if r.RewardsCollectors, err = address.ParseList(cfg.RewardsCollector); err != nil {
		return r, fmt.Errorf("pool rewards_collector: %w", err)
	}
	return r, nil
}

// PoolParams converts the parameter section into engine parameters.
func (cfg *PoolConfig) PoolParams() (model.PoolParams, error) {
	p := cfg.Params
	out := model.PoolParams{
		FinalizationBatchLimit:    p.FinalizationBatchLimit,
		MinDelayTicks:             p.MinDelayTicks,
		MaxOpenRequestsPerAccount: p.MaxOpenRequestsPerAccount,
	}
	for _, f := range []struct {
		name  string
		raw   string
		dst   **uint256.Int
		ratio bool
	}{
		{riskconfig.FieldProtocolFeeRate, p.ProtocolFeeRate, &out.ProtocolFeeRate, true},
		{riskconfig.FieldUtilizationRatePerTick, p.UtilizationRatePerTick, &out.UtilizationRatePerTick, true},
		{riskconfig.FieldMaxCollateralRatioPerUnit, p.MaxCollateralRatioPerUnit, &out.MaxCollateralRatioPerUnit, false},
		{riskconfig.FieldReferenceValuePerUnit, p.ReferenceValuePerUnit, &out.ReferenceValuePerUnit, false},
		{riskconfig.FieldMinDelegate, p.MinDelegate, &out.MinDelegate, false},
		{riskconfig.FieldMinWithdraw, p.MinWithdraw, &out.MinWithdraw, false},
	} {
		parse := wad.Parse
		if f.ratio {
			parse = parseRatio
		}
		v, err := parse(f.raw)
		if err != nil {
			return model.PoolParams{}, fmt.Errorf("pool params %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	return out, nil
}

// parseRatio reads a scaled integer, or a decimal ratio when raw contains
// a decimal point.
func parseRatio(raw string) (*uint256.Int, error) {
	if !strings.Contains(raw, ".") {
		return wad.Parse(raw)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return wad.FromDecimal(d)
}

// ModelRisk converts the risk section. Version starts at zero.
func (cfg *PoolConfig) ModelRisk() model.RiskConfig {
	return model.RiskConfig{
		LiquidationThresholdPct: cfg.Risk.LiquidationThresholdPct,
		LiquidationBonusPct:     cfg.Risk.LiquidationBonusPct,
		LiquidationFeePct:       cfg.Risk.LiquidationFeePct,
		LoanToValuePct:          cfg.Risk.LoanToValuePct,
	}
}
