package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/riskconfig"
	"github.com/atmx/credit-pool/internal/wad"
)

// setParam is the shared path of every privileged setter: authorize,
// validate against the working copy, then emit a change notification.
func (p *Pool) setParam(ctx context.Context, caller model.Address, field string, apply func(st *model.PoolState) (string, error)) error {
	return p.mutate(ctx, "set_"+field, func(t *tx) error {
		if err := t.authorize(caller, RoleManager); err != nil {
			return err
		}
		value, err := apply(t.st)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		t.emitParam(field, value)
		p.logger.Info("pool parameter updated", "field", field, "value", value, "by", caller)
		return nil
	})
}

// SetProtocolFeeRate sets the treasury share of interest (1e18 = 100%).
func (p *Pool) SetProtocolFeeRate(ctx context.Context, caller model.Address, rate *uint256.Int) error {
	return p.setParam(ctx, caller, riskconfig.FieldProtocolFeeRate, func(st *model.PoolState) (string, error) {
		if err := riskconfig.ValidateProtocolFeeRate(rate); err != nil {
			return "", err
		}
		st.Params.ProtocolFeeRate = wad.Clone(rate)
		return rate.Dec(), nil
	})
}

// SetUtilizationRatePerTick changes the interest rate. Interest up to the
// current tick has already been charged at the old rate.
func (p *Pool) SetUtilizationRatePerTick(ctx context.Context, caller model.Address, rate *uint256.Int) error {
	return p.setParam(ctx, caller, riskconfig.FieldUtilizationRatePerTick, func(st *model.PoolState) (string, error) {
		if err := riskconfig.ValidateUtilizationRate(rate); err != nil {
			return "", err
		}
		st.Params.UtilizationRatePerTick = wad.Clone(rate)
		return rate.Dec(), nil
	})
}

// SetMaxCollateralRatioPerUnit sets the reference amount each collateral
// unit may back. Must be positive.
func (p *Pool) SetMaxCollateralRatioPerUnit(ctx context.Context, caller model.Address, ratio *uint256.Int) error {
	return p.setAmount(ctx, caller, riskconfig.FieldMaxCollateralRatioPerUnit, ratio,
		func(pp *model.PoolParams) **uint256.Int { return &pp.MaxCollateralRatioPerUnit })
}

// SetReferenceValuePerUnit sets the reference value of one unit used in
// health factors. Must be positive.
func (p *Pool) SetReferenceValuePerUnit(ctx context.Context, caller model.Address, value *uint256.Int) error {
	return p.setAmount(ctx, caller, riskconfig.FieldReferenceValuePerUnit, value,
		func(pp *model.PoolParams) **uint256.Int { return &pp.ReferenceValuePerUnit })
}

// SetMinDelegate sets the smallest accepted delegation.
func (p *Pool) SetMinDelegate(ctx context.Context, caller model.Address, amount *uint256.Int) error {
	return p.setAmount(ctx, caller, riskconfig.FieldMinDelegate, amount,
		func(pp *model.PoolParams) **uint256.Int { return &pp.MinDelegate })
}

// SetMinWithdraw sets the smallest asset amount a withdrawal request may
// expect.
func (p *Pool) SetMinWithdraw(ctx context.Context, caller model.Address, amount *uint256.Int) error {
	return p.setAmount(ctx, caller, riskconfig.FieldMinWithdraw, amount,
		func(pp *model.PoolParams) **uint256.Int { return &pp.MinWithdraw })
}

func (p *Pool) setAmount(ctx context.Context, caller model.Address, field string, v *uint256.Int, slot func(*model.PoolParams) **uint256.Int) error {
	return p.setParam(ctx, caller, field, func(st *model.PoolState) (string, error) {
		if err := riskconfig.ValidatePositive(field, v); err != nil {
			return "", err
		}
		*slot(&st.Params) = wad.Clone(v)
		return v.Dec(), nil
	})
}

// SetFinalizationBatchLimit caps the requests examined per FinalizeBatch.
func (p *Pool) SetFinalizationBatchLimit(ctx context.Context, caller model.Address, limit uint64) error {
	return p.setParam(ctx, caller, riskconfig.FieldFinalizationBatchLimit, func(st *model.PoolState) (string, error) {
		if err := riskconfig.ValidateCount(riskconfig.FieldFinalizationBatchLimit, limit); err != nil {
			return "", err
		}
		st.Params.FinalizationBatchLimit = limit
		return strconv.FormatUint(limit, 10), nil
	})
}

// SetMinDelayTicks may be zero.
func (p *Pool) SetMinDelayTicks(ctx context.Context, caller model.Address, ticks uint64) error {
	return p.setParam(ctx, caller, riskconfig.FieldMinDelayTicks, func(st *model.PoolState) (string, error) {
		st.Params.MinDelayTicks = ticks
		return strconv.FormatUint(ticks, 10), nil
	})
}

// SetMaxOpenRequestsPerAccount caps unclaimed requests per owner.
func (p *Pool) SetMaxOpenRequestsPerAccount(ctx context.Context, caller model.Address, limit uint64) error {
	return p.setParam(ctx, caller, riskconfig.FieldMaxOpenRequests, func(st *model.PoolState) (string, error) {
		if err := riskconfig.ValidateCount(riskconfig.FieldMaxOpenRequests, limit); err != nil {
			return "", err
		}
		st.Params.MaxOpenRequestsPerAccount = limit
		return strconv.FormatUint(limit, 10), nil
	})
}

// SetRiskConfig replaces the liquidation parameters and bumps the version.
// The Version field of cfg is ignored.
func (p *Pool) SetRiskConfig(ctx context.Context, caller model.Address, cfg model.RiskConfig) error {
	return p.setParam(ctx, caller, riskconfig.FieldRiskConfig, func(st *model.PoolState) (string, error) {
		if err := riskconfig.ValidateRisk(cfg); err != nil {
			return "", err
		}
		cfg.Version = st.Risk.Version + 1
		st.Risk = cfg
		raw, err := json.Marshal(cfg)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	})
}

// SetParam updates a single parameter from its textual value. Amounts and
// counts are base-10 integers.
func (p *Pool) SetParam(ctx context.Context, caller model.Address, field, value string) error {
	switch field {
	case riskconfig.FieldFinalizationBatchLimit, riskconfig.FieldMinDelayTicks, riskconfig.FieldMaxOpenRequests:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidInput, field, err)
		}
		switch field {
		case riskconfig.FieldFinalizationBatchLimit:
			return p.SetFinalizationBatchLimit(ctx, caller, n)
		case riskconfig.FieldMinDelayTicks:
			return p.SetMinDelayTicks(ctx, caller, n)
		default:
			return p.SetMaxOpenRequestsPerAccount(ctx, caller, n)
		}
	}

	setters := map[string]func(context.Context, model.Address, *uint256.Int) error{
		riskconfig.FieldProtocolFeeRate:           p.SetProtocolFeeRate,
		riskconfig.FieldUtilizationRatePerTick:    p.SetUtilizationRatePerTick,
		riskconfig.FieldMaxCollateralRatioPerUnit: p.SetMaxCollateralRatioPerUnit,
		riskconfig.FieldReferenceValuePerUnit:     p.SetReferenceValuePerUnit,
		riskconfig.FieldMinDelegate:               p.SetMinDelegate,
		riskconfig.FieldMinWithdraw:               p.SetMinWithdraw,
	}
	set, ok := setters[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	v, err := wad.Parse(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, field, err)
	}
	return set(ctx, caller, v)
}

// WithdrawProtocolFee sends accumulated fees to the treasury. MaxAmount
// withdraws the whole balance. Returns the amount sent.
func (p *Pool) WithdrawProtocolFee(ctx context.Context, caller model.Address, amount *uint256.Int) (*uint256.Int, error) {
	var sent *uint256.Int
	err := p.mutate(ctx, "withdraw_protocol_fee", func(t *tx) error {
		if err := t.authorize(caller, RoleManager); err != nil {
			return err
		}
		if err := requirePositive(amount); err != nil {
			return err
		}
		st := t.st
		sent = wad.Clone(amount)
		if amount.Eq(MaxAmount) {
			sent = wad.Clone(st.AccumulatedProtocolFee)
		}
		if sent.IsZero() {
			return fmt.Errorf("%w: no protocol fee accumulated", ErrFeeExceeded)
		}
		if sent.Gt(st.AccumulatedProtocolFee) {
			return fmt.Errorf("%w: requested %s, accumulated %s", ErrFeeExceeded, sent.Dec(), st.AccumulatedProtocolFee.Dec())
		}
		balance, err := t.poolBalance()
		if err != nil {
			return err
		}
		if sent.Gt(wad.SubFloor(balance, st.ReservedForClaimTotal)) {
			return ErrInsufficientLiquidity
		}
		remaining, err := wad.Sub(st.AccumulatedProtocolFee, sent)
		if err != nil {
			return mathErr(err)
		}
		st.AccumulatedProtocolFee = remaining
		if err := t.send(p.treasury, sent); err != nil {
			return err
		}
		t.emit(model.EventProtocolFeeWithdrawn, p.treasury, 0, sent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sent, nil
}
