package pool

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// MaxHealthFactor is reported for accounts with no interest owed.
var MaxHealthFactor = wad.Max

var hundred = uint256.NewInt(100)

// health is a health factor together with the interest that drives it.
type health struct {
	factor     *uint256.Int
	interest   *uint256.Int
	owed       *uint256.Int
	collateral *uint256.Int
}

// assessHealth values account's collateral against the interest portion
// of its debt. Only interest the collateral ledger has not recorded
// counts toward liquidation risk.
func (p *Pool) assessHealth(ctx context.Context, st *model.PoolState, account model.Address) (health, error) {
	owed, err := owedBalance(st.Utilizers[account], st.UtilizeIndex)
	if err != nil {
		return health{}, err
	}
	external, err := utilizedBalance(ctx, p.collateral, account)
	if err != nil {
		return health{}, err
	}
	collateral, err := p.collateralValue(ctx, st, account)
	if err != nil {
		return health{}, err
	}
	h := health{
		factor:     wad.Clone(MaxHealthFactor),
		interest:   wad.SubFloor(owed, external),
		owed:       owed,
		collateral: collateral,
	}
	if h.interest.IsZero() {
		return h, nil
	}
	numerator, err := wad.Mul(collateral, uint256.NewInt(st.Risk.LiquidationThresholdPct))
	if err != nil {
		return health{}, mathErr(err)
	}
	denominator, err := wad.Mul(h.interest, hundred)
	if err != nil {
		return health{}, mathErr(err)
	}
	h.factor, err = wad.MulDiv(numerator, wad.Scale, denominator)
	if err != nil {
		return health{}, mathErr(err)
	}
	return h, nil
}

// collateralValue is the asset value of the account's non-terminal units
// plus its unclaimed rewards.
func (p *Pool) collateralValue(ctx context.Context, st *model.PoolState, account model.Address) (*uint256.Int, error) {
	units, err := p.collateral.NonTerminalUnitCount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: unit count: %v", ErrCollaborator, err)
	}
	reference, err := wad.Mul(uint256.NewInt(units), st.Params.ReferenceValuePerUnit)
	if err != nil {
		return nil, mathErr(err)
	}
	unclaimed, err := p.rewards.UnclaimedBalance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: unclaimed rewards: %v", ErrCollaborator, err)
	}
	if unclaimed != nil {
		if reference, err = wad.Add(reference, unclaimed); err != nil {
			return nil, mathErr(err)
		}
	}
	return toAsset(ctx, p.collateral, reference)
}

// HealthFactor reports account's health at the current tick without
// committing the accrual. 1e18 is the liquidation boundary.
func (p *Pool) HealthFactor(ctx context.Context, account model.Address) (*uint256.Int, error) {
	if err := requireAccount(account); err != nil {
		return nil, err
	}
	var factor *uint256.Int
	err := p.view(func(st *model.PoolState) error {
		current, err := projected(st, p.clock.Now())
		if err != nil {
			return err
		}
		h, err := p.assessHealth(ctx, current, account)
		if err != nil {
			return err
		}
		factor = h.factor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return factor, nil
}

// LiquidationCall repays account's outstanding interest with the
// liquidator's funds and opens a liquidation record. The account must have
// a health factor at or below 1e18 and no open liquidation.
func (p *Pool) LiquidationCall(ctx context.Context, liquidator, account model.Address) (*model.LiquidationRecord, error) {
	if err := requireCaller(p, liquidator); err != nil {
		return nil, err
	}
	if err := requireAccount(account); err != nil {
		return nil, err
	}
	var rec *model.LiquidationRecord
	err := p.mutate(ctx, "liquidation_call", func(t *tx) error {
		st := t.st
		if st.LiquidationIndex[account] != 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyLiquidated, account)
		}
		h, err := p.assessHealth(t.ctx, st, account)
		if err != nil {
			return err
		}
		if h.interest.IsZero() || h.factor.Gt(wad.Scale) {
			return fmt.Errorf("%w: health factor %s", ErrNotLiquidatable, h.factor.Dec())
		}

		reference, err := t.toReference(h.interest)
		if err != nil {
			return err
		}
		bonus, err := wad.MulDiv(reference, uint256.NewInt(st.Risk.LiquidationBonusPct), hundred)
		if err != nil {
			return mathErr(err)
		}
		fee, err := wad.MulDiv(reference, uint256.NewInt(st.Risk.LiquidationFeePct), hundred)
		if err != nil {
			return mathErr(err)
		}
		total, err := wad.Add(reference, bonus)
		if err != nil {
			return mathErr(err)
		}
		if total, err = wad.Add(total, fee); err != nil {
			return mathErr(err)
		}

		if err := t.pull(liquidator, h.interest); err != nil {
			return err
		}
		t.setOwed(account, new(uint256.Int).Sub(h.owed, h.interest))
		st.TotalUtilized = wad.SubFloor(st.TotalUtilized, h.interest)

		rec = &model.LiquidationRecord{
			Account:        account,
			TotalAmountDue: total,
			BonusAmount:    bonus,
			FeeAmount:      fee,
			Liquidator:     liquidator,
		}
		st.Liquidations = append(st.Liquidations, rec)
		st.LiquidationIndex[account] = uint64(len(st.Liquidations))

		if err := t.notifyBalance(account); err != nil {
			return err
		}
		// The exit signal cannot be withdrawn, so it goes last.
		if err := p.exits.OnOperatorExit(t.ctx, account, total); err != nil {
			return fmt.Errorf("%w: operator exit: %v", ErrCollaborator, err)
		}
		t.emit(model.EventLiquidated, account, 0, h.interest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// CompleteLiquidation settles account's open liquidation. Only the rewards
// collector may call it. The record stays in the log.
func (p *Pool) CompleteLiquidation(ctx context.Context, caller, account model.Address) error {
	if err := requireAccount(account); err != nil {
		return err
	}
	return p.mutate(ctx, "complete_liquidation", func(t *tx) error {
		if err := t.authorize(caller, RoleRewardsCollector); err != nil {
			return err
		}
		st := t.st
		idx := st.LiquidationIndex[account]
		if idx == 0 || idx > uint64(len(st.Liquidations)) {
			return fmt.Errorf("%w: %s", ErrNoOpenLiquidation, account)
		}
		rec := st.Liquidations[idx-1]
		rec.IsRepaid = true
		rec.IsClaimed = true
		delete(st.LiquidationIndex, account)
		t.emit(model.EventLiquidationCompleted, account, 0, rec.TotalAmountDue)
		return nil
	})
}
