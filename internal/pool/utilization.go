package pool

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// MaxAmount requests repayment of the whole owed balance.
var MaxAmount = wad.Max

// Utilize borrows amount for the caller against its collateral.
func (p *Pool) Utilize(ctx context.Context, caller model.Address, amount *uint256.Int) error {
	if err := requireCaller(p, caller); err != nil {
		return err
	}
	return p.mutate(ctx, "utilize", func(t *tx) error {
		return t.utilize(caller, amount)
	})
}

// UtilizeOnBehalf borrows amount for account. The caller needs
// RoleUtilizeOnBehalf; the funds go to account.
func (p *Pool) UtilizeOnBehalf(ctx context.Context, caller, account model.Address, amount *uint256.Int) error {
	if err := requireAccount(account); err != nil {
		return err
	}
	return p.mutate(ctx, "utilize_on_behalf", func(t *tx) error {
		if err := t.authorize(caller, RoleUtilizeOnBehalf); err != nil {
			return err
		}
		return t.utilize(account, amount)
	})
}

func (t *tx) utilize(account model.Address, amount *uint256.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if account == t.p.addr {
		return ErrInvalidAccount
	}
	st := t.st
	acct := st.Utilizers[account]
	if acct != nil && acct.WrittenOff {
		return ErrAccountWrittenOff
	}
	if st.LiquidationIndex[account] != 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyLiquidated, account)
	}

	owed, err := owedBalance(acct, st.UtilizeIndex)
	if err != nil {
		return err
	}
	units, err := t.unitCount(account)
	if err != nil {
		return err
	}
	perUnit, err := t.toAsset(st.Params.MaxCollateralRatioPerUnit)
	if err != nil {
		return err
	}
	maxAllowed, err := wad.Mul(uint256.NewInt(units), perUnit)
	if err != nil {
		return mathErr(err)
	}
	principal, err := wad.Add(owed, amount)
	if err != nil {
		return mathErr(err)
	}
	if principal.Gt(maxAllowed) {
		return fmt.Errorf("%w: owed %s, cap %s", ErrCollateralCapExceeded, principal.Dec(), maxAllowed.Dec())
	}

	balance, err := t.poolBalance()
	if err != nil {
		return err
	}
	needed, err := wad.Add(amount, st.RequestedWithdrawTotal)
	if err != nil {
		return mathErr(err)
	}
	needed, err = wad.Add(needed, st.AccumulatedProtocolFee)
	if err != nil {
		return mathErr(err)
	}
	if needed.Gt(wad.SubFloor(balance, st.ReservedForClaimTotal)) {
		return ErrInsufficientLiquidity
	}
	total, err := wad.Add(st.TotalUtilized, amount)
	if err != nil {
		return mathErr(err)
	}

	st.Utilizers[account] = &model.UtilizerAccount{
		Principal:     principal,
		IndexSnapshot: wad.Clone(st.UtilizeIndex),
	}
	st.TotalUtilized = total

	if err := t.recordUtilization(account, amount); err != nil {
		return err
	}
	if err := t.send(account, amount); err != nil {
		return err
	}
	t.emit(model.EventUtilized, account, 0, amount)
	return nil
}

// Repay pays down the caller's own debt. MaxAmount repays everything.
// Returns the amount actually repaid.
func (p *Pool) Repay(ctx context.Context, caller model.Address, amount *uint256.Int) (*uint256.Int, error) {
	return p.repay(ctx, "repay", caller, caller, amount)
}

// RepayOnBehalf pays down account's debt with the caller's funds.
func (p *Pool) RepayOnBehalf(ctx context.Context, caller, account model.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := requireAccount(account); err != nil {
		return nil, err
	}
	return p.repay(ctx, "repay_on_behalf", caller, account, amount)
}

// RepayFull repays the caller's whole owed balance.
func (p *Pool) RepayFull(ctx context.Context, caller model.Address) (*uint256.Int, error) {
	return p.repay(ctx, "repay_full", caller, caller, MaxAmount)
}

func (p *Pool) repay(ctx context.Context, op string, payer, account model.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := requireCaller(p, payer); err != nil {
		return nil, err
	}
	var repaid *uint256.Int
	err := p.mutate(ctx, op, func(t *tx) error {
		var err error
		repaid, err = t.repay(payer, account, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// repay splits the payment: the part of the debt the collateral ledger
// has not recorded is treated as interest accrued since the last sync and
// only the remainder reduces the ledger's utilized balance.
func (t *tx) repay(payer, account model.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	st := t.st
	owed, err := owedBalance(st.Utilizers[account], st.UtilizeIndex)
	if err != nil {
		return nil, err
	}
	if owed.IsZero() {
		return nil, ErrNothingToRepay
	}
	final := wad.Min(amount, owed)
	external, err := t.utilizedBalance(account)
	if err != nil {
		return nil, err
	}
	feePortion := wad.SubFloor(owed, external)

	if err := t.pull(payer, final); err != nil {
		return nil, err
	}
	if final.Gt(feePortion) {
		reduce := new(uint256.Int).Sub(final, feePortion)
		if err := t.reduceUtilization(account, reduce); err != nil {
			return nil, err
		}
	}

	t.setOwed(account, new(uint256.Int).Sub(owed, final))
	st.TotalUtilized = wad.SubFloor(st.TotalUtilized, final)
	t.emit(model.EventRepaid, account, 0, final)
	return final, nil
}

// setOwed resnapshots account at the current index.
func (t *tx) setOwed(account model.Address, owed *uint256.Int) {
	prev := t.st.Utilizers[account]
	acct := &model.UtilizerAccount{
		Principal:     owed,
		IndexSnapshot: wad.Clone(t.st.UtilizeIndex),
	}
	if prev != nil {
		acct.WrittenOff = prev.WrittenOff
	}
	t.st.Utilizers[account] = acct
}

// ClearUtilizerInterest writes off the debt of every listed account whose
// collateral ledger balance is already zero. Such interest can no longer
// be recovered. Returns the accounts that were cleared.
func (p *Pool) ClearUtilizerInterest(ctx context.Context, caller model.Address, accounts []model.Address) ([]model.Address, error) {
	for _, account := range accounts {
		if err := requireAccount(account); err != nil {
			return nil, err
		}
	}
	var cleared []model.Address
	err := p.mutate(ctx, "clear_utilizer_interest", func(t *tx) error {
		if err := t.authorize(caller, RoleManager); err != nil {
			return err
		}
		st := t.st
		for _, account := range accounts {
			acct := st.Utilizers[account]
			if acct == nil || acct.Principal == nil || acct.Principal.IsZero() {
				continue
			}
			external, err := t.utilizedBalance(account)
			if err != nil {
				return err
			}
			if !external.IsZero() {
				continue
			}
			owed, err := owedBalance(acct, st.UtilizeIndex)
			if err != nil {
				return err
			}
			st.TotalUtilized = wad.SubFloor(st.TotalUtilized, owed)
			st.Utilizers[account] = &model.UtilizerAccount{
				Principal:     wad.Zero(),
				IndexSnapshot: wad.Zero(),
				WrittenOff:    true,
			}
			cleared = append(cleared, account)
			t.emit(model.EventInterestCleared, account, 0, owed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleared, nil
}

// --- collateral ledger helpers ---

func (t *tx) unitCount(account model.Address) (uint64, error) {
	n, err := t.p.collateral.NonTerminalUnitCount(t.ctx, account)
	if err != nil {
		return 0, fmt.Errorf("%w: unit count: %v", ErrCollaborator, err)
	}
	return n, nil
}

// recordUtilization books amount on the collateral ledger and undoes it
// if the call fails afterwards.
func (t *tx) recordUtilization(account model.Address, amount *uint256.Int) error {
	if err := t.p.collateral.RecordUtilization(t.ctx, account, amount); err != nil {
		return fmt.Errorf("%w: record utilization: %v", ErrCollaborator, err)
	}
	booked := wad.Clone(amount)
	t.compensate("reduce utilization of "+string(account), func(ctx context.Context) error {
		return t.p.collateral.ReduceUtilization(ctx, account, booked)
	})
	return nil
}

func (t *tx) reduceUtilization(account model.Address, amount *uint256.Int) error {
	if err := t.p.collateral.ReduceUtilization(t.ctx, account, amount); err != nil {
		return fmt.Errorf("%w: reduce utilization: %v", ErrCollaborator, err)
	}
	reduced := wad.Clone(amount)
	t.compensate("record utilization of "+string(account), func(ctx context.Context) error {
		return t.p.collateral.RecordUtilization(ctx, account, reduced)
	})
	return nil
}

func (t *tx) utilizedBalance(account model.Address) (*uint256.Int, error) {
	return utilizedBalance(t.ctx, t.p.collateral, account)
}

func (t *tx) toAsset(reference *uint256.Int) (*uint256.Int, error) {
	return toAsset(t.ctx, t.p.collateral, reference)
}

func (t *tx) toReference(asset *uint256.Int) (*uint256.Int, error) {
	v, err := t.p.collateral.ConvertAssetToReference(t.ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("%w: convert to reference: %v", ErrCollaborator, err)
	}
	if v == nil {
		return wad.Zero(), nil
	}
	return v, nil
}

func utilizedBalance(ctx context.Context, c CollateralLedger, account model.Address) (*uint256.Int, error) {
	v, err := c.UtilizedBalance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: utilized balance: %v", ErrCollaborator, err)
	}
	if v == nil {
		return wad.Zero(), nil
	}
	return v, nil
}

func toAsset(ctx context.Context, c CollateralLedger, reference *uint256.Int) (*uint256.Int, error) {
	v, err := c.ConvertReferenceToAsset(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: convert to asset: %v", ErrCollaborator, err)
	}
	if v == nil {
		return wad.Zero(), nil
	}
	return v, nil
}
