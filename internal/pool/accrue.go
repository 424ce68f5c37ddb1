package pool

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// Accrue brings the utilize index current. It is also the first step of
// every other mutating call.
func (p *Pool) Accrue(ctx context.Context) error {
	return p.mutate(ctx, "accrue", func(t *tx) error { return nil })
}

// accrue applies simple interest for the ticks elapsed since the last
// checkpoint. Asset growth rounds down and index growth rounds up, so
// individual debts never trail the pool total.
func (t *tx) accrue() error {
	before := wad.Clone(t.st.TotalUtilized)
	moved, err := accrueState(t.st, t.now)
	if err != nil {
		return err
	}
	if moved {
		t.emit(model.EventAccrued, "", 0, wad.SubFloor(t.st.TotalUtilized, before))
	}
	return nil
}

// accrueState mutates st in place. A clock reading at or before the
// checkpoint is a no-op. Reports whether the index moved.
func accrueState(st *model.PoolState, now uint64) (bool, error) {
	if now <= st.LastAccrualTime {
		return false, nil
	}
	elapsed := uint256.NewInt(now - st.LastAccrualTime)
	factor, err := wad.Mul(st.Params.UtilizationRatePerTick, elapsed)
	if err != nil {
		return false, mathErr(err)
	}

	interest, err := wad.MulDiv(factor, st.TotalUtilized, wad.Scale)
	if err != nil {
		return false, mathErr(err)
	}
	fee, err := wad.MulDiv(st.Params.ProtocolFeeRate, interest, wad.Scale)
	if err != nil {
		return false, mathErr(err)
	}
	growth, err := wad.MulDivUp(factor, st.UtilizeIndex, wad.Scale)
	if err != nil {
		return false, mathErr(err)
	}

	total, err := wad.Add(st.TotalUtilized, interest)
	if err != nil {
		return false, mathErr(err)
	}
	accumulated, err := wad.Add(st.AccumulatedProtocolFee, fee)
	if err != nil {
		return false, mathErr(err)
	}
	index, err := wad.Add(st.UtilizeIndex, growth)
	if err != nil {
		return false, mathErr(err)
	}

	st.TotalUtilized = total
	st.AccumulatedProtocolFee = accumulated
	st.UtilizeIndex = index
	st.LastAccrualTime = now
	return !growth.IsZero(), nil
}

// owedBalance derives an account's current debt from its snapshot.
func owedBalance(acct *model.UtilizerAccount, index *uint256.Int) (*uint256.Int, error) {
	if acct == nil || acct.Principal == nil || acct.Principal.IsZero() {
		return wad.Zero(), nil
	}
	if acct.IndexSnapshot == nil || acct.IndexSnapshot.IsZero() {
		return wad.Clone(acct.Principal), nil
	}
	owed, err := wad.MulDiv(acct.Principal, index, acct.IndexSnapshot)
	if err != nil {
		return nil, mathErr(err)
	}
	return owed, nil
}

// projected returns a clone of the live state accrued to now. Used by
// queries that report current values without committing.
func projected(st *model.PoolState, now uint64) (*model.PoolState, error) {
	clone := st.Clone()
	if _, err := accrueState(clone, now); err != nil {
		return nil, err
	}
	return clone, nil
}
