package pool

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// exchangeRate prices one claim token in asset units given the pool's raw
// asset balance. Funds reserved for finalized claims do not back shares.
func exchangeRate(st *model.PoolState, balance *uint256.Int) (*uint256.Int, error) {
	if st.ClaimTokenSupply.IsZero() {
		return wad.One(), nil
	}
	backing, err := wad.Add(wad.SubFloor(balance, st.ReservedForClaimTotal), st.TotalUtilized)
	if err != nil {
		return nil, mathErr(err)
	}
	backing = wad.SubFloor(backing, st.AccumulatedProtocolFee)
	rate, err := wad.MulDiv(backing, wad.Scale, st.ClaimTokenSupply)
	if err != nil {
		return nil, mathErr(err)
	}
	return rate, nil
}

func (t *tx) exchangeRate() (*uint256.Int, error) {
	bal, err := t.poolBalance()
	if err != nil {
		return nil, err
	}
	return exchangeRate(t.st, bal)
}

// Delegate pulls amount from caller and mints claim tokens at the current
// rate, rounding down. Returns the minted amount.
func (p *Pool) Delegate(ctx context.Context, caller model.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := requireCaller(p, caller); err != nil {
		return nil, err
	}
	var minted *uint256.Int
	err := p.mutate(ctx, "delegate", func(t *tx) error {
		var err error
		minted, err = t.delegate(caller, caller, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// delegate funds from payer and credits the shares to holder. holder
// differs from payer only for the construction seed.
func (t *tx) delegate(payer, holder model.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	if amount.Lt(t.st.Params.MinDelegate) {
		return nil, ErrBelowMinDelegate
	}
	rate, err := t.exchangeRate()
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		return nil, ErrZeroExchangeRate
	}
	shares, err := wad.MulDiv(amount, wad.Scale, rate)
	if err != nil {
		return nil, mathErr(err)
	}
	if shares.IsZero() {
		return nil, ErrZeroShares
	}
	supply, err := wad.Add(t.st.ClaimTokenSupply, shares)
	if err != nil {
		return nil, mathErr(err)
	}
	bal := balanceOf(t.st.ClaimTokens, holder)
	newBal, err := wad.Add(bal, shares)
	if err != nil {
		return nil, mathErr(err)
	}

	// The incentive ledger checkpoints against the balance before it moves.
	if err := t.notifyBalance(holder); err != nil {
		return nil, err
	}
	if err := t.pull(payer, amount); err != nil {
		return nil, err
	}
	t.st.ClaimTokenSupply = supply
	t.st.ClaimTokens[holder] = newBal
	t.emit(model.EventDelegated, holder, 0, amount)
	return shares, nil
}
