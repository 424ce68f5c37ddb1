package pool

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// RequestWithdraw queues a withdrawal of claimTokens. The asset amount is
// fixed at the current rate and may only shrink at finalization.
func (p *Pool) RequestWithdraw(ctx context.Context, caller model.Address, claimTokens *uint256.Int) (uint64, error) {
	if err := requireCaller(p, caller); err != nil {
		return 0, err
	}
	var id uint64
	err := p.mutate(ctx, "request_withdraw", func(t *tx) error {
		if err := requirePositive(claimTokens); err != nil {
			return err
		}
		rate, err := t.exchangeRate()
		if err != nil {
			return err
		}
		id, err = t.requestWithdraw(caller, claimTokens, rate)
		return err
	})
	return id, err
}

// RequestWithdrawAsset queues a withdrawal sized in asset units. The claim
// tokens to burn are rounded up.
func (p *Pool) RequestWithdrawAsset(ctx context.Context, caller model.Address, assetAmount *uint256.Int) (uint64, error) {
	if err := requireCaller(p, caller); err != nil {
		return 0, err
	}
	var id uint64
	err := p.mutate(ctx, "request_withdraw_asset", func(t *tx) error {
		if err := requirePositive(assetAmount); err != nil {
			return err
		}
		rate, err := t.exchangeRate()
		if err != nil {
			return err
		}
		if rate.IsZero() {
			return ErrZeroExchangeRate
		}
		claimTokens, err := wad.MulDivUp(assetAmount, wad.Scale, rate)
		if err != nil {
			return mathErr(err)
		}
		id, err = t.requestWithdraw(caller, claimTokens, rate)
		return err
	})
	return id, err
}

func (t *tx) requestWithdraw(owner model.Address, claimTokens, rate *uint256.Int) (uint64, error) {
	st := t.st
	bal := balanceOf(st.ClaimTokens, owner)
	if claimTokens.Gt(bal) {
		return 0, fmt.Errorf("%w: requested %s, balance %s", ErrClaimTokensExceeded, claimTokens.Dec(), bal.Dec())
	}
	if uint64(len(st.RequestsByOwner[owner])) >= st.Params.MaxOpenRequestsPerAccount {
		return 0, ErrOpenRequestLimit
	}
	expected, err := wad.MulDiv(rate, claimTokens, wad.Scale)
	if err != nil {
		return 0, mathErr(err)
	}
	if expected.IsZero() || expected.Lt(st.Params.MinWithdraw) {
		return 0, fmt.Errorf("%w: expected %s", ErrBelowMinWithdraw, expected.Dec())
	}
	requested, err := wad.Add(st.RequestedWithdrawTotal, expected)
	if err != nil {
		return 0, mathErr(err)
	}

	if err := t.notifyBalance(owner); err != nil {
		return 0, err
	}

	remaining := new(uint256.Int).Sub(bal, claimTokens)
	st.ClaimTokens[owner] = remaining
	pending := balanceOf(st.PendingWithdrawClaimTokens, owner)
	st.PendingWithdrawClaimTokens[owner] = new(uint256.Int).Add(pending, claimTokens)

	id := st.NextRequestID
	st.Requests[id] = &model.WithdrawRequest{
		ID:                   id,
		Owner:                owner,
		ClaimTokensBurned:    wad.Clone(claimTokens),
		AssetAmountExpected:  expected,
		AssetAmountFinalized: wad.Zero(),
		RequestTime:          t.now,
	}
	st.RequestsByOwner[owner] = append(st.RequestsByOwner[owner], id)
	st.NextRequestID++
	st.RequestedWithdrawTotal = requested

	if remaining.IsZero() {
		if err := t.p.incentives.Claim(t.ctx, owner); err != nil {
			return 0, fmt.Errorf("%w: incentive claim: %v", ErrCollaborator, err)
		}
	}
	t.emit(model.EventWithdrawRequested, owner, id, expected)
	return id, nil
}

// FinalizeBatch finalizes queued requests in id order, stopping at the
// first request that is too young or that the pool cannot cover. At most
// FinalizationBatchLimit requests are examined per call. Returns the
// number finalized.
func (p *Pool) FinalizeBatch(ctx context.Context) (uint64, error) {
	var count uint64
	err := p.mutate(ctx, "finalize_batch", func(t *tx) error {
		var err error
		count, err = t.finalizeBatch()
		return err
	})
	return count, err
}

func (t *tx) finalizeBatch() (uint64, error) {
	st := t.st
	end := st.NextRequestIDToFinalize + st.Params.FinalizationBatchLimit
	if end > st.NextRequestID || end < st.NextRequestIDToFinalize {
		end = st.NextRequestID
	}
	if st.NextRequestIDToFinalize >= end {
		return 0, nil
	}
	balance, err := t.poolBalance()
	if err != nil {
		return 0, err
	}

	var count uint64
	for id := st.NextRequestIDToFinalize; id < end; id++ {
		req := st.Requests[id]
		if req == nil {
			// Claimed requests are always behind the cursor.
			return count, fmt.Errorf("%w: request %d missing from queue", ErrPrecondition, id)
		}
		if req.RequestTime+st.Params.MinDelayTicks > t.now {
			break
		}
		rate, err := exchangeRate(st, balance)
		if err != nil {
			return count, err
		}
		current, err := wad.MulDiv(req.ClaimTokensBurned, rate, wad.Scale)
		if err != nil {
			return count, mathErr(err)
		}
		finalized := wad.Min(req.AssetAmountExpected, current)

		needed, err := wad.Add(st.ReservedForClaimTotal, finalized)
		if err != nil {
			return count, mathErr(err)
		}
		needed, err = wad.Add(needed, st.AccumulatedProtocolFee)
		if err != nil {
			return count, mathErr(err)
		}
		if needed.Gt(balance) {
			break
		}

		if err := t.notifyBalance(req.Owner); err != nil {
			return count, err
		}
		st.RequestedWithdrawTotal = wad.SubFloor(st.RequestedWithdrawTotal, req.AssetAmountExpected)
		pending := balanceOf(st.PendingWithdrawClaimTokens, req.Owner)
		st.PendingWithdrawClaimTokens[req.Owner] = wad.SubFloor(pending, req.ClaimTokensBurned)
		st.ClaimTokenSupply = wad.SubFloor(st.ClaimTokenSupply, req.ClaimTokensBurned)
		st.ReservedForClaimTotal = needed.Sub(needed, st.AccumulatedProtocolFee)
		req.AssetAmountFinalized = finalized
		req.Finalized = true
		st.NextRequestIDToFinalize = id + 1
		count++
		t.emit(model.EventWithdrawFinalized, req.Owner, id, finalized)
	}
	return count, nil
}

// Claim pays out a finalized request to its owner and deletes it.
func (p *Pool) Claim(ctx context.Context, caller model.Address, id uint64) (*uint256.Int, error) {
	if err := requireCaller(p, caller); err != nil {
		return nil, err
	}
	var paid *uint256.Int
	err := p.mutate(ctx, "claim", func(t *tx) error {
		st := t.st
		if id == 0 || id >= st.NextRequestID {
			return fmt.Errorf("%w: id %d", ErrRequestNotFound, id)
		}
		if id >= st.NextRequestIDToFinalize {
			return fmt.Errorf("%w: id %d", ErrRequestNotFinalized, id)
		}
		req, ok := st.Requests[id]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrRequestNotFound, id)
		}
		if req.Owner != caller {
			return ErrNotRequestOwner
		}

		paid = wad.Clone(req.AssetAmountFinalized)
		st.ReservedForClaimTotal = wad.SubFloor(st.ReservedForClaimTotal, paid)
		delete(st.Requests, id)
		st.RequestsByOwner[caller] = removeID(st.RequestsByOwner[caller], id)
		if len(st.RequestsByOwner[caller]) == 0 {
			delete(st.RequestsByOwner, caller)
		}

		if !paid.IsZero() {
			if err := t.send(caller, paid); err != nil {
				return err
			}
		}
		t.emit(model.EventWithdrawClaimed, caller, id, paid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// removeID swaps id with the last element and pops it. Order is not kept.
func removeID(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			last := len(ids) - 1
			ids[i] = ids[last]
			return ids[:last]
		}
	}
	return ids
}
