package pool

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// Summary is the pool-level view served to readers.
type Summary struct {
	Address                 model.Address    `json:"address"`
	Params                  model.PoolParams `json:"params"`
	Risk                    model.RiskConfig `json:"risk"`
	LastAccrualTime         uint64           `json:"last_accrual_time"`
	UtilizeIndex            *uint256.Int     `json:"utilize_index"`
	TotalUtilized           *uint256.Int     `json:"total_utilized"`
	AccumulatedProtocolFee  *uint256.Int     `json:"accumulated_protocol_fee"`
	ClaimTokenSupply        *uint256.Int     `json:"claim_token_supply"`
	NextRequestID           uint64           `json:"next_request_id"`
	NextRequestIDToFinalize uint64           `json:"next_request_id_to_finalize"`
	RequestedWithdrawTotal  *uint256.Int     `json:"requested_withdraw_total"`
	ReservedForClaimTotal   *uint256.Int     `json:"reserved_for_claim_total"`
	PoolBalance             *uint256.Int     `json:"pool_balance"`
	ExchangeRate            *uint256.Int     `json:"exchange_rate"`
	Utilization             *uint256.Int     `json:"utilization"`
	OpenLiquidations        int              `json:"open_liquidations"`
}

// AccountView gathers everything the pool knows about one address.
type AccountView struct {
	Account          model.Address       `json:"account"`
	Status           model.AccountStatus `json:"status"`
	ClaimTokens      *uint256.Int        `json:"claim_tokens"`
	PendingClaim     *uint256.Int        `json:"pending_withdraw_claim_tokens"`
	DelegatedAssets  *uint256.Int        `json:"delegated_assets"`
	OwedStored       *uint256.Int        `json:"owed_stored"`
	OwedCurrent      *uint256.Int        `json:"owed_current"`
	InterestOwed     *uint256.Int        `json:"interest_owed"`
	HealthFactor     *uint256.Int        `json:"health_factor"`
	CollateralValue  *uint256.Int        `json:"collateral_value"`
	BorrowLimit      *uint256.Int        `json:"borrow_limit"`
	OpenRequestIDs   []uint64            `json:"open_request_ids"`
	LiquidationIndex uint64              `json:"liquidation_index,omitempty"`
}

// State returns a deep copy of the pool state.
func (p *Pool) State() *model.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// Summary reports the pool totals with the stored index.
func (p *Pool) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := p.view(func(st *model.PoolState) error {
		balance, err := p.balance(ctx)
		if err != nil {
			return err
		}
		rate, err := exchangeRate(st, balance)
		if err != nil {
			return err
		}
		util, err := utilization(st, balance)
		if err != nil {
			return err
		}
		s = Summary{
			Address:                 p.addr,
			Params:                  st.Params.Clone(),
			Risk:                    st.Risk,
			LastAccrualTime:         st.LastAccrualTime,
			UtilizeIndex:            wad.Clone(st.UtilizeIndex),
			TotalUtilized:           wad.Clone(st.TotalUtilized),
			AccumulatedProtocolFee:  wad.Clone(st.AccumulatedProtocolFee),
			ClaimTokenSupply:        wad.Clone(st.ClaimTokenSupply),
			NextRequestID:           st.NextRequestID,
			NextRequestIDToFinalize: st.NextRequestIDToFinalize,
			RequestedWithdrawTotal:  wad.Clone(st.RequestedWithdrawTotal),
			ReservedForClaimTotal:   wad.Clone(st.ReservedForClaimTotal),
			PoolBalance:             balance,
			ExchangeRate:            rate,
			Utilization:             util,
			OpenLiquidations:        len(st.LiquidationIndex),
		}
		return nil
	})
	return s, err
}

func (p *Pool) balance(ctx context.Context) (*uint256.Int, error) {
	bal, err := p.asset.BalanceOf(ctx, p.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of pool: %v", ErrTransferFailed, err)
	}
	if bal == nil {
		return wad.Zero(), nil
	}
	return bal, nil
}

// ExchangeRateStored prices a claim token using the last accrued index.
func (p *Pool) ExchangeRateStored(ctx context.Context) (*uint256.Int, error) {
	var rate *uint256.Int
	err := p.view(func(st *model.PoolState) error {
		balance, err := p.balance(ctx)
		if err != nil {
			return err
		}
		rate, err = exchangeRate(st, balance)
		return err
	})
	return rate, err
}

// ExchangeRateCurrent accrues, commits, and then prices a claim token.
func (p *Pool) ExchangeRateCurrent(ctx context.Context) (*uint256.Int, error) {
	var rate *uint256.Int
	err := p.mutate(ctx, "exchange_rate_current", func(t *tx) error {
		var err error
		rate, err = t.exchangeRate()
		return err
	})
	return rate, err
}

// UtilizerBalanceStored returns account's debt at the last accrued index.
func (p *Pool) UtilizerBalanceStored(account model.Address) (*uint256.Int, error) {
	var owed *uint256.Int
	err := p.view(func(st *model.PoolState) error {
		var err error
		owed, err = owedBalance(st.Utilizers[account], st.UtilizeIndex)
		return err
	})
	return owed, err
}

// UtilizerBalanceCurrent accrues, commits, and returns account's debt.
func (p *Pool) UtilizerBalanceCurrent(ctx context.Context, account model.Address) (*uint256.Int, error) {
	var owed *uint256.Int
	err := p.mutate(ctx, "utilizer_balance_current", func(t *tx) error {
		var err error
		owed, err = owedBalance(t.st.Utilizers[account], t.st.UtilizeIndex)
		return err
	})
	return owed, err
}

// ClaimTokenBalance returns account's unencumbered claim tokens.
func (p *Pool) ClaimTokenBalance(account model.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wad.Clone(p.state.ClaimTokens[account])
}

// DelegatorBalance values account's claim tokens in asset units at the
// stored rate.
func (p *Pool) DelegatorBalance(ctx context.Context, account model.Address) (*uint256.Int, error) {
	var assets *uint256.Int
	err := p.view(func(st *model.PoolState) error {
		balance, err := p.balance(ctx)
		if err != nil {
			return err
		}
		rate, err := exchangeRate(st, balance)
		if err != nil {
			return err
		}
		assets, err = wad.MulDiv(wad.Clone(st.ClaimTokens[account]), rate, wad.Scale)
		if err != nil {
			return mathErr(err)
		}
		return nil
	})
	return assets, err
}

// RequestIDsByOwner lists owner's requests that have not been claimed.
// Order is unspecified.
func (p *Pool) RequestIDsByOwner(owner model.Address) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64{}, p.state.RequestsByOwner[owner]...)
}

// WithdrawRequest returns a copy of request id.
func (p *Pool) WithdrawRequest(id uint64) (*model.WithdrawRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.state.Requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrRequestNotFound, id)
	}
	return req.Clone(), nil
}

// Liquidation returns account's open liquidation record.
func (p *Pool) Liquidation(account model.Address) (*model.LiquidationRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.state.LiquidationIndex[account]
	if idx == 0 || idx > uint64(len(p.state.Liquidations)) {
		return nil, fmt.Errorf("%w: no open liquidation for %s", ErrNotFound, account)
	}
	return p.state.Liquidations[idx-1].Clone(), nil
}

// Liquidations returns the whole liquidation log in order.
func (p *Pool) Liquidations() []*model.LiquidationRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.LiquidationRecord, len(p.state.Liquidations))
	for i, rec := range p.state.Liquidations {
		out[i] = rec.Clone()
	}
	return out
}

// utilization is TotalUtilized over the assets the pool could lend plus
// what it has lent, scaled by 1e18.
func utilization(st *model.PoolState, balance *uint256.Int) (*uint256.Int, error) {
	available := wad.SubFloor(wad.SubFloor(balance, st.ReservedForClaimTotal), st.AccumulatedProtocolFee)
	denominator, err := wad.Add(available, st.TotalUtilized)
	if err != nil {
		return nil, mathErr(err)
	}
	if denominator.IsZero() {
		return wad.Zero(), nil
	}
	ratio, err := wad.MulDiv(st.TotalUtilized, wad.Scale, denominator)
	if err != nil {
		return nil, mathErr(err)
	}
	return ratio, nil
}

// UtilizationRatio reports the share of pool assets currently lent out.
func (p *Pool) UtilizationRatio(ctx context.Context) (*uint256.Int, error) {
	var ratio *uint256.Int
	err := p.view(func(st *model.PoolState) error {
		balance, err := p.balance(ctx)
		if err != nil {
			return err
		}
		ratio, err = utilization(st, balance)
		return err
	})
	return ratio, err
}

// DelegationRatePerTick is the rate earned by delegators: the utilization
// rate weighted by utilization, net of the protocol fee.
func (p *Pool) DelegationRatePerTick(ctx context.Context) (*uint256.Int, error) {
	var rate *uint256.Int
	err := p.view(func(st *model.PoolState) error {
		balance, err := p.balance(ctx)
		if err != nil {
			return err
		}
		util, err := utilization(st, balance)
		if err != nil {
			return err
		}
		gross, err := wad.MulDiv(st.Params.UtilizationRatePerTick, util, wad.Scale)
		if err != nil {
			return mathErr(err)
		}
		net := wad.SubFloor(wad.Scale, st.Params.ProtocolFeeRate)
		rate, err = wad.MulDiv(gross, net, wad.Scale)
		if err != nil {
			return mathErr(err)
		}
		return nil
	})
	return rate, err
}

func accountStatus(st *model.PoolState, account model.Address) model.AccountStatus {
	acct := st.Utilizers[account]
	switch {
	case acct != nil && acct.WrittenOff:
		return model.StatusWrittenOff
	case st.LiquidationIndex[account] != 0:
		return model.StatusLiquidating
	case acct != nil && acct.Principal != nil && !acct.Principal.IsZero():
		return model.StatusUtilized
	default:
		return model.StatusUnborrowed
	}
}

// AccountStatus reports where account is in the utilization lifecycle.
func (p *Pool) AccountStatus(account model.Address) model.AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return accountStatus(p.state, account)
}

// Account assembles the full view of account. Current values are projected
// to the present tick without committing.
func (p *Pool) Account(ctx context.Context, account model.Address) (AccountView, error) {
	if err := requireAccount(account); err != nil {
		return AccountView{}, err
	}
	var v AccountView
	err := p.view(func(st *model.PoolState) error {
		stored, err := owedBalance(st.Utilizers[account], st.UtilizeIndex)
		if err != nil {
			return err
		}
		current, err := projected(st, p.clock.Now())
		if err != nil {
			return err
		}
		h, err := p.assessHealth(ctx, current, account)
		if err != nil {
			return err
		}
		balance, err := p.balance(ctx)
		if err != nil {
			return err
		}
		rate, err := exchangeRate(st, balance)
		if err != nil {
			return err
		}
		tokens := wad.Clone(st.ClaimTokens[account])
		delegated, err := wad.MulDiv(tokens, rate, wad.Scale)
		if err != nil {
			return mathErr(err)
		}
		limit, err := wad.MulDiv(h.collateral, uint256.NewInt(st.Risk.LoanToValuePct), hundred)
		if err != nil {
			return mathErr(err)
		}
		v = AccountView{
			Account:          account,
			Status:           accountStatus(st, account),
			ClaimTokens:      tokens,
			PendingClaim:     wad.Clone(st.PendingWithdrawClaimTokens[account]),
			DelegatedAssets:  delegated,
			OwedStored:       stored,
			OwedCurrent:      h.owed,
			InterestOwed:     h.interest,
			HealthFactor:     h.factor,
			CollateralValue:  h.collateral,
			BorrowLimit:      limit,
			OpenRequestIDs:   append([]uint64{}, st.RequestsByOwner[account]...),
			LiquidationIndex: st.LiquidationIndex[account],
		}
		return nil
	})
	return v, err
}
