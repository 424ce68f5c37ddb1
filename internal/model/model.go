// Package model defines the core domain types shared across the credit pool.
// Asset, claim-token and fixed-point values are holiman/uint256 integers,
// never float64. Ratios carry a 1e18 scale (see package wad).
package model

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/wad"
)

// Address identifies a participant: 0x-prefixed, 40 lowercase hex digits.
type Address string

// ZeroAddress is never a valid participant.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// UtilizerAccount is a borrower's (principal, index) snapshot. The owed
// balance is derived on read as Principal * UtilizeIndex / IndexSnapshot.
type UtilizerAccount struct {
	Principal     *uint256.Int `json:"principal"`
	IndexSnapshot *uint256.Int `json:"index_snapshot"`
	// WrittenOff is set when the manager clears the account's interest.
	// It is terminal: the account cannot utilize again.
	WrittenOff bool `json:"written_off,omitempty"`
}

// WithdrawRequest is one entry of the FIFO withdrawal queue. Created by a
// withdraw request, mutated exactly once by finalization, deleted on claim.
type WithdrawRequest struct {
	ID                   uint64       `json:"id"`
	Owner                Address      `json:"owner"`
	ClaimTokensBurned    *uint256.Int `json:"claim_tokens_burned"`
	AssetAmountExpected  *uint256.Int `json:"asset_amount_expected"`
	AssetAmountFinalized *uint256.Int `json:"asset_amount_finalized"`
	RequestTime          uint64       `json:"request_time"`
	Finalized            bool         `json:"finalized"`
}

// LiquidationRecord is an append-only log entry. Amounts are denominated
// in the collateral ledger's reference unit.
type LiquidationRecord struct {
	Account        Address      `json:"account"`
	TotalAmountDue *uint256.Int `json:"total_amount_due"`
	BonusAmount    *uint256.Int `json:"bonus_amount"`
	FeeAmount      *uint256.Int `json:"fee_amount"`
	IsRepaid       bool         `json:"is_repaid"`
	IsClaimed      bool         `json:"is_claimed"`
	Liquidator     Address      `json:"liquidator"`
}

// RiskConfig holds the liquidation parameters, all whole percentages.
// Version is bumped on every accepted update; no history is kept.
type RiskConfig struct {
	LiquidationThresholdPct uint64 `json:"liquidation_threshold_pct"`
	LiquidationBonusPct     uint64 `json:"liquidation_bonus_pct"`
	LiquidationFeePct       uint64 `json:"liquidation_fee_pct"`
	LoanToValuePct          uint64 `json:"loan_to_value_pct"`
	Version                 uint64 `json:"version"`
}

// PoolParams are the admin-tunable pool parameters.
type PoolParams struct {
	// ProtocolFeeRate is the share of accrued interest owed to the
	// treasury, scaled by 1e18.
	ProtocolFeeRate *uint256.Int `json:"protocol_fee_rate"`
	// UtilizationRatePerTick is the simple interest rate per tick, scaled
	// by 1e18.
	UtilizationRatePerTick *uint256.Int `json:"utilization_rate_per_tick"`
	// MaxCollateralRatioPerUnit caps utilization per non-terminal unit,
	// in reference units.
	MaxCollateralRatioPerUnit *uint256.Int `json:"max_collateral_ratio_per_unit"`
	// ReferenceValuePerUnit values one non-terminal unit, in reference
	// units, when computing collateral for the health factor.
	ReferenceValuePerUnit     *uint256.Int `json:"reference_value_per_unit"`
	MinDelegate               *uint256.Int `json:"min_delegate"`
	MinWithdraw               *uint256.Int `json:"min_withdraw"`
	FinalizationBatchLimit    uint64       `json:"finalization_batch_limit"`
	MinDelayTicks             uint64       `json:"min_delay_ticks"`
	MaxOpenRequestsPerAccount uint64       `json:"max_open_requests_per_account"`
}

// Clone returns a deep copy of the parameters.
func (p PoolParams) Clone() PoolParams {
	clone := p
	clone.ProtocolFeeRate = wad.Clone(p.ProtocolFeeRate)
	clone.UtilizationRatePerTick = wad.Clone(p.UtilizationRatePerTick)
	clone.MaxCollateralRatioPerUnit = wad.Clone(p.MaxCollateralRatioPerUnit)
	clone.ReferenceValuePerUnit = wad.Clone(p.ReferenceValuePerUnit)
	clone.MinDelegate = wad.Clone(p.MinDelegate)
	clone.MinWithdraw = wad.Clone(p.MinWithdraw)
	return clone
}

// PoolState is the singleton owned by the engine. Nothing outside the
// engine mutates it; readers receive clones.
type PoolState struct {
	Params PoolParams `json:"params"`
	Risk   RiskConfig `json:"risk"`

	LastAccrualTime        uint64       `json:"last_accrual_time"`
	UtilizeIndex           *uint256.Int `json:"utilize_index"`
	TotalUtilized          *uint256.Int `json:"total_utilized"`
	AccumulatedProtocolFee *uint256.Int `json:"accumulated_protocol_fee"`
	ClaimTokenSupply       *uint256.Int `json:"claim_token_supply"`

	NextRequestID           uint64       `json:"next_request_id"`
	NextRequestIDToFinalize uint64       `json:"next_request_id_to_finalize"`
	RequestedWithdrawTotal  *uint256.Int `json:"requested_withdraw_total"`
	ReservedForClaimTotal   *uint256.Int `json:"reserved_for_claim_total"`

	Utilizers                  map[Address]*UtilizerAccount `json:"utilizers"`
	ClaimTokens                map[Address]*uint256.Int     `json:"claim_tokens"`
	PendingWithdrawClaimTokens map[Address]*uint256.Int     `json:"pending_withdraw_claim_tokens"`
	Requests                   map[uint64]*WithdrawRequest  `json:"requests"`
	RequestsByOwner            map[Address][]uint64         `json:"requests_by_owner"`

	Liquidations     []*LiquidationRecord `json:"liquidations"`
	LiquidationIndex map[Address]uint64   `json:"liquidation_index"`

	// Ledger is the collaborator checkpoint attached to the copy handed
	// to commit hooks. The engine never reads it.
	Ledger *LedgerState `json:"ledger,omitempty"`
}

// LedgerState is a checkpoint of in-process collaborator balances, taken
// at the same commit as the pool state it travels with.
type LedgerState struct {
	Balances          map[Address]*uint256.Int `json:"balances"`
	Units             map[Address]uint64       `json:"units"`
	Utilized          map[Address]*uint256.Int `json:"utilized"`
	AssetPerReference *uint256.Int             `json:"asset_per_reference"`
	Unclaimed         map[Address]*uint256.Int `json:"unclaimed"`
}

// NewLedgerState returns an empty checkpoint.
func NewLedgerState() *LedgerState {
	return &LedgerState{
		Balances:  make(map[Address]*uint256.Int),
		Units:     make(map[Address]uint64),
		Utilized:  make(map[Address]*uint256.Int),
		Unclaimed: make(map[Address]*uint256.Int),
	}
}

func (l *LedgerState) Clone() *LedgerState {
	if l == nil {
		return nil
	}
	clone := NewLedgerState()
	clone.AssetPerReference = wad.Clone(l.AssetPerReference)
	for addr, v := range l.Balances {
		clone.Balances[addr] = wad.Clone(v)
	}
	for addr, n := range l.Units {
		clone.Units[addr] = n
	}
	for addr, v := range l.Utilized {
		clone.Utilized[addr] = wad.Clone(v)
	}
	for addr, v := range l.Unclaimed {
		clone.Unclaimed[addr] = wad.Clone(v)
	}
	return clone
}

// NewPoolState returns an empty pool with the index at 1.0 and both
// request cursors at 1.
func NewPoolState(params PoolParams, risk RiskConfig, now uint64) *PoolState {
	return &PoolState{
		Params:                     params.Clone(),
		Risk:                       risk,
		LastAccrualTime:            now,
		UtilizeIndex:               wad.One(),
		TotalUtilized:              wad.Zero(),
		AccumulatedProtocolFee:     wad.Zero(),
		ClaimTokenSupply:           wad.Zero(),
		NextRequestID:              1,
		NextRequestIDToFinalize:    1,
		RequestedWithdrawTotal:     wad.Zero(),
		ReservedForClaimTotal:      wad.Zero(),
		Utilizers:                  make(map[Address]*UtilizerAccount),
		ClaimTokens:                make(map[Address]*uint256.Int),
		PendingWithdrawClaimTokens: make(map[Address]*uint256.Int),
		Requests:                   make(map[uint64]*WithdrawRequest),
		RequestsByOwner:            make(map[Address][]uint64),
		LiquidationIndex:           make(map[Address]uint64),
	}
}

// Clone returns a deep copy of the state.
func (s *PoolState) Clone() *PoolState {
	if s == nil {
		return nil
	}
	clone := &PoolState{
		Params:                     s.Params.Clone(),
		Risk:                       s.Risk,
		LastAccrualTime:            s.LastAccrualTime,
		UtilizeIndex:               wad.Clone(s.UtilizeIndex),
		TotalUtilized:              wad.Clone(s.TotalUtilized),
		AccumulatedProtocolFee:     wad.Clone(s.AccumulatedProtocolFee),
		ClaimTokenSupply:           wad.Clone(s.ClaimTokenSupply),
		NextRequestID:              s.NextRequestID,
		NextRequestIDToFinalize:    s.NextRequestIDToFinalize,
		RequestedWithdrawTotal:     wad.Clone(s.RequestedWithdrawTotal),
		ReservedForClaimTotal:      wad.Clone(s.ReservedForClaimTotal),
		Utilizers:                  make(map[Address]*UtilizerAccount, len(s.Utilizers)),
		ClaimTokens:                make(map[Address]*uint256.Int, len(s.ClaimTokens)),
		PendingWithdrawClaimTokens: make(map[Address]*uint256.Int, len(s.PendingWithdrawClaimTokens)),
		Requests:                   make(map[uint64]*WithdrawRequest, len(s.Requests)),
		RequestsByOwner:            make(map[Address][]uint64, len(s.RequestsByOwner)),
		Liquidations:               make([]*LiquidationRecord, len(s.Liquidations)),
		LiquidationIndex:           make(map[Address]uint64, len(s.LiquidationIndex)),
	}
	for addr, acct := range s.Utilizers {
		clone.Utilizers[addr] = acct.Clone()
	}
	for addr, bal := range s.ClaimTokens {
		clone.ClaimTokens[addr] = wad.Clone(bal)
	}
	for addr, bal := range s.PendingWithdrawClaimTokens {
		clone.PendingWithdrawClaimTokens[addr] = wad.Clone(bal)
	}
	for id, req := range s.Requests {
		clone.Requests[id] = req.Clone()
	}
	for addr, ids := range s.RequestsByOwner {
		clone.RequestsByOwner[addr] = append([]uint64(nil), ids...)
	}
	for i, rec := range s.Liquidations {
		clone.Liquidations[i] = rec.Clone()
	}
	for addr, idx := range s.LiquidationIndex {
		clone.LiquidationIndex[addr] = idx
	}
	clone.Ledger = s.Ledger.Clone()
	return clone
}

// Clone returns a deep copy of the account.
func (a *UtilizerAccount) Clone() *UtilizerAccount {
	if a == nil {
		return nil
	}
	return &UtilizerAccount{
		Principal:     wad.Clone(a.Principal),
		IndexSnapshot: wad.Clone(a.IndexSnapshot),
		WrittenOff:    a.WrittenOff,
	}
}

// Clone returns a deep copy of the request.
func (r *WithdrawRequest) Clone() *WithdrawRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.ClaimTokensBurned = wad.Clone(r.ClaimTokensBurned)
	clone.AssetAmountExpected = wad.Clone(r.AssetAmountExpected)
	clone.AssetAmountFinalized = wad.Clone(r.AssetAmountFinalized)
	return &clone
}

// Clone returns a deep copy of the record.
func (l *LiquidationRecord) Clone() *LiquidationRecord {
	if l == nil {
		return nil
	}
	clone := *l
	clone.TotalAmountDue = wad.Clone(l.TotalAmountDue)
	clone.BonusAmount = wad.Clone(l.BonusAmount)
	clone.FeeAmount = wad.Clone(l.FeeAmount)
	return &clone
}

// AccountStatus is the utilization lifecycle state of an account.
type AccountStatus string

const (
	StatusUnborrowed  AccountStatus = "unborrowed"
	StatusUtilized    AccountStatus = "utilized"
	StatusLiquidating AccountStatus = "liquidating"
	StatusWrittenOff  AccountStatus = "written_off"
)

// EventKind names an engine state transition.
type EventKind string

const (
	EventAccrued              EventKind = "accrued"
	EventDelegated            EventKind = "delegated"
	EventWithdrawRequested    EventKind = "withdraw_requested"
	EventWithdrawFinalized    EventKind = "withdraw_finalized"
	EventWithdrawClaimed      EventKind = "withdraw_claimed"
	EventUtilized             EventKind = "utilized"
	EventRepaid               EventKind = "repaid"
	EventLiquidated           EventKind = "liquidated"
	EventLiquidationCompleted EventKind = "liquidation_completed"
	EventInterestCleared      EventKind = "interest_cleared"
	EventProtocolFeeWithdrawn EventKind = "protocol_fee_withdrawn"
	EventParamUpdated         EventKind = "param_updated"
)

// Event is an immutable record of a committed engine transition.
// Once created, these are never modified or deleted.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Kind      EventKind `json:"kind" db:"kind"`
	Account   Address   `json:"account,omitempty" db:"account"`
	RequestID uint64    `json:"request_id,omitempty" db:"request_id"`
	Amount    string    `json:"amount,omitempty" db:"amount"` // base-10 integer
	Field     string    `json:"field,omitempty" db:"field"`   // param_updated only
	Value     string    `json:"value,omitempty" db:"value"`   // param_updated only
	Tick      uint64    `json:"tick" db:"tick"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Snapshot is a persisted copy of the pool state.
type Snapshot struct {
	Version   uint64     `json:"version" db:"version"`
	State     *PoolState `json:"state" db:"state"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
