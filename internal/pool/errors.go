package pool

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of
// these, so callers classify with errors.Is.
var (
	ErrInvalidInput        = errors.New("pool: invalid input")
	ErrInsufficientBalance = errors.New("pool: insufficient balance")
	ErrLimitExceeded       = errors.New("pool: limit exceeded")
	ErrUnauthorized        = errors.New("pool: unauthorized")
	ErrAlreadyLiquidated   = errors.New("pool: account already has an open liquidation")
	ErrNotLiquidatable     = errors.New("pool: account is not liquidatable")
	ErrTransferFailed      = errors.New("pool: asset transfer failed")
	ErrCollaborator        = errors.New("pool: collaborator call failed")
	ErrNotFound            = errors.New("pool: not found")
	ErrPrecondition        = errors.New("pool: precondition failed")
)

var (
	ErrInvalidCaller         = fmt.Errorf("%w: caller address is invalid", ErrInvalidInput)
	ErrInvalidAccount        = fmt.Errorf("%w: account address is invalid", ErrInvalidInput)
	ErrZeroAmount            = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	ErrBelowMinDelegate      = fmt.Errorf("%w: amount below minimum delegation", ErrInvalidInput)
	ErrBelowMinWithdraw      = fmt.Errorf("%w: withdrawal below minimum amount", ErrInvalidInput)
	ErrZeroShares            = fmt.Errorf("%w: amount too small to mint claim tokens", ErrInvalidInput)
	ErrUnknownField          = fmt.Errorf("%w: unknown parameter", ErrInvalidInput)
	ErrClaimTokensExceeded   = fmt.Errorf("%w: claim tokens exceed balance", ErrInsufficientBalance)
	ErrInsufficientLiquidity = fmt.Errorf("%w: pool liquidity too low", ErrInsufficientBalance)
	ErrFeeExceeded           = fmt.Errorf("%w: amount exceeds accumulated protocol fee", ErrInsufficientBalance)
	ErrOpenRequestLimit      = fmt.Errorf("%w: too many open withdrawal requests", ErrLimitExceeded)
	ErrCollateralCapExceeded = fmt.Errorf("%w: utilization exceeds collateral cap", ErrLimitExceeded)
	ErrNotRequestOwner       = fmt.Errorf("%w: caller does not own request", ErrUnauthorized)
	ErrRequestNotFound       = fmt.Errorf("%w: withdrawal request", ErrNotFound)
	ErrRequestNotFinalized   = fmt.Errorf("%w: withdrawal request not finalized", ErrPrecondition)
	ErrNothingToRepay        = fmt.Errorf("%w: nothing to repay", ErrPrecondition)
	ErrNoOpenLiquidation     = fmt.Errorf("%w: no open liquidation", ErrPrecondition)
	ErrAccountWrittenOff     = fmt.Errorf("%w: account interest was written off", ErrPrecondition)
	ErrZeroExchangeRate      = fmt.Errorf("%w: pool has no backing", ErrPrecondition)
)

// mathErr classifies an arithmetic failure as invalid input: with sane
// state only absurd amounts can overflow 256 bits.
func mathErr(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}
