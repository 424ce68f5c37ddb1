package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
)

// Asset is the pool's view of the fungible token. Transfer sends from the
// pool's own address. A false return or an error aborts the whole call.
type Asset interface {
	TransferFrom(ctx context.Context, from, to model.Address, amount *uint256.Int) (bool, error)
	Transfer(ctx context.Context, to model.Address, amount *uint256.Int) (bool, error)
	BalanceOf(ctx context.Context, holder model.Address) (*uint256.Int, error)
}

// CollateralLedger tracks utilizer collateral and the utilized balance
// already recorded against it. Conversions are between the pool asset and
// the ledger's reference unit.
type CollateralLedger interface {
	NonTerminalUnitCount(ctx context.Context, account model.Address) (uint64, error)
	UtilizedBalance(ctx context.Context, account model.Address) (*uint256.Int, error)
	ConvertAssetToReference(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
	ConvertReferenceToAsset(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
	RecordUtilization(ctx context.Context, account model.Address, amount *uint256.Int) error
	ReduceUtilization(ctx context.Context, account model.Address, amount *uint256.Int) error
}

// IncentiveLedger is notified on every action that changes a delegator
// balance.
type IncentiveLedger interface {
	OnBalanceChanged(ctx context.Context, account model.Address) error
	Claim(ctx context.Context, account model.Address) error
}

// ExitProcessor is signalled once per liquidation.
type ExitProcessor interface {
	OnOperatorExit(ctx context.Context, account model.Address, totalAmountDue *uint256.Int) error
}

// RewardsCollector reports unclaimed rewards used in collateral valuation.
type RewardsCollector interface {
	UnclaimedBalance(ctx context.Context, account model.Address) (*uint256.Int, error)
}

// Checkpointer exports the balances held by in-process collaborators.
// It is called under the pool lock after each commit.
type Checkpointer interface {
	Checkpoint() *model.LedgerState
}

// NopIncentives ignores every notification.
type NopIncentives struct{}

func (NopIncentives) OnBalanceChanged(context.Context, model.Address) error { return nil }
func (NopIncentives) Claim(context.Context, model.Address) error            { return nil }

// Role names a privileged capability.
type Role string

const (
	RoleManager          Role = "manager"
	RoleUtilizeOnBehalf  Role = "utilize_on_behalf"
	RoleRewardsCollector Role = "rewards_collector"
)

// Authorizer gates privileged operations.
type Authorizer interface {
	Authorize(ctx context.Context, caller model.Address, role Role) error
}

// StaticAuthorizer grants roles to a fixed set of addresses.
type StaticAuthorizer struct {
	mu    sync.RWMutex
	roles map[Role]map[model.Address]bool
}

// NewStaticAuthorizer creates an authorizer with no grants.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{roles: make(map[Role]map[model.Address]bool)}
}

// Grant gives role to every address in addrs.
func (a *StaticAuthorizer) Grant(role Role, addrs ...model.Address) *StaticAuthorizer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roles[role] == nil {
		a.roles[role] = make(map[model.Address]bool)
	}
	for _, addr := range addrs {
		a.roles[role][addr] = true
	}
	return a
}

// Revoke removes role from addr.
func (a *StaticAuthorizer) Revoke(role Role, addr model.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.roles[role], addr)
}

func (a *StaticAuthorizer) Authorize(_ context.Context, caller model.Address, role Role) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.roles[role][caller] {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, caller, role)
	}
	return nil
}

// Clock reports the current tick (e.g. ledger height or unix second).
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// UnixClock ticks once per wall-clock second.
func UnixClock() Clock {
	return ClockFunc(func() uint64 { return uint64(time.Now().Unix()) })
}

// ManualClock is advanced explicitly. Used by tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// NewManualClock starts a clock at tick now.
func NewManualClock(now uint64) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ticks.
func (c *ManualClock) Advance(ticks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ticks
}

// Set moves the clock to an absolute tick.
func (c *ManualClock) Set(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
