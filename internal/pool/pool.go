// Package pool implements the credit pool accounting and risk engine:
// interest-index accrual, the claim-token exchange rate, the delayed
// withdrawal queue, and the utilization/liquidation state machine.
//
// A Pool serializes every call behind one mutex. Each mutating call runs
// against a deep clone of the state and commits only when the whole call
// succeeds, so a rejected call leaves prior state untouched. Collaborator
// effects already applied by a failing call are compensated in reverse
// order. The first step of every mutating call is index accrual.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/riskconfig"
	"github.com/atmx/credit-pool/internal/wad"
)

// Config identifies the pool and its initial parameters.
type Config struct {
	// Address is the pool's own account on the asset ledger.
	Address model.Address
	// Treasury receives withdrawn protocol fees.
	Treasury model.Address
	// Seeder funds the initial delegation made at construction.
	Seeder     model.Address
	SeedAmount *uint256.Int
	Params     model.PoolParams
	Risk       model.RiskConfig
}

// Deps are the external collaborators.
type Deps struct {
	Asset      Asset
	Collateral CollateralLedger
	Incentives IncentiveLedger
	Exits      ExitProcessor
	Rewards    RewardsCollector
	Auth       Authorizer
	Clock      Clock
	Logger     *slog.Logger
	// Checkpointer, when set, is captured into the state handed to commit
	// hooks so persisted snapshots carry the collaborators' balances.
	Checkpointer Checkpointer
}

// CommitHook observes every committed call. state is a private clone.
type CommitHook func(state *model.PoolState, events []model.Event)

// Pool is the engine. The zero value is not usable; see New and Restore.
type Pool struct {
	mu    sync.Mutex
	state *model.PoolState

	addr     model.Address
	treasury model.Address

	asset      Asset
	collateral CollateralLedger
	incentives IncentiveLedger
	exits      ExitProcessor
	rewards    RewardsCollector
	auth       Authorizer
	clock      Clock
	logger     *slog.Logger
	checkpoint Checkpointer

	// commitMu keeps hook invocations in commit order.
	commitMu sync.Mutex
	hooksMu  sync.RWMutex
	hooks    []CommitHook
}

// New creates a pool and seeds it: SeedAmount is pulled from Seeder and
// the minted claim tokens are credited to the pool's own address, which
// anchors the exchange rate against first-depositor manipulation.
func New(ctx context.Context, cfg Config, deps Deps) (*Pool, error) {
	if cfg.SeedAmount == nil || cfg.SeedAmount.IsZero() {
		return nil, fmt.Errorf("%w: seed amount must be positive", ErrInvalidInput)
	}
	if !address.Valid(cfg.Seeder) {
		return nil, fmt.Errorf("%w: seeder address is invalid", ErrInvalidInput)
	}
	p, err := build(cfg, deps)
	if err != nil {
		return nil, err
	}
	if cfg.SeedAmount.Lt(cfg.Params.MinDelegate) {
		return nil, ErrBelowMinDelegate
	}

	p.state = model.NewPoolState(cfg.Params, cfg.Risk, p.clock.Now())
	err = p.mutate(ctx, "seed", func(t *tx) error {
		_, err := t.delegate(cfg.Seeder, p.addr, cfg.SeedAmount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("seed pool: %w", err)
	}
	p.logger.Info("pool seeded",
		"pool", p.addr,
		"seeder", cfg.Seeder,
		"amount", cfg.SeedAmount.Dec(),
	)
	return p, nil
}

// Restore rebuilds a pool from a persisted state without seeding.
func Restore(cfg Config, deps Deps, state *model.PoolState) (*Pool, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: nil state", ErrInvalidInput)
	}
	if err := riskconfig.ValidateParams(state.Params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := riskconfig.ValidateRisk(state.Risk); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	cfg.Params = state.Params
	cfg.Risk = state.Risk
	p, err := build(cfg, deps)
	if err != nil {
		return nil, err
	}
	p.state = state.Clone()
	p.state.Ledger = nil
	return p, nil
}

func build(cfg Config, deps Deps) (*Pool, error) {
	if !address.Valid(cfg.Address) {
		return nil, fmt.Errorf("%w: pool address is invalid", ErrInvalidInput)
	}
	if !address.Valid(cfg.Treasury) {
		return nil, fmt.Errorf("%w: treasury address is invalid", ErrInvalidInput)
	}
	if err := riskconfig.ValidateParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := riskconfig.ValidateRisk(cfg.Risk); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if deps.Asset == nil || deps.Collateral == nil || deps.Exits == nil ||
		deps.Rewards == nil || deps.Auth == nil {
		return nil, fmt.Errorf("%w: missing collaborator", ErrInvalidInput)
	}
	p := &Pool{
		addr:       cfg.Address,
		treasury:   cfg.Treasury,
		asset:      deps.Asset,
		collateral: deps.Collateral,
		incentives: deps.Incentives,
		exits:      deps.Exits,
		rewards:    deps.Rewards,
		auth:       deps.Auth,
		clock:      deps.Clock,
		logger:     deps.Logger,
		checkpoint: deps.Checkpointer,
	}
	if p.incentives == nil {
		p.incentives = NopIncentives{}
	}
	if p.clock == nil {
		p.clock = UnixClock()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Address returns the pool's own account.
func (p *Pool) Address() model.Address { return p.addr }

// OnCommit registers a hook run after every committed mutating call, in
// commit order, outside the pool lock. A hook must not call a mutating
// Pool method.
func (p *Pool) OnCommit(hook CommitHook) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.hooks = append(p.hooks, hook)
}

// tx is one in-flight call: a private working copy plus the events it
// will publish if it commits.
type tx struct {
	p      *Pool
	ctx    context.Context
	st     *model.PoolState
	now    uint64
	events []model.Event
	undo   []compensation
}

// compensation reverses one collaborator effect of an aborted call.
type compensation struct {
	action string
	fn     func(ctx context.Context) error
}

// mutate runs fn against a clone of the state after accruing the index.
// The clone replaces the live state only if fn succeeds; otherwise the
// collaborator effects fn registered are compensated.
func (p *Pool) mutate(ctx context.Context, op string, fn func(t *tx) error) error {
	p.mu.Lock()
	t := &tx{p: p, ctx: ctx, st: p.state.Clone(), now: p.clock.Now()}
	if err := t.accrue(); err != nil {
		p.mu.Unlock()
		p.logger.Debug("pool call rejected", "op", op, "err", err)
		return err
	}
	if err := fn(t); err != nil {
		t.unwind(op)
		p.mu.Unlock()
		p.logger.Debug("pool call rejected", "op", op, "err", err)
		return err
	}
	p.state = t.st
	snapshot := p.state.Clone()
	if p.checkpoint != nil {
		snapshot.Ledger = p.checkpoint.Checkpoint()
	}
	p.commitMu.Lock()
	p.mu.Unlock()
	defer p.commitMu.Unlock()

	p.logger.Info("pool call committed", "op", op, "tick", t.now, "events", len(t.events))

	p.hooksMu.RLock()
	hooks := append([]CommitHook(nil), p.hooks...)
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(snapshot, t.events)
	}
	return nil
}

// compensate registers fn to run if the call later fails.
func (t *tx) compensate(action string, fn func(ctx context.Context) error) {
	t.undo = append(t.undo, compensation{action: action, fn: fn})
}

// unwind runs the registered compensations newest first. It ignores
// cancellation of the caller's context.
func (t *tx) unwind(op string) {
	ctx := context.WithoutCancel(t.ctx)
	for i := len(t.undo) - 1; i >= 0; i-- {
		c := t.undo[i]
		if err := c.fn(ctx); err != nil {
			t.p.logger.Error("pool compensation failed", "op", op, "action", c.action, "err", err)
			continue
		}
		t.p.logger.Warn("pool effect compensated", "op", op, "action", c.action)
	}
	t.undo = nil
}

// view runs fn against the live state under the lock without committing.
// fn must not mutate st.
func (p *Pool) view(fn func(st *model.PoolState) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.state)
}

func (t *tx) emit(kind model.EventKind, account model.Address, requestID uint64, amount *uint256.Int) {
	ev := model.Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Account:   account,
		RequestID: requestID,
		Tick:      t.now,
		Timestamp: time.Now().UTC(),
	}
	if amount != nil {
		ev.Amount = amount.Dec()
	}
	t.events = append(t.events, ev)
}

func (t *tx) emitParam(field, value string) {
	t.events = append(t.events, model.Event{
		ID:        uuid.New().String(),
		Kind:      model.EventParamUpdated,
		Field:     field,
		Value:     value,
		Tick:      t.now,
		Timestamp: time.Now().UTC(),
	})
}

// --- collaborator helpers ---

func (t *tx) poolBalance() (*uint256.Int, error) {
	bal, err := t.p.asset.BalanceOf(t.ctx, t.p.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of pool: %v", ErrTransferFailed, err)
	}
	if bal == nil {
		return wad.Zero(), nil
	}
	return bal, nil
}

// pull moves amount from payer into the pool. The payer is refunded if
// the call fails afterwards.
func (t *tx) pull(payer model.Address, amount *uint256.Int) error {
	ok, err := t.p.asset.TransferFrom(t.ctx, payer, t.p.addr, amount)
	if err != nil {
		return fmt.Errorf("%w: transfer from %s: %v", ErrTransferFailed, payer, err)
	}
	if !ok {
		return fmt.Errorf("%w: transfer from %s rejected", ErrTransferFailed, payer)
	}
	refund := wad.Clone(amount)
	t.compensate("refund "+string(payer), func(ctx context.Context) error {
		return t.transfer(ctx, payer, refund)
	})
	return nil
}

// send moves amount from the pool to recipient. Value leaving the pool
// cannot be recalled, so send must be the last collaborator effect of a
// call.
func (t *tx) send(recipient model.Address, amount *uint256.Int) error {
	return t.transfer(t.ctx, recipient, amount)
}

func (t *tx) transfer(ctx context.Context, recipient model.Address, amount *uint256.Int) error {
	ok, err := t.p.asset.Transfer(ctx, recipient, amount)
	if err != nil {
		return fmt.Errorf("%w: transfer to %s: %v", ErrTransferFailed, recipient, err)
	}
	if !ok {
		return fmt.Errorf("%w: transfer to %s rejected", ErrTransferFailed, recipient)
	}
	return nil
}

func (t *tx) notifyBalance(account model.Address) error {
	if err := t.p.incentives.OnBalanceChanged(t.ctx, account); err != nil {
		return fmt.Errorf("%w: incentive ledger: %v", ErrCollaborator, err)
	}
	return nil
}

func (t *tx) authorize(caller model.Address, role Role) error {
	if err := requireCaller(t.p, caller); err != nil {
		return err
	}
	return t.p.auth.Authorize(t.ctx, caller, role)
}

// requireCaller rejects malformed callers and the pool's own address,
// whose claim tokens are the permanent seed.
func requireCaller(p *Pool, caller model.Address) error {
	if !address.Valid(caller) || caller == p.addr {
		return ErrInvalidCaller
	}
	return nil
}

func requireAccount(account model.Address) error {
	if !address.Valid(account) {
		return ErrInvalidAccount
	}
	return nil
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

// balanceOf returns the claim-token balance entry, creating it if absent.
func balanceOf(m map[model.Address]*uint256.Int, addr model.Address) *uint256.Int {
	bal, ok := m[addr]
	if !ok {
		bal = wad.Zero()
		m[addr] = bal
	}
	return bal
}
