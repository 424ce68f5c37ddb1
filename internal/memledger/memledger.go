// Package memledger provides in-memory implementations of the pool's
// external collaborators: the asset token, the collateral ledger, the
// incentive ledger, the exit processor and the rewards collector.
//
// They back the standalone service mode and the engine tests. Each one can
// be told to fail so callers can exercise abort paths.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

var (
	ErrInsufficientFunds = errors.New("memledger: insufficient funds")
	ErrInjected          = errors.New("memledger: injected failure")
)

// failer holds injected errors shared by every method of a collaborator,
// or scoped to one method by name.
type failer struct {
	mu  sync.Mutex
	err error
	ops map[string]error
}

// FailWith makes every subsequent call fail with err. nil clears it.
func (f *failer) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FailOn makes calls to the named method fail with err. nil clears it.
func (f *failer) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ops == nil {
		f.ops = make(map[string]error)
	}
	if err == nil {
		delete(f.ops, method)
		return
	}
	f.ops[method] = err
}

func (f *failer) failure(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return f.ops[method]
}

// Token is a fungible asset ledger. TransferFrom does not model
// allowances: any debit the pool asks for is honored when funded.
type Token struct {
	failer
	mu       sync.Mutex
	balances map[model.Address]*uint256.Int
	reject   bool
}

func NewToken() *Token {
	return &Token{balances: make(map[model.Address]*uint256.Int)}
}

// Mint credits amount to holder.
func (t *Token) Mint(holder model.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := wad.Clone(t.balances[holder])
	t.balances[holder] = bal.Add(bal, amount)
}

// Burn removes up to amount from holder. Used to simulate losses.
func (t *Token) Burn(holder model.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[holder] = wad.SubFloor(wad.Clone(t.balances[holder]), amount)
}

// Reject makes transfers report false instead of moving funds.
func (t *Token) Reject(reject bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reject = reject
}

func (t *Token) BalanceOf(_ context.Context, holder model.Address) (*uint256.Int, error) {
	if err := t.failure("BalanceOf"); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return wad.Clone(t.balances[holder]), nil
}

func (t *Token) TransferFrom(_ context.Context, from, to model.Address, amount *uint256.Int) (bool, error) {
	if err := t.failure("TransferFrom"); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reject {
		return false, nil
	}
	return true, t.move(from, to, amount)
}

func (t *Token) move(from, to model.Address, amount *uint256.Int) error {
	bal := wad.Clone(t.balances[from])
	if amount.Gt(bal) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from, bal.Dec(), amount.Dec())
	}
	t.balances[from] = bal.Sub(bal, amount)
	dst := wad.Clone(t.balances[to])
	t.balances[to] = dst.Add(dst, amount)
	return nil
}

// As returns the token as seen by owner: Transfer debits owner.
func (t *Token) As(owner model.Address) *Holder {
	return &Holder{Token: t, owner: owner}
}

// Holder is a Token bound to a sending address.
type Holder struct {
	*Token
	owner model.Address
}

func (h *Holder) Transfer(_ context.Context, to model.Address, amount *uint256.Int) (bool, error) {
	if err := h.failure("Transfer"); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject {
		return false, nil
	}
	return true, h.move(h.owner, to, amount)
}

// Collateral is a collateral ledger with a fixed asset/reference price.
// assetPerReference is scaled by 1e18.
type Collateral struct {
	failer
	mu                sync.Mutex
	units             map[model.Address]uint64
	utilized          map[model.Address]*uint256.Int
	assetPerReference *uint256.Int
}

// NewCollateral creates a ledger pricing one reference unit at
// assetPerReference/1e18 asset units.
func NewCollateral(assetPerReference *uint256.Int) *Collateral {
	return &Collateral{
		units:             make(map[model.Address]uint64),
		utilized:          make(map[model.Address]*uint256.Int),
		assetPerReference: wad.Clone(assetPerReference),
	}
}

// SetUnits sets account's non-terminal unit count.
func (c *Collateral) SetUnits(account model.Address, units uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units[account] = units
}

// SetUtilized overrides account's recorded utilized balance.
func (c *Collateral) SetUtilized(account model.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utilized[account] = wad.Clone(amount)
}

// SetPrice changes the asset/reference price.
func (c *Collateral) SetPrice(assetPerReference *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assetPerReference = wad.Clone(assetPerReference)
}

func (c *Collateral) NonTerminalUnitCount(_ context.Context, account model.Address) (uint64, error) {
	if err := c.failure("NonTerminalUnitCount"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units[account], nil
}

func (c *Collateral) UtilizedBalance(_ context.Context, account model.Address) (*uint256.Int, error) {
	if err := c.failure("UtilizedBalance"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wad.Clone(c.utilized[account]), nil
}

func (c *Collateral) ConvertAssetToReference(_ context.Context, amount *uint256.Int) (*uint256.Int, error) {
	if err := c.failure("ConvertAssetToReference"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wad.MulDiv(amount, wad.Scale, c.assetPerReference)
}

func (c *Collateral) ConvertReferenceToAsset(_ context.Context, amount *uint256.Int) (*uint256.Int, error) {
	if err := c.failure("ConvertReferenceToAsset"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wad.MulDiv(amount, c.assetPerReference, wad.Scale)
}

func (c *Collateral) RecordUtilization(_ context.Context, account model.Address, amount *uint256.Int) error {
	if err := c.failure("RecordUtilization"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := wad.Clone(c.utilized[account])
	c.utilized[account] = bal.Add(bal, amount)
	return nil
}

func (c *Collateral) ReduceUtilization(_ context.Context, account model.Address, amount *uint256.Int) error {
	if err := c.failure("ReduceUtilization"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utilized[account] = wad.SubFloor(wad.Clone(c.utilized[account]), amount)
	return nil
}

// Incentives counts balance-change notifications and reward claims.
type Incentives struct {
	failer
	mu      sync.Mutex
	changed map[model.Address]int
	claimed map[model.Address]int
}

func NewIncentives() *Incentives {
	return &Incentives{
		changed: make(map[model.Address]int),
		claimed: make(map[model.Address]int),
	}
}

func (i *Incentives) OnBalanceChanged(_ context.Context, account model.Address) error {
	if err := i.failure("OnBalanceChanged"); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.changed[account]++
	return nil
}

func (i *Incentives) Claim(_ context.Context, account model.Address) error {
	if err := i.failure("Claim"); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.claimed[account]++
	return nil
}

// Notifications returns how often account's balance change was reported.
func (i *Incentives) Notifications(account model.Address) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.changed[account]
}

// Claims returns how often rewards were claimed for account.
func (i *Incentives) Claims(account model.Address) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.claimed[account]
}

// Exit is one recorded operator-exit signal.
type Exit struct {
	Account        model.Address
	TotalAmountDue *uint256.Int
}

// Exits records operator-exit signals.
type Exits struct {
	failer
	mu    sync.Mutex
	exits []Exit
}

func NewExits() *Exits { return &Exits{} }

func (e *Exits) OnOperatorExit(_ context.Context, account model.Address, totalAmountDue *uint256.Int) error {
	if err := e.failure("OnOperatorExit"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exits = append(e.exits, Exit{Account: account, TotalAmountDue: wad.Clone(totalAmountDue)})
	return nil
}

// Recorded returns a copy of every exit signal received.
func (e *Exits) Recorded() []Exit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Exit(nil), e.exits...)
}

// Rewards reports configurable unclaimed reward balances.
type Rewards struct {
	failer
	mu        sync.Mutex
	unclaimed map[model.Address]*uint256.Int
}

func NewRewards() *Rewards {
	return &Rewards{unclaimed: make(map[model.Address]*uint256.Int)}
}

// SetUnclaimed sets account's unclaimed balance in reference units.
func (r *Rewards) SetUnclaimed(account model.Address, amount *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unclaimed[account] = wad.Clone(amount)
}

func (r *Rewards) UnclaimedBalance(_ context.Context, account model.Address) (*uint256.Int, error) {
	if err := r.failure("UnclaimedBalance"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return wad.Clone(r.unclaimed[account]), nil
}

// Ledger bundles one instance of every collaborator around a pool address.
type Ledger struct {
	Pool       model.Address
	Token      *Token
	Collateral *Collateral
	Incentives *Incentives
	Exits      *Exits
	Rewards    *Rewards
}

// New creates a ledger set with a 1:1 asset/reference price.
func New(pool model.Address) *Ledger {
	return &Ledger{
		Pool:       pool,
		Token:      NewToken(),
		Collateral: NewCollateral(wad.Scale),
		Incentives: NewIncentives(),
		Exits:      NewExits(),
		Rewards:    NewRewards(),
	}
}

// Asset returns the token bound to the pool address.
func (l *Ledger) Asset() *Holder {
	return l.Token.As(l.Pool)
}

// Checkpoint copies every balance a restarted process needs: token
// balances, collateral units and utilized balances, the collateral price
// and unclaimed rewards. Notification counters and exit signals are not
// included.
func (l *Ledger) Checkpoint() *model.LedgerState {
	cp := model.NewLedgerState()

	l.Token.mu.Lock()
	for addr, bal := range l.Token.balances {
		cp.Balances[addr] = wad.Clone(bal)
	}
	l.Token.mu.Unlock()

	l.Collateral.mu.Lock()
	for addr, n := range l.Collateral.units {
		cp.Units[addr] = n
	}
	for addr, bal := range l.Collateral.utilized {
		cp.Utilized[addr] = wad.Clone(bal)
	}
	cp.AssetPerReference = wad.Clone(l.Collateral.assetPerReference)
	l.Collateral.mu.Unlock()

	l.Rewards.mu.Lock()
	for addr, bal := range l.Rewards.unclaimed {
		cp.Unclaimed[addr] = wad.Clone(bal)
	}
	l.Rewards.mu.Unlock()
	return cp
}

// Load replaces the ledger's balances with cp.
func (l *Ledger) Load(cp *model.LedgerState) error {
	if cp == nil {
		return errors.New("memledger: nil checkpoint")
	}
	if cp.AssetPerReference == nil || cp.AssetPerReference.IsZero() {
		return errors.New("memledger: checkpoint has no collateral price")
	}
	restored := cp.Clone()

	l.Token.mu.Lock()
	l.Token.balances = restored.Balances
	l.Token.mu.Unlock()

	l.Collateral.mu.Lock()
	l.Collateral.units = restored.Units
	l.Collateral.utilized = restored.Utilized
	l.Collateral.assetPerReference = restored.AssetPerReference
	l.Collateral.mu.Unlock()

	l.Rewards.mu.Lock()
	l.Rewards.unclaimed = restored.Unclaimed
	l.Rewards.mu.Unlock()
	return nil
}
