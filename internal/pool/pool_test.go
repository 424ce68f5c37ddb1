package pool_test

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/credit-pool/internal/memledger"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/pool"
	"github.com/atmx/credit-pool/internal/riskconfig"
)

const (
	poolAddr  model.Address = "0x00000000000000000000000000000000000000aa"
	treasury  model.Address = "0x00000000000000000000000000000000000000ee"
	seeder    model.Address = "0x000000000000000000000000000000000000005e"
	alice     model.Address = "0x00000000000000000000000000000000000000a1"
	bob       model.Address = "0x00000000000000000000000000000000000000b0"
	carol     model.Address = "0x00000000000000000000000000000000000000c0"
	manager   model.Address = "0x000000000000000000000000000000000000000d"
	collector model.Address = "0x00000000000000000000000000000000000000cc"
	operator  model.Address = "0x000000000000000000000000000000000000000b"
)

const (
	seedAmount = 1000
	startTick  = 1000
)

// rate is the per-tick utilization rate used by most tests: 0.1%.
var rate = uint256.NewInt(1_000_000_000_000_000)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	ctx    context.Context
	pool   *pool.Pool
	ledger *memledger.Ledger
	clock  *pool.ManualClock
	auth   *pool.StaticAuthorizer
	events []model.Event
}

func newFixture(t *testing.T, opts ...func(*pool.Config)) *fixture {
	t.Helper()
	params := riskconfig.DefaultParams()
	params.UtilizationRatePerTick = new(uint256.Int).Set(rate)
	cfg := pool.Config{
		Address:    poolAddr,
		Treasury:   treasury,
		Seeder:     seeder,
		SeedAmount: u(seedAmount),
		Params:     params,
		Risk:       riskconfig.DefaultRisk(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{
		ctx:    context.Background(),
		ledger: memledger.New(poolAddr),
		clock:  pool.NewManualClock(startTick),
		auth: pool.NewStaticAuthorizer().
			Grant(pool.RoleManager, manager).
			Grant(pool.RoleRewardsCollector, collector).
			Grant(pool.RoleUtilizeOnBehalf, operator),
	}
	f.ledger.Token.Mint(seeder, cfg.SeedAmount)

	p, err := pool.New(f.ctx, cfg, f.deps())
	require.NoError(t, err)
	p.OnCommit(func(_ *model.PoolState, events []model.Event) {
		f.events = append(f.events, events...)
	})
	f.pool = p
	return f
}

func (f *fixture) deps() pool.Deps {
	return pool.Deps{
		Asset:      f.ledger.Asset(),
		Collateral: f.ledger.Collateral,
		Incentives: f.ledger.Incentives,
		Exits:      f.ledger.Exits,
		Rewards:    f.ledger.Rewards,
		Auth:       f.auth,
		Clock:      f.clock,
	}
}

func (f *fixture) fund(t *testing.T, who model.Address, amount uint64) {
	t.Helper()
	f.ledger.Token.Mint(who, u(amount))
}

func (f *fixture) delegate(t *testing.T, who model.Address, amount uint64) *uint256.Int {
	t.Helper()
	f.fund(t, who, amount)
	minted, err := f.pool.Delegate(f.ctx, who, u(amount))
	require.NoError(t, err)
	return minted
}

func (f *fixture) balance(t *testing.T, who model.Address) uint64 {
	t.Helper()
	bal, err := f.ledger.Token.BalanceOf(f.ctx, who)
	require.NoError(t, err)
	return bal.Uint64()
}

func (f *fixture) utilized(t *testing.T, who model.Address) uint64 {
	t.Helper()
	bal, err := f.ledger.Collateral.UtilizedBalance(f.ctx, who)
	require.NoError(t, err)
	return bal.Uint64()
}

func (f *fixture) kinds() []model.EventKind {
	out := make([]model.EventKind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestNew_SeedsPool(t *testing.T) {
	f := newFixture(t)
	st := f.pool.State()

	require.Equal(t, uint64(seedAmount), st.ClaimTokenSupply.Uint64())
	require.Equal(t, uint64(seedAmount), st.ClaimTokens[poolAddr].Uint64())
	require.Equal(t, uint64(seedAmount), f.balance(t, poolAddr))
	require.Equal(t, uint64(0), f.balance(t, seeder))
	require.Equal(t, uint64(1), st.NextRequestID)
	require.Equal(t, uint64(1), st.NextRequestIDToFinalize)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	ledger := memledger.New(poolAddr)
	deps := pool.Deps{
		Asset:      ledger.Asset(),
		Collateral: ledger.Collateral,
		Exits:      ledger.Exits,
		Rewards:    ledger.Rewards,
		Auth:       pool.NewStaticAuthorizer(),
	}
	base := pool.Config{
		Address:    poolAddr,
		Treasury:   treasury,
		Seeder:     seeder,
		SeedAmount: u(1),
		Params:     riskconfig.DefaultParams(),
		Risk:       riskconfig.DefaultRisk(),
	}

	tests := []struct {
		name   string
		mutate func(*pool.Config)
	}{
		{"zero seed", func(c *pool.Config) { c.SeedAmount = u(0) }},
		{"bad pool address", func(c *pool.Config) { c.Address = "pool" }},
		{"zero treasury", func(c *pool.Config) { c.Treasury = model.ZeroAddress }},
		{"threshold out of range", func(c *pool.Config) { c.Risk.LiquidationThresholdPct = 0 }},
		{"fee above one", func(c *pool.Config) { c.Params.ProtocolFeeRate = u(2_000_000_000_000_000_000) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Params = base.Params.Clone()
			tt.mutate(&cfg)
			_, err := pool.New(context.Background(), cfg, deps)
			require.ErrorIs(t, err, pool.ErrInvalidInput)
		})
	}
}

func TestRestore_KeepsState(t *testing.T) {
	f := newFixture(t)
	f.delegate(t, alice, 500)

	restored, err := pool.Restore(pool.Config{Address: poolAddr, Treasury: treasury}, f.deps(), f.pool.State())
	require.NoError(t, err)
	require.Equal(t, uint64(500), restored.ClaimTokenBalance(alice).Uint64())
	require.Equal(t, f.pool.State().ClaimTokenSupply, restored.State().ClaimTokenSupply)
}

func TestOnCommit_CarriesLedgerCheckpoint(t *testing.T) {
	f := newFixture(t)
	deps := f.deps()
	deps.Checkpointer = f.ledger
	p, err := pool.Restore(pool.Config{Address: poolAddr, Treasury: treasury}, deps, f.pool.State())
	require.NoError(t, err)

	var committed *model.PoolState
	p.OnCommit(func(st *model.PoolState, _ []model.Event) { committed = st })
	f.fund(t, alice, 40)
	_, err = p.Delegate(f.ctx, alice, u(40))
	require.NoError(t, err)

	require.NotNil(t, committed.Ledger)
	require.Equal(t, uint64(seedAmount+40), committed.Ledger.Balances[poolAddr].Uint64())
	require.Nil(t, p.State().Ledger, "the live state never carries a checkpoint")

	again, err := pool.Restore(pool.Config{Address: poolAddr, Treasury: treasury}, f.deps(), committed)
	require.NoError(t, err)
	require.Nil(t, again.State().Ledger)
}

func TestOnCommit_ReceivesEvents(t *testing.T) {
	f := newFixture(t)
	f.delegate(t, alice, 10)

	require.Equal(t, []model.EventKind{model.EventDelegated}, f.kinds())
	require.Equal(t, alice, f.events[0].Account)
	require.Equal(t, "10", f.events[0].Amount)
	require.NotEmpty(t, f.events[0].ID)
}
