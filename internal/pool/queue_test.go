package pool_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/pool"
)

func TestWithdraw_DelayScenario(t *testing.T) {
	f := newFixture(t, func(c *pool.Config) { c.Params.MinDelayTicks = 10 })
	f.delegate(t, alice, 1000)

	id, err := f.pool.RequestWithdraw(f.ctx, alice, u(1000))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	st := f.pool.State()
	require.True(t, st.ClaimTokens[alice].IsZero())
	require.Equal(t, uint64(1000), st.PendingWithdrawClaimTokens[alice].Uint64())
	require.Equal(t, uint64(1000), st.RequestedWithdrawTotal.Uint64())
	require.Equal(t, 1, f.ledger.Incentives.Claims(alice), "balance reached zero")

	f.clock.Advance(9)
	n, err := f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, uint64(1), f.pool.State().NextRequestIDToFinalize)

	_, err = f.pool.Claim(f.ctx, alice, id)
	require.ErrorIs(t, err, pool.ErrRequestNotFinalized)

	f.clock.Advance(1)
	n, err = f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	st = f.pool.State()
	require.Equal(t, uint64(2), st.NextRequestIDToFinalize)
	require.Equal(t, uint64(seedAmount), st.ClaimTokenSupply.Uint64())
	require.True(t, st.RequestedWithdrawTotal.IsZero())
	require.True(t, st.PendingWithdrawClaimTokens[alice].IsZero())
	require.Equal(t, uint64(1000), st.ReservedForClaimTotal.Uint64())
	require.True(t, st.Requests[id].Finalized)

	paid, err := f.pool.Claim(f.ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), paid.Uint64())
	require.Equal(t, uint64(1000), f.balance(t, alice))
	require.True(t, f.pool.State().ReservedForClaimTotal.IsZero())
	require.Empty(t, f.pool.RequestIDsByOwner(alice))

	_, err = f.pool.Claim(f.ctx, alice, id)
	require.ErrorIs(t, err, pool.ErrNotFound)
	require.Equal(t, uint64(1000), f.balance(t, alice), "no double spend")
}

func TestFinalize_LiquidityGateBlocksLaterRequests(t *testing.T) {
	f := newFixture(t)
	f.delegate(t, alice, 1000)
	f.delegate(t, carol, 100)
	f.ledger.Collateral.SetUnits(bob, 1)
	require.NoError(t, f.pool.Utilize(f.ctx, bob, u(1500)))
	require.Equal(t, uint64(600), f.balance(t, poolAddr))

	first, err := f.pool.RequestWithdraw(f.ctx, alice, u(1000))
	require.NoError(t, err)
	second, err := f.pool.RequestWithdraw(f.ctx, carol, u(100))
	require.NoError(t, err)

	n, err := f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n, "carol's request fits but sits behind alice's")
	require.Equal(t, first, f.pool.State().NextRequestIDToFinalize)

	_, err = f.pool.RepayFull(f.ctx, bob)
	require.NoError(t, err)

	n, err = f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
	require.Equal(t, second+1, f.pool.State().NextRequestIDToFinalize)
}

func TestFinalize_BatchLimitIsResumable(t *testing.T) {
	f := newFixture(t, func(c *pool.Config) { c.Params.FinalizationBatchLimit = 2 })
	f.delegate(t, alice, 500)
	for i := 0; i < 5; i++ {
		_, err := f.pool.RequestWithdraw(f.ctx, alice, u(100))
		require.NoError(t, err)
	}

	for _, want := range []uint64{2, 2, 1, 0} {
		n, err := f.pool.FinalizeBatch(f.ctx)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	st := f.pool.State()
	require.Equal(t, st.NextRequestID, st.NextRequestIDToFinalize)
}

func TestFinalize_LossIsBorneByWithdrawer(t *testing.T) {
	f := newFixture(t)
	f.delegate(t, alice, 1000)
	id, err := f.pool.RequestWithdraw(f.ctx, alice, u(1000))
	require.NoError(t, err)

	// Half the pool's assets vanish before finalization.
	f.ledger.Token.Burn(poolAddr, u(1000))
	_, err = f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)

	req, err := f.pool.WithdrawRequest(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), req.AssetAmountExpected.Uint64())
	require.Equal(t, uint64(500), req.AssetAmountFinalized.Uint64())
	require.Equal(t, uint64(seedAmount), f.pool.State().ClaimTokenSupply.Uint64())
}

func TestFinalize_CursorInvariants(t *testing.T) {
	f := newFixture(t, func(c *pool.Config) {
		c.Params.MinDelayTicks = 3
		c.Params.FinalizationBatchLimit = 3
	})
	f.ledger.Collateral.SetUnits(bob, 10)
	holders := []model.Address{alice, carol}
	for _, h := range holders {
		f.delegate(t, h, 10_000)
	}

	rng := rand.New(rand.NewSource(42))
	prev := f.pool.State().NextRequestIDToFinalize
	for step := 0; step < 300; step++ {
		switch rng.Intn(5) {
		case 0:
			h := holders[rng.Intn(len(holders))]
			_, _ = f.pool.RequestWithdraw(f.ctx, h, u(uint64(1+rng.Intn(300))))
		case 1:
			_ = f.pool.Utilize(f.ctx, bob, u(uint64(1+rng.Intn(2000))))
		case 2:
			_, _ = f.pool.Repay(f.ctx, bob, u(uint64(1+rng.Intn(2000))))
		case 3:
			_, err := f.pool.FinalizeBatch(f.ctx)
			require.NoError(t, err)
		case 4:
			f.clock.Advance(uint64(rng.Intn(3)))
		}

		st := f.pool.State()
		require.GreaterOrEqual(t, st.NextRequestIDToFinalize, prev)
		require.LessOrEqual(t, st.NextRequestIDToFinalize, st.NextRequestID)
		for id := st.NextRequestIDToFinalize; id < st.NextRequestID; id++ {
			require.False(t, st.Requests[id].Finalized, "request %d ahead of the cursor", id)
		}
		prev = st.NextRequestIDToFinalize
	}
}

func TestRequestWithdraw_Rejections(t *testing.T) {
	f := newFixture(t, func(c *pool.Config) {
		c.Params.MaxOpenRequestsPerAccount = 2
		c.Params.MinWithdraw = u(10)
	})
	f.delegate(t, alice, 100)

	_, err := f.pool.RequestWithdraw(f.ctx, alice, u(101))
	require.ErrorIs(t, err, pool.ErrInsufficientBalance)

	_, err = f.pool.RequestWithdraw(f.ctx, alice, u(9))
	require.ErrorIs(t, err, pool.ErrInvalidInput)
	require.ErrorIs(t, err, pool.ErrBelowMinWithdraw)

	_, err = f.pool.RequestWithdraw(f.ctx, alice, u(0))
	require.ErrorIs(t, err, pool.ErrInvalidInput)

	for i := 0; i < 2; i++ {
		_, err = f.pool.RequestWithdraw(f.ctx, alice, u(10))
		require.NoError(t, err)
	}
	_, err = f.pool.RequestWithdraw(f.ctx, alice, u(10))
	require.ErrorIs(t, err, pool.ErrLimitExceeded)
	require.Len(t, f.pool.RequestIDsByOwner(alice), 2)
}

func TestRequestWithdrawAsset_RoundsBurnUp(t *testing.T) {
	f := newFixture(t)
	f.ledger.Token.Mint(poolAddr, u(500)) // rate 1.5
	f.delegate(t, alice, 300)
	require.Equal(t, uint64(200), f.pool.ClaimTokenBalance(alice).Uint64())

	id, err := f.pool.RequestWithdrawAsset(f.ctx, alice, u(100))
	require.NoError(t, err)

	req, err := f.pool.WithdrawRequest(id)
	require.NoError(t, err)
	require.Equal(t, uint64(67), req.ClaimTokensBurned.Uint64())
	require.Equal(t, uint64(100), req.AssetAmountExpected.Uint64())
	require.Equal(t, uint64(133), f.pool.ClaimTokenBalance(alice).Uint64())
}

func TestClaim_Rejections(t *testing.T) {
	f := newFixture(t)
	f.delegate(t, alice, 100)
	id, err := f.pool.RequestWithdraw(f.ctx, alice, u(100))
	require.NoError(t, err)
	_, err = f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)

	_, err = f.pool.Claim(f.ctx, carol, id)
	require.ErrorIs(t, err, pool.ErrUnauthorized)

	_, err = f.pool.Claim(f.ctx, alice, 0)
	require.ErrorIs(t, err, pool.ErrNotFound)

	_, err = f.pool.Claim(f.ctx, alice, id+1)
	require.ErrorIs(t, err, pool.ErrNotFound)

	_, err = f.pool.Claim(f.ctx, alice, id)
	require.NoError(t, err)
}

func TestClaim_TransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.delegate(t, alice, 100)
	id, err := f.pool.RequestWithdraw(f.ctx, alice, u(100))
	require.NoError(t, err)
	_, err = f.pool.FinalizeBatch(f.ctx)
	require.NoError(t, err)
	before := f.pool.State()

	f.ledger.Token.Reject(true)
	_, err = f.pool.Claim(f.ctx, alice, id)
	require.ErrorIs(t, err, pool.ErrTransferFailed)
	require.Equal(t, before, f.pool.State())

	f.ledger.Token.Reject(false)
	paid, err := f.pool.Claim(f.ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, uint64(100), paid.Uint64())
}
