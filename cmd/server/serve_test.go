package main

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/credit-pool/internal/config"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/pool"
	"github.com/atmx/credit-pool/internal/store"
)

const (
	bob   model.Address = "0x00000000000000000000000000000000000000b0"
	carol model.Address = "0x00000000000000000000000000000000000000c0"
)

func TestOpenPool_RestoresLedgerWithState(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.New("")
	require.NoError(t, err)
	st := store.NewMemoryStore()

	p, ledger, err := openPool(ctx, cfg, st)
	require.NoError(t, err)
	rec, err := store.NewRecorder(ctx, st, time.Second)
	require.NoError(t, err)
	p.OnCommit(rec.Record)

	ledger.Collateral.SetUnits(bob, 1)
	require.NoError(t, p.Utilize(ctx, bob, uint256.NewInt(100)))
	rateBefore, err := p.ExchangeRateStored(ctx)
	require.NoError(t, err)

	restarted, restoredLedger, err := openPool(ctx, cfg, st)
	require.NoError(t, err)

	bal, err := restoredLedger.Token.BalanceOf(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(100), bal.Uint64())
	utilized, err := restoredLedger.Collateral.UtilizedBalance(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(100), utilized.Uint64())

	rateAfter, err := restarted.ExchangeRateStored(ctx)
	require.NoError(t, err)
	require.Equal(t, rateBefore, rateAfter)

	hf, err := restarted.HealthFactor(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, pool.MaxHealthFactor, hf, "principal must not read as interest after a restart")

	restoredLedger.Token.Mint(carol, uint256.NewInt(1000))
	_, err = restarted.LiquidationCall(ctx, carol, bob)
	require.ErrorIs(t, err, pool.ErrNotLiquidatable)
}

func TestOpenPool_RejectsSnapshotWithoutLedger(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.New("")
	require.NoError(t, err)
	st := store.NewMemoryStore()

	p, _, err := openPool(ctx, cfg, st)
	require.NoError(t, err)
	require.NoError(t, st.SaveSnapshot(ctx, &model.Snapshot{
		Version:   1,
		State:     p.State(),
		CreatedAt: time.Now().UTC(),
	}))

	_, _, err = openPool(ctx, cfg, st)
	require.ErrorContains(t, err, "no ledger checkpoint")
}
