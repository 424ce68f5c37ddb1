package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/api"
	"github.com/atmx/credit-pool/internal/memledger"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/pool"
	"github.com/atmx/credit-pool/internal/riskconfig"
	"github.com/atmx/credit-pool/internal/store"
)

const (
	poolAddr model.Address = "0x00000000000000000000000000000000000000aa"
	treasury model.Address = "0x00000000000000000000000000000000000000ee"
	seeder   model.Address = "0x000000000000000000000000000000000000005e"
	alice    model.Address = "0x00000000000000000000000000000000000000a1"
	bob      model.Address = "0x00000000000000000000000000000000000000b0"
	manager  model.Address = "0x000000000000000000000000000000000000000d"
)

type testEnv struct {
	router chi.Router
	pool   *pool.Pool
	ledger *memledger.Ledger
	clock  *pool.ManualClock
}

// newTestEnv creates a seeded pool on in-memory ledgers behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	ledger := memledger.New(poolAddr)
	clock := pool.NewManualClock(1000)
	ledger.Token.Mint(seeder, uint256.NewInt(1000))

	params := riskconfig.DefaultParams()
	params.UtilizationRatePerTick = uint256.NewInt(1_000_000_000_000_000)
	p, err := pool.New(ctx, pool.Config{
		Address:    poolAddr,
		Treasury:   treasury,
		Seeder:     seeder,
		SeedAmount: uint256.NewInt(1000),
		Params:     params,
		Risk:       riskconfig.DefaultRisk(),
	}, pool.Deps{
		Asset:      ledger.Asset(),
		Collateral: ledger.Collateral,
		Incentives: ledger.Incentives,
		Exits:      ledger.Exits,
		Rewards:    ledger.Rewards,
		Auth:       pool.NewStaticAuthorizer().Grant(pool.RoleManager, manager),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	ms := store.NewMemoryStore()
	rec, err := store.NewRecorder(ctx, ms, time.Second)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	p.OnCommit(rec.Record)

	svc := api.NewService(p, ms, ledger)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{router: r, pool: p, ledger: ledger, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, who model.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set(api.CallerHeader, string(who))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

func (e *testEnv) mint(t *testing.T, who model.Address, amount string) {
	t.Helper()
	w := e.do(t, "POST", "/dev/mint", "", api.MintRequest{Account: string(who), Amount: amount})
	expectStatus(t, w, http.StatusOK)
}

// --- Delegation ---

func TestDelegate(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, "500")

	w := env.do(t, "POST", "/delegate", alice, api.AmountRequest{Amount: "500"})
	expectStatus(t, w, http.StatusOK)

	resp := decodeBody[api.DelegateResponse](t, w)
	if resp.ClaimTokens.Uint64() != 500 {
		t.Errorf("expected 500 claim tokens at rate 1.0, got %s", resp.ClaimTokens.Dec())
	}

	w = env.do(t, "GET", "/accounts/"+string(alice), "", nil)
	expectStatus(t, w, http.StatusOK)
	view := decodeBody[pool.AccountView](t, w)
	if view.ClaimTokens.Uint64() != 500 || view.DelegatedAssets.Uint64() != 500 {
		t.Errorf("account view = %+v", view)
	}
	if view.Status != model.StatusUnborrowed {
		t.Errorf("status = %s, want unborrowed", view.Status)
	}
}

func TestDelegate_RequestValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		who  model.Address
		body any
		want int
	}{
		{"missing caller", "", api.AmountRequest{Amount: "1"}, http.StatusBadRequest},
		{"malformed caller", "alice", api.AmountRequest{Amount: "1"}, http.StatusBadRequest},
		{"non-integer amount", alice, api.AmountRequest{Amount: "1.5"}, http.StatusBadRequest},
		{"missing amount", alice, api.AmountRequest{}, http.StatusBadRequest},
		{"unknown field", alice, map[string]string{"amount": "1", "memo": "x"}, http.StatusBadRequest},
		{"zero amount", alice, api.AmountRequest{Amount: "0"}, http.StatusBadRequest},
		{"unfunded", alice, api.AmountRequest{Amount: "10"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/delegate", tt.who, tt.body)
			expectStatus(t, w, tt.want)
			if errBody := decodeBody[map[string]string](t, w); errBody["error"] == "" {
				t.Error("expected JSON error envelope")
			}
		})
	}
}

// --- Withdrawal queue ---

func TestWithdrawalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, "500")
	expectStatus(t, env.do(t, "POST", "/delegate", alice, api.AmountRequest{Amount: "500"}), http.StatusOK)

	w := env.do(t, "POST", "/withdrawals", alice, api.WithdrawRequest{ClaimTokens: "100"})
	expectStatus(t, w, http.StatusCreated)
	queued := decodeBody[api.WithdrawResponse](t, w)
	if queued.RequestID != 1 || queued.Request.AssetAmountExpected.Uint64() != 100 {
		t.Fatalf("queued = %+v", queued)
	}

	// Not finalized yet.
	expectStatus(t, env.do(t, "POST", "/withdrawals/1/claim", alice, nil), http.StatusConflict)

	w = env.do(t, "POST", "/withdrawals/finalize", "", nil)
	expectStatus(t, w, http.StatusOK)
	fin := decodeBody[api.FinalizeResponse](t, w)
	if fin.Finalized != 1 || fin.NextRequestIDToFinalize != 2 {
		t.Errorf("finalize = %+v", fin)
	}

	w = env.do(t, "GET", "/accounts/"+string(alice)+"/withdrawals", "", nil)
	expectStatus(t, w, http.StatusOK)
	if reqs := decodeBody[[]model.WithdrawRequest](t, w); len(reqs) != 1 || !reqs[0].Finalized {
		t.Errorf("withdrawals = %+v", reqs)
	}

	expectStatus(t, env.do(t, "POST", "/withdrawals/1/claim", bob, nil), http.StatusForbidden)

	w = env.do(t, "POST", "/withdrawals/1/claim", alice, nil)
	expectStatus(t, w, http.StatusOK)
	if paid := decodeBody[api.AmountResponse](t, w); paid.Amount.Uint64() != 100 {
		t.Errorf("claimed %s, want 100", paid.Amount.Dec())
	}

	expectStatus(t, env.do(t, "POST", "/withdrawals/1/claim", alice, nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "GET", "/withdrawals/1", "", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, "GET", "/withdrawals/abc", "", nil), http.StatusBadRequest)
}

func TestRequestWithdraw_ExceedsBalance(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/withdrawals", alice, api.WithdrawRequest{ClaimTokens: "1"})
	expectStatus(t, w, http.StatusConflict)
}

// --- Utilization ---

func TestUtilizeAndRepay(t *testing.T) {
	env := newTestEnv(t)

	// No collateral units: the cap is zero.
	expectStatus(t, env.do(t, "POST", "/utilize", alice, api.AmountRequest{Amount: "100"}), http.StatusConflict)

	units := uint64(1)
	w := env.do(t, "POST", "/dev/collateral", "", api.CollateralRequest{Account: string(alice), Units: &units})
	expectStatus(t, w, http.StatusOK)

	expectStatus(t, env.do(t, "POST", "/utilize", alice, api.AmountRequest{Amount: "100"}), http.StatusOK)

	env.clock.Advance(10) // 0.1% per tick → index 1.01
	w = env.do(t, "GET", "/accounts/"+string(alice), "", nil)
	expectStatus(t, w, http.StatusOK)
	view := decodeBody[pool.AccountView](t, w)
	if view.OwedStored.Uint64() != 100 || view.OwedCurrent.Uint64() != 101 {
		t.Errorf("owed stored/current = %s/%s, want 100/101", view.OwedStored.Dec(), view.OwedCurrent.Dec())
	}
	if view.Status != model.StatusUtilized {
		t.Errorf("status = %s, want utilized", view.Status)
	}

	env.mint(t, alice, "1")
	w = env.do(t, "POST", "/repay", alice, api.AmountRequest{Amount: "max"})
	expectStatus(t, w, http.StatusOK)
	if repaid := decodeBody[api.AmountResponse](t, w); repaid.Amount.Uint64() != 101 {
		t.Errorf("repaid %s, want 101", repaid.Amount.Dec())
	}

	expectStatus(t, env.do(t, "POST", "/repay/full", alice, nil), http.StatusConflict)
}

func TestUtilizeOnBehalf_RequiresRole(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/utilize/on-behalf", bob, api.OnBehalfRequest{Account: string(alice), Amount: "1"})
	expectStatus(t, w, http.StatusForbidden)
}

func TestLiquidate_Healthy(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/liquidations", bob, api.LiquidateRequest{Account: string(alice)})
	expectStatus(t, w, http.StatusConflict)

	expectStatus(t, env.do(t, "GET", "/accounts/"+string(alice)+"/liquidation", "", nil), http.StatusNotFound)
}

// --- Admin ---

func TestSetParam(t *testing.T) {
	env := newTestEnv(t)
	body := api.SetParamRequest{Value: "7"}

	expectStatus(t, env.do(t, "PUT", "/admin/params/min_delay_ticks", alice, body), http.StatusForbidden)
	expectStatus(t, env.do(t, "PUT", "/admin/params/no_such_field", manager, body), http.StatusBadRequest)
	expectStatus(t, env.do(t, "PUT", "/admin/params/min_delay_ticks", manager, body), http.StatusOK)

	if got := env.pool.State().Params.MinDelayTicks; got != 7 {
		t.Errorf("min delay = %d, want 7", got)
	}
}

func TestSetRiskConfig(t *testing.T) {
	env := newTestEnv(t)
	req := api.RiskRequest{LiquidationThresholdPct: 80, LiquidationBonusPct: 5, LiquidationFeePct: 5, LoanToValuePct: 40}

	w := env.do(t, "PUT", "/admin/risk", manager, req)
	expectStatus(t, w, http.StatusOK)
	risk := decodeBody[model.RiskConfig](t, w)
	if risk.LiquidationThresholdPct != 80 || risk.Version != 1 {
		t.Errorf("risk = %+v", risk)
	}

	req.LiquidationThresholdPct = 0
	expectStatus(t, env.do(t, "PUT", "/admin/risk", manager, req), http.StatusBadRequest)
}

func TestWithdrawProtocolFee_NothingAccrued(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/admin/protocol-fee/withdraw", manager, api.AmountRequest{Amount: "max"})
	expectStatus(t, w, http.StatusConflict)
}

// --- Queries ---

func TestExchangeRate(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/exchange-rate", "/exchange-rate?current=true"} {
		w := env.do(t, "GET", path, "", nil)
		expectStatus(t, w, http.StatusOK)
		resp := decodeBody[api.RateResponse](t, w)
		if resp.Raw.Cmp(uint256.NewInt(1_000_000_000_000_000_000)) != 0 {
			t.Errorf("%s: raw = %s, want 1e18", path, resp.Raw.Dec())
		}
		if resp.Decimal.String() != "1" {
			t.Errorf("%s: decimal = %s, want 1", path, resp.Decimal)
		}
	}
}

func TestGetPool(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/pool", "", nil)
	expectStatus(t, w, http.StatusOK)
	summary := decodeBody[pool.Summary](t, w)
	if summary.ClaimTokenSupply.Uint64() != 1000 || summary.PoolBalance.Uint64() != 1000 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestGetEvents(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, "50")
	expectStatus(t, env.do(t, "POST", "/delegate", alice, api.AmountRequest{Amount: "50"}), http.StatusOK)

	w := env.do(t, "GET", "/events?account="+string(alice), "", nil)
	expectStatus(t, w, http.StatusOK)
	events := decodeBody[[]model.Event](t, w)
	if len(events) != 1 || events[0].Kind != model.EventDelegated || events[0].Amount != "50" {
		t.Errorf("events = %+v", events)
	}

	expectStatus(t, env.do(t, "GET", "/events?limit=-1", "", nil), http.StatusBadRequest)
}

func TestDevEndpointsDisabled(t *testing.T) {
	svc := api.NewService(nil, store.NewMemoryStore(), nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/dev/mint", bytes.NewReader([]byte(`{}`))))
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("dev endpoint should not be mounted, got %d", w.Code)
	}
}
