package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

func TestObserve(t *testing.T) {
	before := testutil.ToFloat64(EventsTotal.WithLabelValues(string(model.EventDelegated)))

	st := &model.PoolState{
		UtilizeIndex:            wad.New(1_500_000_000_000_000_000),
		TotalUtilized:           wad.New(250),
		ClaimTokenSupply:        wad.New(1000),
		AccumulatedProtocolFee:  wad.New(3),
		RequestedWithdrawTotal:  wad.New(40),
		ReservedForClaimTotal:   wad.New(60),
		NextRequestID:           9,
		NextRequestIDToFinalize: 4,
		LiquidationIndex:        map[model.Address]uint64{"0x01": 1},
	}
	Observe(st, []model.Event{{Kind: model.EventDelegated}, {Kind: model.EventDelegated}})

	if got := testutil.ToFloat64(EventsTotal.WithLabelValues(string(model.EventDelegated))) - before; got != 2 {
		t.Errorf("delegated events counted = %v, want 2", got)
	}
	checks := map[string]struct{ got, want float64 }{
		"index":        {testutil.ToFloat64(UtilizeIndex), 1.5},
		"utilized":     {testutil.ToFloat64(TotalUtilized), 250},
		"supply":       {testutil.ToFloat64(ClaimTokenSupply), 1000},
		"fee":          {testutil.ToFloat64(AccumulatedProtocolFee), 3},
		"requested":    {testutil.ToFloat64(RequestedWithdrawTotal), 40},
		"reserved":     {testutil.ToFloat64(ReservedForClaimTotal), 60},
		"queue":        {testutil.ToFloat64(QueueDepth), 5},
		"liquidations": {testutil.ToFloat64(OpenLiquidations), 1},
	}
	for name, c := range checks {
		if c.got != c.want {
			t.Errorf("%s gauge = %v, want %v", name, c.got, c.want)
		}
	}
}

func TestObserveRates(t *testing.T) {
	ObserveRates(wad.New(1_010_000_000_000_000_000), wad.New(500_000_000_000_000_000))
	if got := testutil.ToFloat64(ExchangeRate); got != 1.01 {
		t.Errorf("exchange rate = %v, want 1.01", got)
	}
	if got := testutil.ToFloat64(Utilization); got != 0.5 {
		t.Errorf("utilization = %v, want 0.5", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/withdrawals/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/withdrawals/{id}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/withdrawals/42", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/withdrawals/{id}", "404")) - before; got != 1 {
		t.Errorf("requests counted under route pattern = %v, want 1", got)
	}
}
