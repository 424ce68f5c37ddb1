package api

import (
	"cmp"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

// defaultEventLimit caps GET /events when no limit is given.
const defaultEventLimit = 100

// RateResponse carries a 1e18-scaled ratio in raw and decimal form.
type RateResponse struct {
	Raw     *uint256.Int    `json:"raw"`
	Decimal decimal.Decimal `json:"decimal"`
	Current bool            `json:"current,omitempty"`
}

func rateResponse(x *uint256.Int) RateResponse {
	return RateResponse{Raw: x, Decimal: wad.ToDecimal(x)}
}

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	summary, err := s.pool.Summary(r.Context())
	if err != nil {
		writePoolError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetExchangeRate handles GET /api/v1/exchange-rate. With ?current=true
// the index is accrued and committed first.
func (s *Service) GetExchangeRate(w http.ResponseWriter, r *http.Request) {
	current, _ := strconv.ParseBool(r.URL.Query().Get("current"))

	var (
		rate *uint256.Int
		err  error
	)
	if current {
		rate, err = s.pool.ExchangeRateCurrent(r.Context())
	} else {
		rate, err = s.pool.ExchangeRateStored(r.Context())
	}
	if err != nil {
		writePoolError(w, "exchange_rate", err)
		return
	}
	resp := rateResponse(rate)
	resp.Current = current
	writeJSON(w, http.StatusOK, resp)
}

// GetUtilization handles GET /api/v1/utilization
func (s *Service) GetUtilization(w http.ResponseWriter, r *http.Request) {
	ratio, err := s.pool.UtilizationRatio(r.Context())
	if err != nil {
		writePoolError(w, "utilization", err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse(ratio))
}

// GetDelegationRate handles GET /api/v1/delegation-rate
func (s *Service) GetDelegationRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.pool.DelegationRatePerTick(r.Context())
	if err != nil {
		writePoolError(w, "delegation_rate", err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse(rate))
}

// GetAccount handles GET /api/v1/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := address.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := s.pool.Account(r.Context(), account)
	if err != nil {
		writePoolError(w, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetAccountWithdrawals handles GET /api/v1/accounts/{account}/withdrawals
// and returns the account's unclaimed requests in id order.
func (s *Service) GetAccountWithdrawals(w http.ResponseWriter, r *http.Request) {
	account, err := address.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids := s.pool.RequestIDsByOwner(account)
	requests := make([]*model.WithdrawRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.pool.WithdrawRequest(id)
		if err != nil {
			continue // claimed between the two reads
		}
		requests = append(requests, req)
	}
	slices.SortFunc(requests, func(a, b *model.WithdrawRequest) int { return cmp.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, requests)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{id}
func (s *Service) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "request id must be an unsigned integer", http.StatusBadRequest)
		return
	}
	req, err := s.pool.WithdrawRequest(id)
	if err != nil {
		writePoolError(w, "withdraw_request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetAccountLiquidation handles GET /api/v1/accounts/{account}/liquidation
func (s *Service) GetAccountLiquidation(w http.ResponseWriter, r *http.Request) {
	account, err := address.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.pool.Liquidation(account)
	if err != nil {
		writePoolError(w, "liquidation", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListLiquidations handles GET /api/v1/liquidations
func (s *Service) ListLiquidations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Liquidations())
}

// GetEvents handles GET /api/v1/events, optionally filtered by
// ?account= and bounded by ?limit=.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		events []model.Event
		err    error
	)
	if raw := q.Get("account"); raw != "" {
		account, perr := address.Parse(raw)
		if perr != nil {
			writeError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		events, err = s.store.EventsByAccount(r.Context(), account, limit)
	} else {
		events, err = s.store.RecentEvents(r.Context(), limit)
	}
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
