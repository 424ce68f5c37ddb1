package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/model"
)

// ClearInterestRequest lists the accounts to write off.
type ClearInterestRequest struct {
	Accounts []string `json:"accounts"`
}

// SetParamRequest carries a parameter value as text: an integer, or for
// risk_config a JSON object.
type SetParamRequest struct {
	Value string `json:"value"`
}

// RiskRequest is the body of PUT /admin/risk.
type RiskRequest struct {
	LiquidationThresholdPct uint64 `json:"liquidation_threshold_pct"`
	LiquidationBonusPct     uint64 `json:"liquidation_bonus_pct"`
	LiquidationFeePct       uint64 `json:"liquidation_fee_pct"`
	LoanToValuePct          uint64 `json:"loan_to_value_pct"`
}

// ClearInterest handles POST /api/v1/admin/clear-interest
func (s *Service) ClearInterest(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req ClearInterestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	accounts, err := address.ParseList(req.Accounts)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cleared, err := s.pool.ClearUtilizerInterest(r.Context(), who, accounts)
	if err != nil {
		writePoolError(w, "clear_interest", err)
		return
	}
	if cleared == nil {
		cleared = []model.Address{}
	}
	slog.Info("utilizer interest cleared", "manager", who, "requested", len(accounts), "cleared", len(cleared))
	writeJSON(w, http.StatusOK, map[string][]model.Address{"cleared": cleared})
}

// WithdrawProtocolFee handles POST /api/v1/admin/protocol-fee/withdraw.
// "max" withdraws the whole accumulated fee.
func (s *Service) WithdrawProtocolFee(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount("amount", req.Amount, true)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sent, err := s.pool.WithdrawProtocolFee(r.Context(), who, amount)
	if err != nil {
		writePoolError(w, "withdraw_protocol_fee", err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: sent})
}

// SetParam handles PUT /api/v1/admin/params/{field}
func (s *Service) SetParam(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req SetParamRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	field := chi.URLParam(r, "field")

	if err := s.pool.SetParam(r.Context(), who, field, req.Value); err != nil {
		writePoolError(w, "set_param", err)
		return
	}
	st := s.pool.State()
	writeJSON(w, http.StatusOK, map[string]any{"params": st.Params, "risk": st.Risk})
}

// SetRiskConfig handles PUT /api/v1/admin/risk. The version is assigned
// by the engine.
func (s *Service) SetRiskConfig(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req RiskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg := model.RiskConfig{
		LiquidationThresholdPct: req.LiquidationThresholdPct,
		LiquidationBonusPct:     req.LiquidationBonusPct,
		LiquidationFeePct:       req.LiquidationFeePct,
		LoanToValuePct:          req.LoanToValuePct,
	}
	if err := s.pool.SetRiskConfig(r.Context(), who, cfg); err != nil {
		writePoolError(w, "set_risk_config", err)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.State().Risk)
}
