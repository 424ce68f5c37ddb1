package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/model"
)

// --- Request/Response types ---

// AmountRequest is the body of every single-amount call.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// WithdrawRequest is the body of POST /withdrawals.
type WithdrawRequest struct {
	ClaimTokens string `json:"claim_tokens"`
}

// OnBehalfRequest names the account an operator acts for.
type OnBehalfRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// LiquidateRequest is the body of POST /liquidations.
type LiquidateRequest struct {
	Account string `json:"account"`
}

// DelegateResponse reports the claim tokens minted.
type DelegateResponse struct {
	Account     model.Address `json:"account"`
	Amount      *uint256.Int  `json:"amount"`
	ClaimTokens *uint256.Int  `json:"claim_tokens"`
}

// WithdrawResponse identifies a queued request.
type WithdrawResponse struct {
	RequestID uint64                 `json:"request_id"`
	Request   *model.WithdrawRequest `json:"request"`
}

// FinalizeResponse reports one finalization pass.
type FinalizeResponse struct {
	Finalized               uint64 `json:"finalized"`
	NextRequestIDToFinalize uint64 `json:"next_request_id_to_finalize"`
}

// AmountResponse reports the amount actually moved.
type AmountResponse struct {
	Account model.Address `json:"account,omitempty"`
	Amount  *uint256.Int  `json:"amount"`
}

// --- HTTP Handlers ---

// Delegate handles POST /api/v1/delegate
func (s *Service) Delegate(w http.ResponseWriter, r *http.Request) {
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
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	minted, err := s.pool.Delegate(r.Context(), who, amount)
	if err != nil {
		writePoolError(w, "delegate", err)
		return
	}

	slog.Info("delegated", "account", who, "amount", amount.Dec(), "claim_tokens", minted.Dec())
	writeJSON(w, http.StatusOK, DelegateResponse{Account: who, Amount: amount, ClaimTokens: minted})
}

// RequestWithdraw handles POST /api/v1/withdrawals
func (s *Service) RequestWithdraw(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	tokens, err := parseAmount("claim_tokens", req.ClaimTokens, false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.pool.RequestWithdraw(r.Context(), who, tokens)
	if err != nil {
		writePoolError(w, "request_withdraw", err)
		return
	}
	s.writeQueued(w, id)
}

// RequestWithdrawAsset handles POST /api/v1/withdrawals/by-asset
func (s *Service) RequestWithdrawAsset(w http.ResponseWriter, r *http.Request) {
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
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.pool.RequestWithdrawAsset(r.Context(), who, amount)
	if err != nil {
		writePoolError(w, "request_withdraw_asset", err)
		return
	}
	s.writeQueued(w, id)
}

func (s *Service) writeQueued(w http.ResponseWriter, id uint64) {
	req, err := s.pool.WithdrawRequest(id)
	if err != nil {
		writePoolError(w, "withdraw_request", err)
		return
	}
	slog.Info("withdrawal queued",
		"request_id", id,
		"owner", req.Owner,
		"claim_tokens", req.ClaimTokensBurned.Dec(),
		"expected", req.AssetAmountExpected.Dec(),
	)
	writeJSON(w, http.StatusCreated, WithdrawResponse{RequestID: id, Request: req})
}

// FinalizeBatch handles POST /api/v1/withdrawals/finalize. Anyone may
// trigger a pass.
func (s *Service) FinalizeBatch(w http.ResponseWriter, r *http.Request) {
	n, err := s.pool.FinalizeBatch(r.Context())
	if err != nil {
		writePoolError(w, "finalize_batch", err)
		return
	}
	writeJSON(w, http.StatusOK, FinalizeResponse{
		Finalized:               n,
		NextRequestIDToFinalize: s.pool.State().NextRequestIDToFinalize,
	})
}

// Claim handles POST /api/v1/withdrawals/{id}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "request id must be an unsigned integer", http.StatusBadRequest)
		return
	}

	paid, err := s.pool.Claim(r.Context(), who, id)
	if err != nil {
		writePoolError(w, "claim", err)
		return
	}

	slog.Info("withdrawal claimed", "request_id", id, "owner", who, "amount", paid.Dec())
	writeJSON(w, http.StatusOK, AmountResponse{Account: who, Amount: paid})
}

// Utilize handles POST /api/v1/utilize
func (s *Service) Utilize(w http.ResponseWriter, r *http.Request) {
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
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.pool.Utilize(r.Context(), who, amount); err != nil {
		writePoolError(w, "utilize", err)
		return
	}
	s.writeUtilized(w, who, amount)
}

// UtilizeOnBehalf handles POST /api/v1/utilize/on-behalf
func (s *Service) UtilizeOnBehalf(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req OnBehalfRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := address.Parse(req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.pool.UtilizeOnBehalf(r.Context(), who, account, amount); err != nil {
		writePoolError(w, "utilize_on_behalf", err)
		return
	}
	s.writeUtilized(w, account, amount)
}

func (s *Service) writeUtilized(w http.ResponseWriter, account model.Address, amount *uint256.Int) {
	owed, err := s.pool.UtilizerBalanceStored(account)
	if err != nil {
		writePoolError(w, "utilizer_balance", err)
		return
	}
	slog.Info("utilized", "account", account, "amount", amount.Dec(), "owed", owed.Dec())
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"amount":  amount,
		"owed":    owed,
	})
}

// Repay handles POST /api/v1/repay. "max" repays everything owed.
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
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

	repaid, err := s.pool.Repay(r.Context(), who, amount)
	if err != nil {
		writePoolError(w, "repay", err)
		return
	}
	slog.Info("repaid", "account", who, "amount", repaid.Dec())
	writeJSON(w, http.StatusOK, AmountResponse{Account: who, Amount: repaid})
}

// RepayOnBehalf handles POST /api/v1/repay/on-behalf. The caller pays.
func (s *Service) RepayOnBehalf(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req OnBehalfRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := address.Parse(req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount("amount", req.Amount, true)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	repaid, err := s.pool.RepayOnBehalf(r.Context(), who, account, amount)
	if err != nil {
		writePoolError(w, "repay_on_behalf", err)
		return
	}
	slog.Info("repaid on behalf", "payer", who, "account", account, "amount", repaid.Dec())
	writeJSON(w, http.StatusOK, AmountResponse{Account: account, Amount: repaid})
}

// RepayFull handles POST /api/v1/repay/full
func (s *Service) RepayFull(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	repaid, err := s.pool.RepayFull(r.Context(), who)
	if err != nil {
		writePoolError(w, "repay_full", err)
		return
	}
	slog.Info("repaid in full", "account", who, "amount", repaid.Dec())
	writeJSON(w, http.StatusOK, AmountResponse{Account: who, Amount: repaid})
}

// Accrue handles POST /api/v1/accrue and returns the updated summary.
func (s *Service) Accrue(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Accrue(r.Context()); err != nil {
		writePoolError(w, "accrue", err)
		return
	}
	s.GetPool(w, r)
}

// Liquidate handles POST /api/v1/liquidations. The caller is the
// liquidator and pays the account's outstanding interest.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req LiquidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := address.Parse(req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.pool.LiquidationCall(r.Context(), who, account)
	if err != nil {
		writePoolError(w, "liquidation_call", err)
		return
	}

	slog.Info("account liquidated",
		"account", account,
		"liquidator", who,
		"total_due", rec.TotalAmountDue.Dec(),
		"bonus", rec.BonusAmount.Dec(),
		"fee", rec.FeeAmount.Dec(),
	)
	writeJSON(w, http.StatusCreated, rec)
}

// CompleteLiquidation handles POST /api/v1/liquidations/{account}/complete
func (s *Service) CompleteLiquidation(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := address.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.pool.CompleteLiquidation(r.Context(), who, account); err != nil {
		writePoolError(w, "complete_liquidation", err)
		return
	}
	slog.Info("liquidation completed", "account", account, "collector", who)
	w.WriteHeader(http.StatusNoContent)
}
