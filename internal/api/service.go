// Package api exposes the credit pool over HTTP. Handlers decode JSON,
// identify the caller from the X-Account header, call the engine and map
// engine error kinds to status codes.
//
// Amounts travel as base-10 integer strings; never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/memledger"
	"github.com/atmx/credit-pool/internal/metrics"
	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/pool"
	"github.com/atmx/credit-pool/internal/store"
	"github.com/atmx/credit-pool/internal/wad"
)

// CallerHeader carries the caller's address. Authentication happens in
// front of this service.
const CallerHeader = "X-Account"

// MaxKeyword requests the whole balance where an amount accepts it.
const MaxKeyword = "max"

// Service handles pool operations. The engine serializes calls itself, so
// handlers hold no locks.
type Service struct {
	pool  *pool.Pool
	store store.Store
	dev   *memledger.Ledger // non-nil only when dev endpoints are enabled
}

// NewService creates the HTTP service. Pass a nil dev ledger to disable
// the /dev endpoints.
func NewService(p *pool.Pool, st store.Store, dev *memledger.Ledger) *Service {
	return &Service{pool: p, store: st, dev: dev}
}

// Routes mounts every handler under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/delegate", s.Delegate)

	r.Post("/withdrawals", s.RequestWithdraw)
	r.Post("/withdrawals/by-asset", s.RequestWithdrawAsset)
	r.Post("/withdrawals/finalize", s.FinalizeBatch)
	r.Get("/withdrawals/{id}", s.GetWithdrawal)
	r.Post("/withdrawals/{id}/claim", s.Claim)

	r.Post("/utilize", s.Utilize)
	r.Post("/utilize/on-behalf", s.UtilizeOnBehalf)
	r.Post("/repay", s.Repay)
	r.Post("/repay/on-behalf", s.RepayOnBehalf)
	r.Post("/repay/full", s.RepayFull)
	r.Post("/accrue", s.Accrue)

	r.Get("/liquidations", s.ListLiquidations)
	r.Post("/liquidations", s.Liquidate)
	r.Post("/liquidations/{account}/complete", s.CompleteLiquidation)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/clear-interest", s.ClearInterest)
		r.Post("/protocol-fee/withdraw", s.WithdrawProtocolFee)
		r.Put("/params/{field}", s.SetParam)
		r.Put("/risk", s.SetRiskConfig)
	})

	r.Get("/pool", s.GetPool)
	r.Get("/exchange-rate", s.GetExchangeRate)
	r.Get("/utilization", s.GetUtilization)
	r.Get("/delegation-rate", s.GetDelegationRate)
	r.Get("/accounts/{account}", s.GetAccount)
	r.Get("/accounts/{account}/withdrawals", s.GetAccountWithdrawals)
	r.Get("/accounts/{account}/liquidation", s.GetAccountLiquidation)
	r.Get("/events", s.GetEvents)

	if s.dev != nil {
		r.Post("/dev/mint", s.DevMint)
		r.Post("/dev/collateral", s.DevCollateral)
	}
}

// --- helpers ---

func caller(r *http.Request) (model.Address, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return "", fmt.Errorf("%s header is required", CallerHeader)
	}
	return address.Parse(raw)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseAmount reads a base-10 integer. allowMax accepts "max".
func parseAmount(field, raw string, allowMax bool) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if allowMax && strings.EqualFold(raw, MaxKeyword) {
		return new(uint256.Int).Set(pool.MaxAmount), nil
	}
	if raw == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := wad.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a base-10 integer: %w", field, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrLimitExceeded),
		errors.Is(err, pool.ErrAlreadyLiquidated),
		errors.Is(err, pool.ErrNotLiquidatable),
		errors.Is(err, pool.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, pool.ErrTransferFailed), errors.Is(err, pool.ErrCollaborator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writePoolError reports a rejected engine call.
func writePoolError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	metrics.RejectedCalls.WithLabelValues(op, fmt.Sprint(status)).Inc()
	if status >= http.StatusInternalServerError {
		slog.Error("pool call failed", "op", op, "err", err)
	}
	writeError(w, err.Error(), status)
}
