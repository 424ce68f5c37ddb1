package api

import (
	"log/slog"
	"net/http"

	"github.com/holiman/uint256"

	"github.com/atmx/credit-pool/internal/address"
)

// MintRequest is the body of POST /dev/mint.
type MintRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// CollateralRequest is the body of POST /dev/collateral. Omitted fields
// leave the ledger unchanged.
type CollateralRequest struct {
	Account          string  `json:"account"`
	Units            *uint64 `json:"units,omitempty"`
	UnclaimedRewards string  `json:"unclaimed_rewards,omitempty"`
	// AssetPerReference is the 1e18-scaled conversion price. It applies
	// to every account.
	AssetPerReference string `json:"asset_per_reference,omitempty"`
}

// DevMint handles POST /api/v1/dev/mint: it credits asset tokens on the
// in-memory ledger.
func (s *Service) DevMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
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

	s.dev.Token.Mint(account, amount)
	bal, _ := s.dev.Token.BalanceOf(r.Context(), account)
	slog.Warn("dev mint", "account", account, "amount", amount.Dec())
	writeJSON(w, http.StatusOK, AmountResponse{Account: account, Amount: bal})
}

// DevCollateral handles POST /api/v1/dev/collateral: it sets an
// account's collateral units and rewards on the in-memory ledgers.
func (s *Service) DevCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := address.Parse(req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rewards, price *uint256.Int
	if req.UnclaimedRewards != "" {
		if rewards, err = parseAmount("unclaimed_rewards", req.UnclaimedRewards, false); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.AssetPerReference != "" {
		price, err = parseAmount("asset_per_reference", req.AssetPerReference, false)
		if err != nil || price.IsZero() {
			writeError(w, "asset_per_reference must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	if rewards != nil {
		s.dev.Rewards.SetUnclaimed(account, rewards)
	}
	if price != nil {
		s.dev.Collateral.SetPrice(price)
	}
	if req.Units != nil {
		s.dev.Collateral.SetUnits(account, *req.Units)
	}

	units, _ := s.dev.Collateral.NonTerminalUnitCount(r.Context(), account)
	utilized, _ := s.dev.Collateral.UtilizedBalance(r.Context(), account)
	slog.Warn("dev collateral update", "account", account, "units", units)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":  account,
		"units":    units,
		"utilized": utilized,
	})
}
