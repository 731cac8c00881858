package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/gateway"
	"github.com/juno-intents/yield-vault/internal/vault"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

type signedHandler func(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte)

// signed reads the body, verifies the request signature and rejects replays
// before calling next with the recovered signer.
func (h *handler) signed(next signedHandler) vaultHandler {
	return func(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		now := h.cfg.Now()
		req, err := verifyRequest(
			r.Header.Get(HeaderSigner),
			r.Header.Get(HeaderTimestamp),
			r.Header.Get(HeaderSignature),
			r.Method, r.URL.Path, body, now, h.cfg.MaxSkew,
		)
		switch {
		case err == nil:
		case errors.Is(err, errMissingAuth):
			writeError(w, http.StatusUnauthorized, "missing_signature")
			return
		case errors.Is(err, errStaleRequest):
			writeError(w, http.StatusUnauthorized, "stale_request")
			return
		default:
			writeError(w, http.StatusUnauthorized, "invalid_signature")
			return
		}
		if !h.replays.Mark(req.digest, now) {
			writeError(w, http.StatusConflict, "replayed_request")
			return
		}
		next(w, r, v, req.signer, body)
	}
}

func decodeBody(w http.ResponseWriter, body []byte, out any) bool {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

type amountBody struct {
	Amount string `json:"amount"`
}

func decodeAmount(w http.ResponseWriter, body []byte) (*uint256.Int, bool) {
	var in amountBody
	if !decodeBody(w, body, &in) {
		return nil, false
	}
	amount, err := parseAmount(in.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return nil, false
	}
	return amount, true
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	amount, ok := decodeAmount(w, body)
	if !ok {
		return
	}
	minted, err := v.Deposit(r.Context(), caller, amount)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "user": caller.Hex(), "shares": minted.Dec()})
}

func (h *handler) handleWithdraw(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	amount, ok := decodeAmount(w, body)
	if !ok {
		return
	}
	req, err := v.Withdraw(r.Context(), caller, amount)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	// amount is what was queued. It exceeds requested only when the rounded
	// share burn took the caller's whole position.
	queued := req.Total()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"request":   requestJSON(req),
		"requested": amount.Dec(),
		"amount":    queued.Dec(),
		"fullExit":  queued.Gt(amount),
	})
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	var in struct {
		RequestIDs []uint64 `json:"requestIds"`
	}
	if len(bytes.TrimSpace(body)) > 0 && !decodeBody(w, body, &in) {
		return
	}
	var (
		c   vault.Claimable
		err error
	)
	if in.RequestIDs != nil {
		c, err = v.ClaimRequests(r.Context(), caller, in.RequestIDs)
	} else {
		c, err = v.Claim(r.Context(), caller)
	}
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "claim": claimJSON(c)})
}

func (h *handler) handleClaimOnBehalf(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	var in struct {
		User string `json:"user"`
	}
	if !decodeBody(w, body, &in) {
		return
	}
	if !common.IsHexAddress(in.User) {
		writeError(w, http.StatusBadRequest, "invalid_user")
		return
	}
	c, err := v.ClaimOnBehalf(r.Context(), caller, common.HexToAddress(in.User))
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "claim": claimJSON(c)})
}

func (h *handler) handleUndelegate(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	var in struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if len(bytes.TrimSpace(body)) > 0 && !decodeBody(w, body, &in) {
		return
	}
	var (
		bucket withdraw.Bucket
		err    error
	)
	if in.Timestamp != nil {
		bucket, err = v.UndelegateAt(r.Context(), caller, *in.Timestamp)
	} else {
		bucket, err = v.Undelegate(r.Context(), caller)
	}
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "bucket": bucketJSON(bucket)})
}

func (h *handler) handleUpdateYield(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	var in struct {
		Amount   string `json:"amount"`
		ReportID string `json:"reportId,omitempty"`
	}
	if !decodeBody(w, body, &in) {
		return
	}
	amount, err := parseAmount(in.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	e, err := v.UpdateYieldReport(r.Context(), caller, amount, strings.TrimSpace(in.ReportID))
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "entry": yieldJSON(e)})
}

type adminBody struct {
	Action  string  `json:"action"`
	Address string  `json:"address,omitempty"`
	Bps     *uint32 `json:"bps,omitempty"`
	// Amount is the deposit cap; omitted or empty removes the cap.
	Amount string `json:"amount,omitempty"`
}

func (h *handler) handleAdmin(w http.ResponseWriter, r *http.Request, v *vault.Vault, caller common.Address, body []byte) {
	var in adminBody
	if !decodeBody(w, body, &in) {
		return
	}
	ctx := r.Context()
	addr := func() (common.Address, bool) {
		if !common.IsHexAddress(in.Address) {
			writeError(w, http.StatusBadRequest, "invalid_address")
			return common.Address{}, false
		}
		return common.HexToAddress(in.Address), true
	}

	var err error
	switch strings.TrimSpace(in.Action) {
	case "set_operator", "set_gateway", "transfer_ownership", "set_custodian":
		a, ok := addr()
		if !ok {
			return
		}
		switch in.Action {
		case "set_operator":
			err = v.SetOperator(ctx, caller, a)
		case "set_gateway":
			err = v.SetGateway(ctx, caller, a)
		case "transfer_ownership":
			err = v.TransferOwnership(ctx, caller, a)
		default:
			err = v.SetCustodian(ctx, caller, a)
		}
	case "set_max_yield_rate":
		if in.Bps == nil {
			writeError(w, http.StatusBadRequest, "invalid_bps")
			return
		}
		err = v.SetMaxYieldRate(ctx, caller, *in.Bps)
	case "set_deposit_cap":
		var limit *uint256.Int
		if strings.TrimSpace(in.Amount) != "" {
			if limit, err = parseAmount(in.Amount); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_amount")
				return
			}
		}
		err = v.SetDepositCap(ctx, caller, limit)
	case "pause":
		err = v.Pause(ctx, caller)
	case "unpause":
		err = v.Unpause(ctx, caller)
	default:
		writeError(w, http.StatusBadRequest, "unknown_action")
		return
	}
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	s, err := v.Snapshot(ctx)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "snapshot": s})
}

// handleGatewayClaim relays a claim for user to the listed vaults. Any signer
// may trigger it; funds only ever go to user.
func (h *handler) handleGatewayClaim(w http.ResponseWriter, r *http.Request, _ *vault.Vault, _ common.Address, body []byte) {
	if h.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway_unavailable")
		return
	}
	var in struct {
		User   string   `json:"user"`
		Vaults []string `json:"vaults"`
	}
	if !decodeBody(w, body, &in) {
		return
	}
	if !common.IsHexAddress(in.User) {
		writeError(w, http.StatusBadRequest, "invalid_user")
		return
	}
	targets := make([]gateway.Claimer, 0, len(in.Vaults))
	for _, id := range in.Vaults {
		v, ok := h.vaults[id]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown_vault")
			return
		}
		targets = append(targets, v)
	}

	results, err := h.relay.ClaimAll(r.Context(), common.HexToAddress(in.User), targets)
	if errors.Is(err, gateway.ErrInvalidArgument) {
		writeError(w, http.StatusBadRequest, "invalid_argument")
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		item := map[string]any{"vault": res.Vault}
		if res.Err != nil {
			_, code := errorCode(res.Err)
			item["error"] = code
		} else {
			item["claim"] = claimJSON(res.Claim)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "results": out})
}
