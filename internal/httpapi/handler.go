// Package httpapi serves the vault over HTTP.
//
// Reads are open. Mutations must carry an EIP-191 signature from the caller
// in the X-Vault-* headers; the recovered signer is the address the vault
// operation runs as.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/gateway"
	"github.com/juno-intents/yield-vault/internal/vault"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

const maxBatchUsers = 100

type Config struct {
	// MaxSkew bounds the distance between a signed timestamp and now.
	MaxSkew      time.Duration
	MaxBodyBytes int64

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int
	ReplayCacheMaxEntries   int

	Now func() time.Time
}

type handler struct {
	cfg    Config
	vaults map[string]*vault.Vault
	order  []string
	relay  *gateway.Relay
	log    *slog.Logger

	limiter *ipRateLimiter
	replays *replayGuard
}

// NewHandler serves vaults. relay may be nil, which disables the gateway
// endpoint.
func NewHandler(cfg Config, vaults []*vault.Vault, relay *gateway.Relay, log *slog.Logger) (http.Handler, error) {
	if len(vaults) == 0 {
		return nil, fmt.Errorf("%w: no vaults", ErrInvalidConfig)
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.ReplayCacheMaxEntries <= 0 {
		cfg.ReplayCacheMaxEntries = 100_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:     cfg,
		vaults:  make(map[string]*vault.Vault, len(vaults)),
		relay:   relay,
		log:     log,
		limiter: newIPRateLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
		replays: newReplayGuard(2*cfg.MaxSkew, cfg.ReplayCacheMaxEntries),
	}
	for _, v := range vaults {
		if v == nil {
			return nil, fmt.Errorf("%w: nil vault", ErrInvalidConfig)
		}
		if _, dup := h.vaults[v.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate vault %q", ErrInvalidConfig, v.ID())
		}
		h.vaults[v.ID()] = v
		h.order = append(h.order, v.ID())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/vaults", h.handleVaults)
	mux.HandleFunc("GET /v1/vaults/{vault}", h.withVault(h.handleSnapshot))
	mux.HandleFunc("GET /v1/vaults/{vault}/balances", h.withVault(h.handleBalances))
	mux.HandleFunc("GET /v1/vaults/{vault}/balances/{user}", h.withVault(h.handleBalance))
	mux.HandleFunc("GET /v1/vaults/{vault}/claimable/{user}", h.withVault(h.handleClaimable))
	mux.HandleFunc("GET /v1/vaults/{vault}/users/{user}/requests", h.withVault(h.handleUserRequests))
	mux.HandleFunc("GET /v1/vaults/{vault}/requests/{id}", h.withVault(h.handleRequest))
	mux.HandleFunc("GET /v1/vaults/{vault}/buckets/{ts}", h.withVault(h.handleBucket))
	mux.HandleFunc("GET /v1/vaults/{vault}/pending-withdrawal/{releaseTime}", h.withVault(h.handlePendingWithdrawal))
	mux.HandleFunc("GET /v1/vaults/{vault}/yield", h.withVault(h.handleYieldHistory))
	mux.HandleFunc("GET /v1/vaults/{vault}/yield/{index}", h.withVault(h.handleYieldAt))

	mux.HandleFunc("POST /v1/vaults/{vault}/deposit", h.withVault(h.signed(h.handleDeposit)))
	mux.HandleFunc("POST /v1/vaults/{vault}/withdraw", h.withVault(h.signed(h.handleWithdraw)))
	mux.HandleFunc("POST /v1/vaults/{vault}/claim", h.withVault(h.signed(h.handleClaim)))
	mux.HandleFunc("POST /v1/vaults/{vault}/claim-on-behalf", h.withVault(h.signed(h.handleClaimOnBehalf)))
	mux.HandleFunc("POST /v1/vaults/{vault}/undelegate", h.withVault(h.signed(h.handleUndelegate)))
	mux.HandleFunc("POST /v1/vaults/{vault}/yield", h.withVault(h.signed(h.handleUpdateYield)))
	mux.HandleFunc("POST /v1/vaults/{vault}/admin", h.withVault(h.signed(h.handleAdmin)))
	mux.HandleFunc("POST /v1/gateway/claim", func(w http.ResponseWriter, r *http.Request) {
		h.signed(h.handleGatewayClaim)(w, r, nil)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks are never throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type vaultHandler func(w http.ResponseWriter, r *http.Request, v *vault.Vault)

func (h *handler) withVault(next vaultHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := h.vaults[r.PathValue("vault")]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown_vault")
			return
		}
		next(w, r, v)
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleVaults(w http.ResponseWriter, r *http.Request) {
	out := make([]vault.Snapshot, 0, len(h.order))
	for _, id := range h.order {
		s, err := h.vaults[id].Snapshot(r.Context())
		if err != nil {
			h.writeVaultError(w, err)
			return
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "vaults": out})
}

func (h *handler) handleSnapshot(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	s, err := v.Snapshot(r.Context())
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "snapshot": s})
}

func (h *handler) handleBalance(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	b, err := v.Balance(r.Context(), user)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "balance": balanceJSON(b)})
}

func (h *handler) handleBalances(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	raw := strings.Split(r.URL.Query().Get("users"), ",")
	users := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !common.IsHexAddress(s) {
			writeError(w, http.StatusBadRequest, "invalid_user")
			return
		}
		users = append(users, common.HexToAddress(s))
	}
	if len(users) == 0 || len(users) > maxBatchUsers {
		writeError(w, http.StatusBadRequest, "invalid_users")
		return
	}
	bs, err := v.Balances(r.Context(), users)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(bs))
	for _, b := range bs {
		out = append(out, balanceJSON(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "balances": out})
}

func (h *handler) handleClaimable(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	c, err := v.Claimable(r.Context(), user)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "claimable": claimJSON(c)})
}

func (h *handler) handleUserRequests(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Get("pending") == "true" {
		reqs, err := v.PendingRequests(r.Context(), user)
		if err != nil {
			h.writeVaultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "requests": requestsJSON(reqs), "total": len(reqs)})
		return
	}

	offset, err1 := queryInt(q.Get("offset"), 0)
	limit, err2 := queryInt(q.Get("limit"), 100)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid_page")
		return
	}
	reqs, total, err := v.WithdrawRequestsPage(r.Context(), user, offset, limit)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "requests": requestsJSON(reqs), "total": total})
}

func (h *handler) handleRequest(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_id")
		return
	}
	req, err := v.Request(r.Context(), id)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "request": requestJSON(req)})
}

func (h *handler) handleBucket(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_timestamp")
		return
	}
	b, err := v.Bucket(r.Context(), ts)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "bucket": bucketJSON(b)})
}

func (h *handler) handlePendingWithdrawal(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	ts, err := strconv.ParseInt(r.PathValue("releaseTime"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_timestamp")
		return
	}
	amount, err := v.PendingWithdrawal(r.Context(), ts)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "releaseTime": ts, "amount": amount.Dec()})
}

func (h *handler) handleYieldHistory(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	q := r.URL.Query()
	var (
		entries []vault.YieldEntry
		err     error
	)
	if q.Has("from") || q.Has("to") {
		from, err1 := queryInt(q.Get("from"), 0)
		to, err2 := queryInt(q.Get("to"), -1)
		if err1 != nil || err2 != nil || to < 0 {
			writeError(w, http.StatusBadRequest, "invalid_range")
			return
		}
		entries, err = v.YieldRange(r.Context(), from, to)
	} else {
		entries, err = v.YieldHistory(r.Context())
	}
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, yieldJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "entries": out})
}

func (h *handler) handleYieldAt(w http.ResponseWriter, r *http.Request, v *vault.Vault) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index")
		return
	}
	e, err := v.YieldAt(r.Context(), idx)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "entry": yieldJSON(e)})
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	s := strings.TrimSpace(r.PathValue(name))
	if !common.IsHexAddress(s) {
		writeError(w, http.StatusBadRequest, "invalid_"+name)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func queryInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func balanceJSON(b vault.Balance) map[string]any {
	return map[string]any{
		"user":      b.User.Hex(),
		"principal": b.Principal.Dec(),
		"shares":    b.Shares.Dec(),
		"value":     b.Value.Dec(),
		"yield":     b.Yield.Dec(),
	}
}

func claimJSON(c vault.Claimable) map[string]any {
	ids := c.RequestIDs
	if ids == nil {
		ids = []uint64{}
	}
	return map[string]any{
		"user":       c.User.Hex(),
		"requestIds": ids,
		"principal":  c.Principal.Dec(),
		"interest":   c.Interest.Dec(),
		"total":      c.Total().Dec(),
	}
}

func requestJSON(r withdraw.Request) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"user":        r.User.Hex(),
		"requestedAt": r.RequestedAt,
		"unitTime":    r.UnitTime,
		"releaseTime": r.ReleaseTime,
		"principal":   r.Principal.Dec(),
		"interest":    r.Interest.Dec(),
		"state":       r.State.String(),
	}
}

func requestsJSON(rs []withdraw.Request) []map[string]any {
	out := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, requestJSON(r))
	}
	return out
}

func bucketJSON(b withdraw.Bucket) map[string]any {
	return map[string]any{
		"unitTime":         b.UnitTime,
		"pendingPrincipal": b.PendingPrincipal.Dec(),
		"pendingInterest":  b.PendingInterest.Dec(),
		"state":            b.State.String(),
	}
}

func yieldJSON(e vault.YieldEntry) map[string]any {
	out := map[string]any{
		"timestamp":          e.Timestamp,
		"amount":             e.Amount.Dec(),
		"totalInterestAfter": e.TotalInterestAfter.Dec(),
	}
	if e.ReportID != "" {
		out["reportId"] = e.ReportID
	}
	return out
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"version": "v1", "error": msg})
}
