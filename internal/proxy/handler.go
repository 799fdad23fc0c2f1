package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"satgate/internal/auth"
	"satgate/internal/database"
	"satgate/internal/payment"
	"satgate/internal/wallet"
	"satgate/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Accounts is the ledger surface the proxy needs during admission.
// Implemented by database.AccountRepository; settlement mutations go
// through payment.Settler.
type Accounts interface {
	GetByHashedKey(ctx context.Context, hashedKey string) (*database.Account, error)
	Reserve(ctx context.Context, hashedKey string, amountMsat int64) error
	UpdateRefundAddress(ctx context.Context, hashedKey, address string) error
	UpdateKeyExpiry(ctx context.Context, hashedKey string, expiry int64) error
}

// Redeemer turns an inbound bearer token into spendable value.
type Redeemer interface {
	Receive(ctx context.Context, token string) (int64, wallet.Unit, string, error)
}

// RefundVault keeps minted refund tokens that could not be delivered
// to a disconnected client. Deposits are best-effort.
type RefundVault interface {
	Store(ctx context.Context, token string, amountMsat int64, unit, mintURL string)
}

// Handler is the metered proxy surface: it classifies the credential,
// reserves the maximum charge, forwards the request, prices the
// response and settles the difference before replying.
type Handler struct {
	accounts  Accounts
	redeemer  Redeemer
	engine    *payment.Engine
	settler   *payment.Settler
	forwarder *Forwarder
	vault     RefundVault // optional
}

func NewHandler(accounts Accounts, redeemer Redeemer, engine *payment.Engine, settler *payment.Settler, forwarder *Forwarder, vault RefundVault) *Handler {
	return &Handler{
		accounts:  accounts,
		redeemer:  redeemer,
		engine:    engine,
		settler:   settler,
		forwarder: forwarder,
		vault:     vault,
	}
}

// request carries one proxied call through the settlement states.
type request struct {
	id      string
	rail    auth.Rail
	pre     payment.PreAuth
	maxCost int64
	log     *zap.Logger

	// Minted change, kept for vaulting if delivery fails.
	emergencyToken string
	refundAmount   int64 // in pre.Unit
}

// timeNow is swapped out in tests.
var timeNow = time.Now

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := &request{id: uuid.New().String()}
	req.log = logger.With(
		zap.String("request_id", req.id),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)

	cred, err := auth.Classify(r.Header)
	if err != nil {
		WriteError(w, req.id, classifyCredentialError(err))
		return
	}
	req.rail = cred.Rail
	req.log = req.log.With(zap.String("rail", cred.Rail.String()))
	req.log.Debug("Request classified",
		zap.Any("headers", logger.RedactedHeaders(r.Header)))

	// JSON bodies are buffered so the model can be priced and the
	// upstream call retried; anything else streams through on the
	// flat tariff.
	var (
		body   io.Reader = r.Body
		rewind func() io.Reader
		model  string
	)
	if bufferableBody(r) {
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			WriteError(w, req.id, NewError(http.StatusBadRequest, "invalid_request", "failed to read request body"))
			return
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			var probe struct {
				Model string `json:"model"`
			}
			if jsonErr := json.Unmarshal(raw, &probe); jsonErr != nil {
				WriteError(w, req.id, NewError(http.StatusBadRequest, "invalid_json", "request body is not valid JSON"))
				return
			}
			model = probe.Model
		}
		body = bytes.NewReader(raw)
		rewind = func() io.Reader { return bytes.NewReader(raw) }
	}

	req.maxCost = h.engine.MaxCostForModel(model)

	var apiErr *Error
	switch cred.Rail {
	case auth.RailAccount:
		apiErr = h.admitAccount(r.Context(), req, cred, r.Header, model)
	case auth.RailCashu:
		apiErr = h.admitCashu(r.Context(), req, cred, model)
	}
	if apiErr != nil {
		WriteError(w, req.id, apiErr)
		return
	}
	req.log.Debug("Pre-authorised", zap.Int64("pre_auth_msat", req.pre.AmountMsat))

	// Settlement must run even if the client walks away, so the
	// upstream exchange is detached from the connection context.
	ctx := context.WithoutCancel(r.Context())

	resp, err := h.forwarder.Forward(ctx, r.Method, r.URL.Path, r.Header, body, rewind)
	if err != nil {
		req.log.Error("Upstream unreachable", zap.Error(err))
		h.refundAll(ctx, w, req, nil, nil)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		req.log.Error("Upstream stream broke mid-body", zap.Error(err))
		h.refundAll(ctx, w, req, nil, nil)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.settleUpstreamError(ctx, w, req, resp.StatusCode)
		return
	}

	usage, err := ExtractUsage(respBody)
	if err != nil {
		req.log.Error("Upstream response unparsable, refunding in full",
			zap.Int("body_bytes", len(respBody)))
		h.refundAll(ctx, w, req, resp, respBody)
		return
	}

	cost := h.engine.Calculate(usage, req.maxCost)
	if cost.Kind == payment.CostFailed {
		req.log.Warn("Cost calculation failed, refunding in full",
			zap.String("code", cost.Code))
		if apiErr := h.refund(ctx, req); apiErr != nil {
			WriteError(w, req.id, apiErr)
			return
		}
		WriteError(w, req.id, NewError(http.StatusBadRequest, cost.Code, cost.Message))
		return
	}

	refundToken, apiErr := h.settle(ctx, req, cost.TotalMsat)
	if apiErr != nil {
		WriteError(w, req.id, apiErr)
		return
	}
	req.log.Info("Request settled",
		zap.Int64("pre_auth_msat", req.pre.AmountMsat),
		zap.Int64("final_msat", cost.TotalMsat),
		zap.Bool("measured", cost.Kind == payment.CostMeasured))

	h.writeUpstream(ctx, w, req, resp, respBody, refundToken)
}

// bufferableBody reports whether the request body should be read into
// memory for model extraction. Only JSON bodies qualify.
func bufferableBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	ct := r.Header.Get("Content-Type")
	return ct == "" || strings.Contains(strings.ToLower(ct), "json")
}

// admitAccount verifies the key, persists settlement hints carried in
// headers, and reserves the maximum charge against the balance.
func (h *Handler) admitAccount(ctx context.Context, req *request, cred auth.Credential, header http.Header, model string) *Error {
	account, err := h.accounts.GetByHashedKey(ctx, cred.HashedKey)
	if err != nil {
		return classifyAccountError(err)
	}
	if account.Expired(timeNow()) {
		return NewError(http.StatusUnauthorized, "key_expired", "API key has expired")
	}

	if address := strings.TrimSpace(header.Get("Refund-Lnurl")); address != "" {
		if err := h.accounts.UpdateRefundAddress(ctx, cred.HashedKey, address); err != nil {
			return classifyAccountError(err)
		}
	}
	if raw := strings.TrimSpace(header.Get("Key-Expiry-Time")); raw != "" {
		expiry, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			return NewError(http.StatusBadRequest, "invalid_key_expiry", "Key-Expiry-Time must be unix seconds")
		}
		if err := h.accounts.UpdateKeyExpiry(ctx, cred.HashedKey, expiry); err != nil {
			return classifyAccountError(err)
		}
	}

	if err := h.accounts.Reserve(ctx, cred.HashedKey, req.maxCost); err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			return insufficientBalanceError(http.StatusPaymentRequired, req.maxCost, model)
		}
		return classifyAccountError(err)
	}

	req.pre = payment.PreAuth{HashedKey: cred.HashedKey, AmountMsat: req.maxCost}
	return nil
}

// admitCashu inspects the token locally, then redeems it. What the
// redemption yields supersedes the token's claimed amount.
func (h *Handler) admitCashu(ctx context.Context, req *request, cred auth.Credential, model string) *Error {
	info, err := wallet.DecodeToken(cred.Token)
	if err != nil {
		return NewError(http.StatusUnauthorized, "invalid_token", "cashu token could not be decoded")
	}
	if info.AmountMsat() < req.maxCost {
		return insufficientBalanceError(http.StatusRequestEntityTooLarge, req.maxCost, model)
	}

	amount, unit, mintURL, err := h.redeemer.Receive(ctx, cred.Token)
	if err != nil {
		return classifyRedeemError(err)
	}

	req.pre = payment.PreAuth{
		Redeemed:   amount,
		Unit:       unit,
		MintURL:    mintURL,
		AmountMsat: unit.ToMsat(amount),
	}

	// The wallet can report less than the token claimed. Hand the
	// value straight back rather than forwarding underfunded.
	if req.pre.AmountMsat < req.maxCost {
		token, _, refundErr := h.settler.RefundCashu(ctx, req.pre)
		apiErr := insufficientBalanceError(http.StatusRequestEntityTooLarge, req.maxCost, model)
		if refundErr != nil {
			req.log.Error("Failed to return underfunded token", zap.Error(refundErr))
		} else if token != "" {
			apiErr.WithExtra("refund_token", token)
		}
		return apiErr
	}
	return nil
}

// settle reconciles the final cost on the request's rail and returns
// the refund token to attach, if any.
func (h *Handler) settle(ctx context.Context, req *request, finalMsat int64) (string, *Error) {
	switch req.rail {
	case auth.RailAccount:
		if _, err := h.settler.SettleAccount(ctx, req.pre.HashedKey, req.pre.AmountMsat, finalMsat); err != nil {
			req.log.Error("Account settlement failed", zap.Error(err))
			return "", NewError(http.StatusInternalServerError, "internal_error", "settlement failed")
		}
		return "", nil
	default:
		token, refund, err := h.settler.SettleCashu(ctx, req.pre, finalMsat)
		if err != nil {
			req.log.Error("Refund mint failed", zap.Int64("refund", refund), zap.Error(err))
			return "", NewError(http.StatusUnauthorized, "send_token_failed", "failed to mint refund token")
		}
		req.refundAmount = refund
		return token, nil
	}
}

// refund returns the full reserve on either rail.
func (h *Handler) refund(ctx context.Context, req *request) *Error {
	switch req.rail {
	case auth.RailAccount:
		if err := h.settler.RestoreAccount(ctx, req.pre.HashedKey, req.pre.AmountMsat); err != nil {
			req.log.Error("Failed to restore reserve", zap.Error(err))
			return NewError(http.StatusInternalServerError, "internal_error", "refund failed")
		}
		return nil
	default:
		token, refund, err := h.settler.RefundCashu(ctx, req.pre)
		if err != nil {
			req.log.Error("Emergency refund mint failed", zap.Error(err))
			return NewError(http.StatusUnauthorized, "send_token_failed", "failed to mint refund token")
		}
		req.emergencyToken = token
		req.refundAmount = refund
		return nil
	}
}

// refundAll is the emergency path: the caller gets everything back.
// With an upstream response in hand its bytes pass through untouched;
// without one the client sees an internal error.
func (h *Handler) refundAll(ctx context.Context, w http.ResponseWriter, req *request, resp *http.Response, respBody []byte) {
	if apiErr := h.refund(ctx, req); apiErr != nil {
		WriteError(w, req.id, apiErr)
		return
	}

	if resp == nil {
		apiErr := NewError(http.StatusInternalServerError, "internal_error", "upstream request failed")
		if req.emergencyToken != "" {
			apiErr.WithExtra("refund_token", req.emergencyToken)
			w.Header().Set("X-Cashu", req.emergencyToken)
		}
		WriteError(w, req.id, apiErr)
		return
	}

	h.writeUpstream(ctx, w, req, resp, respBody, req.emergencyToken)
}

// settleUpstreamError propagates a non-2xx upstream status with the
// refund attached: full restore on the account rail, reserve minus the
// processing fee on the cashu rail.
func (h *Handler) settleUpstreamError(ctx context.Context, w http.ResponseWriter, req *request, status int) {
	apiErr := &Error{
		Status:  status,
		Type:    "upstream_error",
		Code:    status,
		Message: "upstream returned an error",
	}

	switch req.rail {
	case auth.RailAccount:
		if err := h.settler.RestoreAccount(ctx, req.pre.HashedKey, req.pre.AmountMsat); err != nil {
			req.log.Error("Failed to restore reserve after upstream error", zap.Error(err))
			WriteError(w, req.id, NewError(http.StatusInternalServerError, "internal_error", "settlement failed"))
			return
		}
	default:
		token, refund, err := h.settler.SettleCashuError(ctx, req.pre)
		if err != nil {
			req.log.Error("Refund mint failed after upstream error",
				zap.Int64("refund", refund), zap.Error(err))
			WriteError(w, req.id, NewError(http.StatusUnauthorized, "send_token_failed", "failed to mint refund token"))
			return
		}
		if token != "" {
			apiErr.WithExtra("refund_token", token)
			w.Header().Set("X-Cashu", token)
		}
	}

	req.log.Warn("Upstream error propagated", zap.Int("status", status))
	WriteError(w, req.id, apiErr)
}

// passthroughStripped are upstream headers recomputed on the way out.
var passthroughStripped = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// writeUpstream relays the settled upstream response. An undeliverable
// refund token is deposited in the vault for later reclaim.
func (h *Handler) writeUpstream(ctx context.Context, w http.ResponseWriter, req *request, resp *http.Response, respBody []byte, refundToken string) {
	for name, values := range resp.Header {
		if _, skip := passthroughStripped[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if refundToken != "" {
		w.Header().Set("X-Cashu", refundToken)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := w.Write(respBody); err != nil {
		req.log.Warn("Client gone before response delivery", zap.Error(err))
		if refundToken != "" && h.vault != nil {
			h.vault.Store(ctx, refundToken, req.pre.Unit.ToMsat(req.refundAmount), req.pre.Unit.String(), req.pre.MintURL)
		}
	}
}
