package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/crypto"
	"github.com/alanyoungcy/drawsettle/internal/domain"
)

type LedgerHandler struct {
	ledger domain.LedgerStore
	auth   *crypto.WebhookAuth
	asset  string
	logger *slog.Logger
	now    func() time.Time
}

// NewLedgerHandler serves balances and deposit webhooks. A nil auth leaves
// the deposit endpoint protected only by the API key.
func NewLedgerHandler(ledger domain.LedgerStore, auth *crypto.WebhookAuth, asset string, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		auth:   auth,
		asset:  asset,
		logger: logger.With(slog.String("handler", "ledger")),
		now:    time.Now,
	}
}

// Balance returns a user's balance and recent deposits.
// GET /api/ledger/{addr}
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	user, err := address("addr", r.PathValue("addr"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	balance, err := h.ledger.Balance(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	deposits, err := h.ledger.Deposits(r.Context(), user, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     user,
		"balance":  balance,
		"asset":    h.asset,
		"deposits": orEmpty(deposits),
	})
}

type depositRequest struct {
	User         string `json:"user"`
	Amount       int64  `json:"amount"`
	Asset        string `json:"asset"`
	ExternalTxID string `json:"external_tx_id"`
}

// Deposit credits a user from a signed deposit notification. Replays of the
// same external_tx_id are accepted and change nothing.
// POST /api/ledger/deposits
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if h.auth != nil {
		err := h.auth.Verify(r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), h.now())
		if err != nil {
			h.logger.WarnContext(r.Context(), "deposit signature rejected", slog.String("error", err.Error()))
			writeDomainError(w, r, h.logger, err)
			return
		}
	}

	var req depositRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeDomainError(w, r, h.logger, domain.Invalid("body", "%v", err))
		return
	}
	user, err := address("user", req.User)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if req.ExternalTxID == "" {
		writeDomainError(w, r, h.logger, domain.Invalid("external_tx_id", "required"))
		return
	}
	if domain.IsPayoutExternalTxID(req.ExternalTxID) {
		writeDomainError(w, r, h.logger, domain.Invalid("external_tx_id", "%q uses the reserved payout prefix", req.ExternalTxID))
		return
	}
	asset := req.Asset
	if asset == "" {
		asset = h.asset
	}
	if asset != h.asset {
		writeDomainError(w, r, h.logger, domain.Invalid("asset", "ledger holds %s, got %s", h.asset, asset))
		return
	}

	credited, err := h.ledger.Credit(r.Context(), user, req.Amount, asset, req.ExternalTxID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if !credited {
		status = http.StatusOK
	}
	h.logger.InfoContext(r.Context(), "deposit processed",
		slog.String("user", user),
		slog.Int64("amount", req.Amount),
		slog.String("external_tx_id", req.ExternalTxID),
		slog.Bool("credited", credited),
	)
	writeJSON(w, status, map[string]any{"credited": credited, "external_tx_id": req.ExternalTxID})
}
