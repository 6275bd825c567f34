package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/drawsettle/internal/relayer"
)

// Funder opens positions on behalf of ledger users.
type Funder interface {
	FundPosition(ctx context.Context, req relayer.Request) (relayer.Result, error)
	Nonce(ctx context.Context, user string) (uint64, error)
	Address() string
}

type RelayerHandler struct {
	funder Funder
	logger *slog.Logger
}

func NewRelayerHandler(funder Funder, logger *slog.Logger) *RelayerHandler {
	return &RelayerHandler{funder: funder, logger: logger.With(slog.String("handler", "relayer"))}
}

// Fund submits a signed open request.
// POST /api/relayer/fund
func (h *RelayerHandler) Fund(w http.ResponseWriter, r *http.Request) {
	var req relayer.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	res, err := h.funder.FundPosition(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Nonce returns the nonce the next authorization must carry.
// GET /api/relayer/nonce?user=0x...
func (h *RelayerHandler) Nonce(w http.ResponseWriter, r *http.Request) {
	user, err := address("user", r.URL.Query().Get("user"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	n, err := h.funder.Nonce(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"nonce":   n,
		"relayer": h.funder.Address(),
	})
}
