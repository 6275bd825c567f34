package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Requeuer re-runs a failed window through publish and anchor.
type Requeuer interface {
	Requeue(ctx context.Context, windowStart int64) (domain.Commitment, error)
}

// WindowHandler exposes the commitment index. Windows and requeuer are
// optional; without a requeuer (settle-only mode) requeue answers 503.
type WindowHandler struct {
	commitments domain.CommitmentStore
	windows     domain.WindowCache
	requeuer    Requeuer
	logger      *slog.Logger
}

func NewWindowHandler(commitments domain.CommitmentStore, windows domain.WindowCache, requeuer Requeuer, logger *slog.Logger) *WindowHandler {
	return &WindowHandler{
		commitments: commitments,
		windows:     windows,
		requeuer:    requeuer,
		logger:      logger.With(slog.String("handler", "window")),
	}
}

type windowResponse struct {
	Commitment domain.Commitment `json:"commitment"`
	Prices     []float64         `json:"prices,omitempty"`
}

// Get returns the index row for a window and, when cached, its prices.
// GET /api/windows/{start}
func (h *WindowHandler) Get(w http.ResponseWriter, r *http.Request) {
	start, err := h.start(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	c, err := h.commitments.Get(r.Context(), start)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	resp := windowResponse{Commitment: c}
	if h.windows != nil {
		win, err := h.windows.GetWindow(r.Context(), start)
		switch {
		case err == nil:
			resp.Prices = win.Prices[:]
		case !errors.Is(err, domain.ErrNotFound):
			h.logger.WarnContext(r.Context(), "window cache read failed",
				slog.Int64("window_start", start),
				slog.String("error", err.Error()),
			)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Requeue retries a failed window.
// POST /api/windows/{start}/requeue
func (h *WindowHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	if h.requeuer == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not running in this mode")
		return
	}
	start, err := h.start(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	c, err := h.requeuer.Requeue(r.Context(), start)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *WindowHandler) start(r *http.Request) (int64, error) {
	start, err := pathInt(r, "start")
	if err != nil {
		return 0, err
	}
	if !domain.IsMinuteAligned(start) {
		return 0, domain.Invalid("start", "%d is not a minute boundary", start)
	}
	return start, nil
}
