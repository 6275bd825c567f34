package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/drawsettle/internal/settlement"
)

// Settler is what the position endpoints need from the settlement service.
type Settler interface {
	ClosePosition(ctx context.Context, id uint64) (settlement.Outcome, error)
	State(ctx context.Context, id uint64) (settlement.View, error)
}

type PositionHandler struct {
	settler Settler
	logger  *slog.Logger
}

func NewPositionHandler(settler Settler, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{settler: settler, logger: logger.With(slog.String("handler", "position"))}
}

// Close settles a position.
// POST /api/positions/{id}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out, err := h.settler.ClosePosition(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// State reports where a position is in its lifecycle.
// GET /api/positions/{id}/state
func (h *PositionHandler) State(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	view, err := h.settler.State(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
