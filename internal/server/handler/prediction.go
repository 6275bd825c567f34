package handler

import (
	"log/slog"
	"math"
	"net/http"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

type PredictionHandler struct {
	store  domain.PredictionStore
	logger *slog.Logger
}

func NewPredictionHandler(store domain.PredictionStore, logger *slog.Logger) *PredictionHandler {
	return &PredictionHandler{store: store, logger: logger.With(slog.String("handler", "prediction"))}
}

type putPredictionRequest struct {
	Predictions []float64 `json:"predictions"`
}

// Put stores a drawn trajectory and returns the commitment id to open a
// position with.
// POST /api/predictions
func (h *PredictionHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req putPredictionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if len(req.Predictions) != domain.WindowSeconds {
		writeDomainError(w, r, h.logger, domain.Invalid("predictions", "need %d points, got %d", domain.WindowSeconds, len(req.Predictions)))
		return
	}
	var points [domain.WindowSeconds]float64
	for i, p := range req.Predictions {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			writeDomainError(w, r, h.logger, domain.Invalid("predictions", "point %d must be a positive number", i))
			return
		}
		points[i] = p
	}

	id, err := h.store.Put(r.Context(), points)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"commitment_id": id})
}
