package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/pnl"
)

// PnLHandler runs the settlement formula on caller-supplied data so a
// client can preview an outcome.
type PnLHandler struct {
	feeBps int
	logger *slog.Logger
}

func NewPnLHandler(feeBps int, logger *slog.Logger) *PnLHandler {
	return &PnLHandler{feeBps: feeBps, logger: logger.With(slog.String("handler", "pnl"))}
}

type estimateRequest struct {
	Predictions []float64       `json:"predictions"`
	Actual      []float64       `json:"actual"`
	Amount      decimal.Decimal `json:"amount"`
	Leverage    int             `json:"leverage"`
}

// Estimate uses the configured fee rate.
// POST /api/pnl/estimate
func (h *PnLHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	res, err := pnl.Estimate(pnl.Input{
		Predictions: req.Predictions,
		Actual:      req.Actual,
		Amount:      req.Amount,
		Leverage:    req.Leverage,
		FeeBps:      h.feeBps,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
