package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

type HistoryHandler struct {
	history domain.HistoryStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewHistoryHandler(history domain.HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger.With(slog.String("handler", "history")),
		now:     time.Now,
	}
}

type historyResponse struct {
	Positions []domain.SettledPosition `json:"positions"`
}

// List returns recently settled positions.
// GET /api/history
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.history.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Positions: orEmpty(rows)})
}

// ByUser returns one user's settled positions.
// GET /api/history/user/{addr}
func (h *HistoryHandler) ByUser(w http.ResponseWriter, r *http.Request) {
	user, err := address("addr", r.PathValue("addr"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	rows, err := h.history.ListByUser(r.Context(), user, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Positions: orEmpty(rows)})
}

// Leaderboard ranks settled positions.
// GET /api/leaderboard?sort=pnl|recent
func (h *HistoryHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	sort := domain.LeaderboardSort(r.URL.Query().Get("sort"))
	switch sort {
	case "":
		sort = domain.LeaderboardByPnL
	case domain.LeaderboardByPnL, domain.LeaderboardByRecent:
	default:
		writeDomainError(w, r, h.logger, domain.Invalid("sort", "must be pnl or recent, got %q", sort))
		return
	}
	rows, err := h.history.Leaderboard(r.Context(), sort, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sort": sort, "positions": orEmpty(rows)})
}

// Stats aggregates the whole history. "Today" starts at UTC midnight.
// GET /api/stats
func (h *HistoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	dayStart := h.now().UTC().Truncate(24 * time.Hour)
	stats, err := h.history.Stats(r.Context(), dayStart)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
