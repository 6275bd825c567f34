package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]Check
	logger *slog.Logger
}

func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger.With(slog.String("handler", "health"))}
}

// HealthCheck runs every dependency check with a short timeout and answers
// 503 if any fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			h.logger.WarnContext(ctx, "health check failed", slog.String("check", name), slog.String("error", err.Error()))
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    overall,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
