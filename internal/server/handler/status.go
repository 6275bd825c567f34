package handler

import (
	"net/http"
)

// StatusHandler reports static runtime settings clients need to build
// requests.
type StatusHandler struct {
	Mode           string
	ChainID        int64
	RelayerAddress string
	FeeBps         int
	LockSeconds    int64
}

// GetStatus responds with the running mode and settlement parameters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            h.Mode,
		"chain_id":        h.ChainID,
		"relayer_address": h.RelayerAddress,
		"fee_bps":         h.FeeBps,
		"lock_seconds":    h.LockSeconds,
	})
}
