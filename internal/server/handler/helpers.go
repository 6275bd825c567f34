package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// maxBodyBytes bounds request bodies; the largest is a prediction upload.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it with the given status. A
// marshal failure falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type errorBody struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
	MissingWindow    *int64 `json:"missing_window,omitempty"`
	ElapsedSeconds   *int64 `json:"elapsed_seconds,omitempty"`
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
// Unexpected errors are logged and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}

	var locked *domain.LockActiveError
	var notYet *domain.NotYetAvailableError
	switch {
	case errors.As(err, &locked):
		body.RemainingSeconds = &locked.Remaining
		w.Header().Set("Retry-After", strconv.FormatInt(max(locked.Remaining, 1), 10))
	case errors.As(err, &notYet):
		body.MissingWindow = &notYet.MissingWindow
		body.ElapsedSeconds = &notYet.Elapsed
		w.Header().Set("Retry-After", strconv.Itoa(domain.WindowSeconds))
	}

	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			body.Error = "internal server error"
		}
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "signature_invalid"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrAuthExpired):
		return http.StatusUnauthorized, "authorization_expired"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyClosed):
		return http.StatusConflict, "already_closed"
	case errors.Is(err, domain.ErrSettlementInProgress):
		return http.StatusConflict, "settlement_in_progress"
	case errors.Is(err, domain.ErrPositionLocked):
		return http.StatusConflict, "position_locked"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusServiceUnavailable, "relayer_insufficient_funds"
	case errors.Is(err, domain.ErrNotYetAvailable):
		return http.StatusServiceUnavailable, "not_yet_available"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrExternalService):
		return http.StatusBadGateway, "external_service"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("body", "%v", err)
	}
	if dec.More() {
		return domain.Invalid("body", "trailing data")
	}
	return nil
}

// readBody returns the raw bounded body, for handlers that verify a
// signature over it.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.Invalid("body", "%v", err)
	}
	return body, nil
}

// parseListOpts extracts limit (default 50, max 500) and offset.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

func pathUint(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, domain.Invalid(name, "%q is not a positive integer", r.PathValue(name))
	}
	return v, nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, domain.Invalid(name, "%q is not an integer", r.PathValue(name))
	}
	return v, nil
}

// address validates an 0x address parameter and returns it normalized.
func address(field, v string) (string, error) {
	if !common.IsHexAddress(v) || len(v) != 42 {
		return "", domain.Invalid(field, "%q is not an address", v)
	}
	return domain.NormalizeAddress(v), nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
