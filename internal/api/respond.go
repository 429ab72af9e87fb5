package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"tapesim/internal/account"
	"tapesim/internal/historical"
	"tapesim/internal/orderbook"
	"tapesim/internal/replay"
)

// ErrBadRequest marks malformed query parameters and bodies.
var ErrBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// outOfRangeDetail is the client-facing text for historical.ErrOutOfRange.
const outOfRangeDetail = "Selected time does not exist in data range."

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	detail := err.Error()
	if errors.Is(err, historical.ErrOutOfRange) {
		detail = outOfRangeDetail
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orderbook.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, orderbook.ErrValidation),
		errors.Is(err, orderbook.ErrRiskRejected),
		errors.Is(err, orderbook.ErrNoMarketPrice),
		errors.Is(err, account.ErrInvalidSettings),
		errors.Is(err, historical.ErrMissingDataset),
		errors.Is(err, historical.ErrNoRows),
		errors.Is(err, historical.ErrOutOfRange),
		errors.Is(err, historical.ErrInvalidTimeframe),
		errors.Is(err, historical.ErrInvalidDay),
		errors.Is(err, historical.ErrInvalidTimestamp),
		errors.Is(err, replay.ErrInvalidLoad),
		errors.Is(err, replay.ErrInvalidSpeed),
		errors.Is(err, replay.ErrNotLoaded):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", ErrBadRequest, err)
	}
	return nil
}

func queryInt64(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, badRequest("%s must be an integer, got %q", name, raw)
	}
	return n, true, nil
}

func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer, got %q", name, raw)
	}
	if n < lo || n > hi {
		return 0, badRequest("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, badRequest("%s must be a number, got %q", name, raw)
	}
	return f, nil
}
