package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/papertrade/trade-engine/internal/instrument"
	"github.com/papertrade/trade-engine/internal/settlement"
	"github.com/papertrade/trade-engine/internal/store"
)

// Codes for failures outside the settlement taxonomy.
const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeEmailTaken       = "EMAIL_TAKEN"
	codeSymbolTaken      = "SYMBOL_TAKEN"
	codePriceUnavailable = "PRICE_UNAVAILABLE"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a settlement error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrUserNotFound), errors.Is(err, settlement.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInvalidQuantity),
		errors.Is(err, settlement.ErrInvalidSide),
		errors.Is(err, settlement.ErrInvalidPrice):
		return http.StatusBadRequest
	case settlement.IsRejected(err):
		return http.StatusUnprocessableEntity
	case settlement.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err using the settlement taxonomy. Internal errors
// are logged and their detail is not returned to the client.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrConflict) {
		err = settlement.ErrStorageUnavailable
	}
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, msg, settlement.Code(err), status)
}

// userErr turns a store miss into the settlement rejection.
func userErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return settlement.ErrUserNotFound
	}
	return err
}

func instrumentErr(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, instrument.ErrInvalidSymbol) {
		return settlement.ErrInstrumentNotFound
	}
	return err
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
