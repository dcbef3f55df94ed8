package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"ecfr-dashboard/internal/dashboard"
	"ecfr-dashboard/internal/logging"
)

// writeJSON encodes v as the response body with status code.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("failed to encode JSON response",
			slog.Int("status_code", code),
			slog.Any("error", err))
	}
}

// writeRaw sends an upstream JSON document as is.
func writeRaw(w http.ResponseWriter, code int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

// writeError sends {"error": message}. Only the message of a dashboard
// error reaches the client; the cause is logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := dashboard.AsError(err)
	logger := logging.FromContext(r.Context())
	if e.Status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.Int("status", e.Status), slog.Any("error", err))
	} else if e.Err != nil {
		logger.Warn("request rejected", slog.Int("status", e.Status), slog.Any("error", err))
	}
	writeJSON(w, r, e.Status, map[string]string{"error": e.Message})
}

func writeMessage(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, r, code, map[string]string{"error": msg})
}
