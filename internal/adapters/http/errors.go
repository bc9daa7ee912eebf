package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	scannersvc "dastor/internal/services/scanner"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeScannerError maps scan manager errors onto status codes.
func (s *Server) writeScannerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scannersvc.ErrNotFound):
		writeError(w, http.StatusNotFound, "scan not found")
	case errors.Is(err, scannersvc.ErrNotResumable):
		writeError(w, http.StatusConflict, "scan cannot be resumed")
	case errors.Is(err, scannersvc.ErrInvalidState):
		writeError(w, http.StatusConflict, "operation not allowed in the current scan state")
	default:
		s.log.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
