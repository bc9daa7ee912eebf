package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"

	"dastor/internal/domain"
)

type submitRequest struct {
	Target string `json:"target"`
}

type submitResponse struct {
	ScanID uuid.UUID `json:"scan_id"`
	Status string    `json:"status"`
}

type controlResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var wait bool
	if err := runtime.BindQueryParameter("form", true, false, "wait", r.URL.Query(), &wait); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var timeoutSecs int
	if err := runtime.BindQueryParameter("form", true, false, "timeout", r.URL.Query(), &timeoutSecs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	target, err := s.guard.Validate(r.Context(), req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.scanner.Submit(r.Context(), target)
	if err != nil {
		s.writeScannerError(w, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, submitResponse{ScanID: id, Status: "started"})
		return
	}

	// Blocking path: hold the request until the scan settles.
	timeout := defaultWaitTimeout
	if timeoutSecs > 0 {
		timeout = min(time.Duration(timeoutSecs)*time.Second, maxWaitTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	rec, err := s.scanner.Await(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusAccepted, rec)
	default:
		s.writeScannerError(w, err)
	}
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	recs, err := s.scanner.List(r.Context())
	if err != nil {
		s.writeScannerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// record loads the scan named in the path, writing the error response
// itself when it cannot.
func (s *Server) record(w http.ResponseWriter, r *http.Request) (domain.ScanRecord, bool) {
	id, ok := scanID(w, r)
	if !ok {
		return domain.ScanRecord{}, false
	}
	rec, err := s.scanner.Get(r.Context(), id)
	if err != nil {
		s.writeScannerError(w, err)
		return domain.ScanRecord{}, false
	}
	return rec, true
}

func scanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var id uuid.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "scanId", chi.URLParam(r, "scanId"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id format")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.record(w, r); ok {
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.record(w, r); ok {
		writeJSON(w, http.StatusOK, rec.Logs)
	}
}

func (s *Server) getFindings(w http.ResponseWriter, r *http.Request) {
	var raw string
	if err := runtime.BindQueryParameter("form", true, false, "severity", r.URL.Query(), &raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	want := domain.Severity(strings.ToLower(strings.TrimSpace(raw)))
	if raw != "" && !want.Valid() {
		writeError(w, http.StatusBadRequest, "unknown severity "+raw)
		return
	}

	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	out := rec.Vulnerabilities
	if raw != "" {
		out = make([]domain.Finding, 0, len(rec.Vulnerabilities))
		for _, f := range rec.Vulnerabilities {
			if f.Severity == want {
				out = append(out, f)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getGroupedFindings(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.record(w, r); ok {
		writeJSON(w, http.StatusOK, domain.GroupByScanner(rec.Vulnerabilities))
	}
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.record(w, r); ok {
		writeJSON(w, http.StatusOK, rec.Summary)
	}
}

func (s *Server) abortScan(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.scanner.Abort, controlResponse{Status: "aborted", Message: "Scan has been aborted"})
}

func (s *Server) pauseScan(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.scanner.Pause, controlResponse{Status: "paused", Message: "Scan has been paused"})
}

func (s *Server) resumeScan(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.scanner.Resume, controlResponse{Status: "resumed", Message: "Scan has been resumed"})
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) error, ok controlResponse) {
	id, valid := scanID(w, r)
	if !valid {
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeScannerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok)
}
