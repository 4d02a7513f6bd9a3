package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/job"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

// runResponse is the JSON body for a successful invocation. Errors carries
// non-fatal warnings (degraded uploads, missing outputs).
type runResponse struct {
	Media  []model.MediaOutput `json:"media"`
	Errors []string            `json:"errors,omitempty"`
}

// errorResponse is the JSON body for a failed invocation.
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}

	res, err := s.runner.Run(r.Context(), req)
	if err != nil {
		var je *job.Error
		if errors.As(err, &je) {
			s.writeError(w, statusForKind(je.Kind), je.Message, je.Details)
			return
		}
		s.logger.Error("run job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	media := res.Media
	if media == nil {
		media = []model.MediaOutput{}
	}
	s.writeJSON(w, http.StatusOK, runResponse{
		Media:  media,
		Errors: res.Warnings,
	})
}

// statusForKind maps job failure kinds onto HTTP status codes.
func statusForKind(kind job.Kind) int {
	switch kind {
	case job.KindValidation:
		return http.StatusBadRequest
	case job.KindInputResolution:
		return http.StatusUnprocessableEntity
	case job.KindEngineUnavailable:
		return http.StatusServiceUnavailable
	case job.KindConnectionExhausted:
		return http.StatusBadGateway
	case job.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string, details []string) {
	s.writeJSON(w, status, errorResponse{Error: message, Details: details})
}
