package api

import (
	"errors"
	"net/http"

	"taskwarden/internal/core"
	"taskwarden/internal/recovery"
)

func (s *Server) handleAutoRecovery(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.rec.Auto(r.Context())
	s.writeRecoveryResult(w, outcome, err)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.rec.Continue(r.Context(), "")
	s.writeRecoveryResult(w, outcome, err)
}

func (s *Server) writeRecoveryResult(w http.ResponseWriter, outcome *recovery.Outcome, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.Is(err, recovery.ErrNotPaused), errors.Is(err, recovery.ErrManualOnly):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrStateNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no task in progress")
	default:
		s.logger.Error("recovery action", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
