package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/core"
)

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.ReadTask()
	if err != nil {
		if errors.Is(err, core.ErrStateNotFound) {
			writeJSON(w, http.StatusOK, []checkpoint.Report{})
			return
		}
		s.logger.Error("read task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read task state")
		return
	}
	reports, err := s.cps.VerifyAll(task.ID)
	if err != nil {
		s.logger.Error("verify checkpoints", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to verify checkpoints")
		return
	}
	if reports == nil {
		reports = []checkpoint.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

type verifyResponse struct {
	ID     string `json:"id"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleVerifyCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := chi.URLParam(r, "checkpointID")
	err := s.cps.Verify(checkpointID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{ID: checkpointID, Valid: true})
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "checkpoint not found")
	case errors.Is(err, checkpoint.ErrIntegrity):
		writeJSON(w, http.StatusOK, verifyResponse{ID: checkpointID, Valid: false, Reason: err.Error()})
	default:
		s.logger.Error("verify checkpoint", "checkpoint_id", checkpointID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to verify checkpoint")
	}
}

func (s *Server) handleListStepLogs(w http.ResponseWriter, _ *http.Request) {
	names, err := s.store.ListStepLogs()
	if err != nil {
		s.logger.Error("list step logs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list step logs")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := s.store.ReadStepLog(name)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			writeError(w, http.StatusNotFound, "not_found", "step log not found")
		case strings.Contains(err.Error(), "invalid step log name"):
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid step log name")
		default:
			s.logger.Error("read step log", "name", name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read step log")
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
