package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskwarden/internal/core"
	"taskwarden/internal/store"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	includeAcked := strings.EqualFold(r.URL.Query().Get("all"), "true")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

	alerts, err := s.store.ListAlerts(r.Context(), includeAcked, limit)
	if err != nil {
		s.logger.Error("list alerts", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if err := s.store.AcknowledgeAlert(r.Context(), alertID); err != nil {
		if errors.Is(err, store.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "alert not found")
		} else {
			s.logger.Error("acknowledge alert", "alert_id", alertID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to acknowledge alert")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
