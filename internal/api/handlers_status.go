package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"taskwarden/internal/core"
)

type statusResponse struct {
	Task       *core.Task           `json:"task"`
	OpenAlerts int                  `json:"open_alerts"`
	Health     *core.HealthSnapshot `json:"health,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.ReadTask()
	switch {
	case err == nil:
	case errors.Is(err, core.ErrStateNotFound):
		task = nil
	case errors.Is(err, core.ErrStateCorrupt):
		writeError(w, http.StatusInternalServerError, "state_corrupt", err.Error())
		return
	default:
		s.logger.Error("read task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read task state")
		return
	}

	open, err := s.store.OpenAlertCount(r.Context())
	if err != nil {
		s.logger.Error("count open alerts", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to count alerts")
		return
	}
	health, err := s.store.LatestHealthSample(r.Context())
	if err != nil {
		s.logger.Error("latest health sample", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load health sample")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Task: task, OpenAlerts: open, Health: health})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	entries, err := s.store.TailJournal(limit)
	if err != nil {
		s.logger.Error("tail journal", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read journal")
		return
	}
	if entries == nil {
		entries = []core.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	stats, err := s.store.RetryStatsFor(taskID)
	if err != nil {
		s.logger.Error("retry stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read retry log")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthSamples(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	samples, err := s.store.ListHealthSamples(r.Context(), limit)
	if err != nil {
		s.logger.Error("list health samples", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load health samples")
		return
	}
	if samples == nil {
		samples = []*core.HealthSnapshot{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
