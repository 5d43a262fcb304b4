package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/qiuyin/flockpost/internal/dispatch"
	"github.com/qiuyin/flockpost/internal/publisher"
)

const (
	defaultCycleLimit = 30
	minCycleLimit     = 1
	maxCycleLimit     = 200
)

// authenticate checks the shared secret against X-Cron-Secret or the
// bearer token. An unset CRON_SECRET leaves the endpoints open.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get("X-Cron-Secret")
		if provided == "" {
			provided = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.CronSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid cron secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Publish trigger ---

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		var req struct {
			Limit *int `json:"limit"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
			return
		}
		if req.Limit != nil {
			limit = *req.Limit
		}
	}
	if limit < minCycleLimit {
		limit = minCycleLimit
	}
	if limit > maxCycleLimit {
		limit = maxCycleLimit
	}

	summary, err := s.publisher.RunCycle(r.Context(), limit)
	if err != nil {
		slog.Error("publish cycle failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.lastCycle.record(summary)
	writeJSON(w, http.StatusOK, summary)
}

// --- Dispatch trigger ---

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID      string   `json:"contentId"`
		Mode           string   `json:"mode"`
		AccountIDs     []string `json:"accountIds"`
		ScheduleAt     string   `json:"scheduleAt"` // RFC 3339, optional
		StaggerMinutes int      `json:"staggerMinutes"`
		Priority       int      `json:"priority"`
		MaxAttempts    int      `json:"maxAttempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	var scheduleAt time.Time
	if req.ScheduleAt != "" {
		var err error
		if scheduleAt, err = time.Parse(time.RFC3339, req.ScheduleAt); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scheduleAt must be RFC 3339"})
			return
		}
	}

	result, err := s.planner.Dispatch(r.Context(), dispatch.Request{
		ContentID:      req.ContentID,
		Mode:           req.Mode,
		AccountIDs:     req.AccountIDs,
		ScheduleAt:     scheduleAt,
		StaggerMinutes: req.StaggerMinutes,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		if isValidationError(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// isValidationError distinguishes bad requests from store failures.
// Planner validation errors are plain errors without a wrapped cause.
func isValidationError(err error) bool {
	return errors.Unwrap(err) == nil
}

// --- Status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, at := s.lastCycle.get()
	resp := map[string]any{
		"version":       s.version,
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
	}
	if summary != nil {
		resp["lastCycle"] = summary
		resp["lastCycleAt"] = at.UTC().Format(time.RFC3339)
	}
	if s.logHandler != nil {
		resp["recentLogs"] = s.logHandler.Recent()
	}
	if s.bus != nil {
		resp["recentEvents"] = s.bus.Recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

// cycleRecord remembers the most recent cycle summary for /cron/status.
type cycleRecord struct {
	mu      sync.RWMutex
	summary *publisher.Summary
	at      time.Time
}

func newCycleRecord() *cycleRecord { return &cycleRecord{} }

func (c *cycleRecord) record(summary *publisher.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = summary
	c.at = time.Now()
}

func (c *cycleRecord) get() (*publisher.Summary, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary, c.at
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}
