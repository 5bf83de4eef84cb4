// Package ops serves the local operations surface for the session daemon:
// health, keepalive state, the session journal, captured logs and metrics.
package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ibkrgo/gateway-session/gateway/journal"
	"github.com/ibkrgo/gateway-session/gateway/keepalive"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// SessionSource reports keepalive state. *keepalive.Monitor satisfies it.
type SessionSource interface {
	Snapshot() keepalive.Snapshot
}

// EventSource lists journaled events. *journal.DB satisfies it.
type EventSource interface {
	Recent(limit int) ([]*journal.Event, error)
}

// Config holds configuration for creating an ops Handler.
type Config struct {
	Session   SessionSource // optional
	Events    EventSource   // optional - /api/events answers 404 without it
	Logs      *LogBuffer    // optional
	Metrics   http.Handler  // optional
	Logger    *slog.Logger  // required
	Version   string
	StartTime time.Time
}

// Handler serves the ops endpoints.
type Handler struct {
	session   SessionSource
	events    EventSource
	logs      *LogBuffer
	metrics   http.Handler
	logger    *slog.Logger
	version   string
	startTime time.Time
}

// New creates a new ops Handler.
func New(cfg Config) *Handler {
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	return &Handler{
		session:   cfg.Session,
		events:    cfg.Events,
		logs:      cfg.Logs,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		version:   cfg.Version,
		startTime: start,
	}
}

// RegisterRoutes mounts every ops route on mux, each wrapped by wrap.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("/healthz", wrap(http.HandlerFunc(h.health)))
	mux.Handle("/api/session", wrap(http.HandlerFunc(h.sessionState)))
	mux.Handle("/api/events", wrap(http.HandlerFunc(h.eventList)))
	mux.Handle("/api/logs", wrap(http.HandlerFunc(h.logList)))
	mux.Handle("/api/logs/stream", wrap(http.HandlerFunc(h.logStream)))
	if h.metrics != nil {
		mux.Handle("/metrics", wrap(h.metrics))
	}
}

// HealthData is the /healthz payload.
type HealthData struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	Uptime              string `json:"uptime"`
	KeepaliveRunning    bool   `json:"keepalive_running"`
	Authenticated       bool   `json:"authenticated"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// health answers 200 while the keepalive loop runs without outstanding
// failures and 503 otherwise.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data := HealthData{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	if h.session != nil {
		snap := h.session.Snapshot()
		data.KeepaliveRunning = snap.Running
		data.ConsecutiveFailures = snap.ConsecutiveFailures
		if snap.LastTickle != nil {
			data.Authenticated = snap.LastTickle.Authenticated()
		}
		if !snap.Running || snap.ConsecutiveFailures > 0 {
			data.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, data)
}

func (h *Handler) sessionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.session == nil {
		http.Error(w, "keepalive not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) eventList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.events == nil {
		http.Error(w, "session journal not enabled", http.StatusNotFound)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.events.Recent(limit)
	if err != nil {
		h.logger.Error("Failed to list session events", "error", err)
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) logList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.logs == nil {
		writeJSON(w, http.StatusOK, []LogEntry{})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	level := slog.LevelDebug
	if q := r.URL.Query().Get("level"); q != "" {
		level = ParseLevel(q)
	}
	entries := h.logs.Recent(limit, level)
	if entries == nil {
		entries = []LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// logStream serves an SSE stream of log entries, starting with a backfill.
func (h *Handler) logStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.logs == nil {
		http.Error(w, "log capture not enabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := h.logs.Subscribe()
	defer h.logs.Unsubscribe(id)

	var lastSeq uint64
	for _, entry := range h.logs.Recent(defaultLimit, slog.LevelDebug) {
		writeEvent(w, entry)
		lastSeq = entry.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			// Entries added between Subscribe and the backfill arrive twice.
			if entry.Seq <= lastSeq {
				continue
			}
			writeEvent(w, entry)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, entry LogEntry) {
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}
