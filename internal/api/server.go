// Package api serves the query/command surface consumed by the dashboard
// and chat front ends: snapshots, history, alert commands, and a
// server-sent event stream of state changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"millwatch/internal/config"
	"millwatch/internal/engine"
	"millwatch/internal/events"
	"millwatch/internal/model"
)

type Server struct {
	cfg     *config.Manager
	engine  *engine.Engine
	bus     *events.Bus
	logger  *slog.Logger
	version string
}

func Start(ctx context.Context, cfg *config.Manager, eng *engine.Engine, bus *events.Bus, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{cfg: cfg, engine: eng, bus: bus, logger: logger, version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/snapshot", server.handleSnapshot)
	mux.HandleFunc("/history/", server.handleHistory)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/alerts/", server.handleAlertCommand)
	mux.HandleFunc("/units/", server.handleMaintenance)
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/admin/reset", server.handleReset)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status      string        `json:"status"`
	Time        string        `json:"time"`
	Version     string        `json:"version"`
	ConfigPath  string        `json:"config_path"`
	Engine      engine.Status `json:"engine"`
	TickSeconds float64       `json:"tick_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Version:     s.version,
		ConfigPath:  s.cfg.Path(),
		Engine:      s.engine.Status(),
		TickSeconds: cfg.Engine.TickInterval.Seconds(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/history/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	readings, err := s.engine.History(parts[0], parts[1], n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      model.MetricKey{EquipmentID: parts[0], Metric: parts[1]},
		"readings": readings,
		"count":    len(readings),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	open := s.engine.Snapshot().OpenAlerts
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filtered := open[:0]
		for _, a := range open {
			if !a.RaisedAt.Before(ts) {
				filtered = append(filtered, a)
			}
		}
		open = filtered
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(open) {
			open = open[:n]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": open,
		"count":  len(open),
	})
}

func (s *Server) handleAlertCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/alerts/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var (
		alert model.Alert
		err   error
	)
	switch parts[1] {
	case "ack":
		alert, err = s.engine.Acknowledge(parts[0])
	case "dismiss":
		alert, err = s.engine.Dismiss(parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/units/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "maintenance" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		LastMaintenance time.Time `json:"last_maintenance"`
		NextMaintenance time.Time `json:"next_maintenance"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.engine.SetMaintenance(parts[0], req.LastMaintenance, req.NextMaintenance); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleEvents streams the event union over SSE. A new subscription sees
// only events published after it was created; pair with /snapshot for
// catch-up. Drop counts surface as comment lines.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sub := s.bus.Subscribe()
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	var reported uint64
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if dropped := sub.Dropped(); dropped != reported {
				reported = dropped
				fmt.Fprintf(w, ": dropped %d\n\n", dropped)
			} else {
				fmt.Fprint(w, ": keepalive\n\n")
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Unit string `json:"unit"`
	}
	_ = json.Unmarshal(body, &req)
	if req.Unit != "" {
		if err := s.engine.ResetUnit(req.Unit); err != nil {
			writeError(w, err)
			return
		}
	} else {
		s.engine.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var invalid *model.InvalidStateTransitionError
	var unknown *model.UnknownEquipmentError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusConflict
	case errors.As(err, &unknown):
		status = http.StatusNotFound
	case strings.Contains(err.Error(), "not found"):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
