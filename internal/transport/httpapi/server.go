// Package httpapi is the thin HTTP surface above the Scan Orchestrator:
// a chi router exposing StartScan/GetScan/GetResults/CancelScan/
// Subscribe (as Server-Sent Events)/ListScanners/Metrics. It mirrors
// the teacher's ControlServer (internal/api/server.go) — chi router,
// middleware.Logger/Recoverer, audit logging of every request — kept
// intentionally minimal: this layer exists so the engine is reachable
// over the network, not to add behavior of its own.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-scan-engine/internal/eventbus"
	"tachyon-scan-engine/internal/model"
	"tachyon-scan-engine/internal/orchestrator"
	"tachyon-scan-engine/internal/security"
)

// Server is the HTTP adapter over one *orchestrator.Orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	audit  *security.AuditLogger
	router *chi.Mux
}

// New builds a Server with its route table wired.
func New(orch *orchestrator.Orchestrator, audit *security.AuditLogger) *Server {
	s := &Server{orch: orch, audit: audit, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

// ListenAndServe binds addr and serves until the process exits or the
// listener errors. It blocks; cmd/tachyonengine calls it from main.
func (s *Server) ListenAndServe(addr string) error {
	conn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: bind %s: %w", addr, err)
	}
	return http.Serve(conn, s.router)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.auditMiddleware)

	s.router.Post("/v1/scans", s.handleStartScan)
	s.router.Get("/v1/scans/{id}", s.handleGetScan)
	s.router.Get("/v1/scans/{id}/results", s.handleGetResults)
	s.router.Post("/v1/scans/{id}/cancel", s.handleCancelScan)
	s.router.Get("/v1/scans/{id}/events", s.handleSubscribe)
	s.router.Get("/v1/scans/{id}/audit", s.handleGetScanAudit)
	s.router.Get("/v1/scanners", s.handleListScanners)
	s.router.Get("/v1/metrics", s.handleMetrics)
}

func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.audit != nil {
			s.audit.Log(chi.URLParam(r, "id"), sourceIP, r.UserAgent(), action, rec.status, "")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req model.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	scanID, err := s.orch.StartScan(req)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"scan_id": scanID})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.orch.GetScan(id)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := s.orch.GetResults(id)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.CancelScan(id); err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGetScanAudit returns the access-log entries recorded against
// this scan_id (start, cancel, results polls, event subscriptions),
// newest first, for incident review.
func (s *Server) handleGetScanAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.audit == nil {
		writeJSON(w, []security.AccessLogEntry{})
		return
	}
	writeJSON(w, s.audit.GetLogsForScan(id, 200))
}

func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.ListScanners())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.Metrics())
}

// handleSubscribe streams a scan's Event Bus subscription as
// Server-Sent Events, one JSON-encoded event per `data:` frame.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.orch.Subscribe(id)
	defer sub.Close()

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
			if evt.Type == eventbus.EventScanCompleted {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusForErr(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
