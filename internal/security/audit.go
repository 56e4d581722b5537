// Package security carries the engine's request audit trail, adapted
// from the teacher's AuditLogger: one JSON line per request to a
// durable file, mirrored to the structured logger, with the
// Wails-event-emit leg dropped (internal/transport/httpapi exposes the
// same data over the API instead of a desktop event).
package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one row of the access audit trail. ScanID correlates
// an entry to the scan it was made against, when the route carries one
// (e.g. "POST /v1/scans/{id}/cancel") — empty for routes that aren't
// scoped to a single scan (e.g. "POST /v1/scans", "GET /v1/scanners").
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ScanID    string    `json:"scan_id,omitempty"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /v1/scans" or "GET /v1/scans/{id}"
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger appends AccessLogEntry rows to a JSON-lines file and
// mirrors each one to the process logger.
type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file under logDir. An
// empty logDir falls back to the user config directory, as the teacher
// does.
func NewAuditLogger(logger *slog.Logger, logDir string) *AuditLogger {
	if logDir == "" {
		appData, _ := os.UserConfigDir()
		logDir = filepath.Join(appData, "TachyonScanEngine", "logs")
	}
	os.MkdirAll(logDir, 0755)

	path := filepath.Join(logDir, "access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}

	return &AuditLogger{
		logFile: f,
		logPath: path,
		logger:  logger,
	}
}

// Log records one audited request, correlated to scanID when the route
// it came from is scoped to a scan (empty otherwise).
func (a *AuditLogger) Log(scanID, sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		ScanID:    scanID,
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.WriteString(string(jsonBytes) + "\n")
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	logger := a.logger
	if scanID != "" {
		logger = logger.With("scan_id", scanID)
	}
	logger.Log(context.Background(), level, "audit", "action", action, "status", status, "ip", sourceIP)
}

// Close releases the underlying file handle.
func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// GetRecentLogs returns up to limit most-recent entries, newest first.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	return a.filteredLogs(limit, func(AccessLogEntry) bool { return true })
}

// GetLogsForScan returns up to limit most-recent entries whose ScanID
// matches scanID, newest first — the request/cancel/results/events
// history for one scan, for incident review after the fact.
func (a *AuditLogger) GetLogsForScan(scanID string, limit int) []AccessLogEntry {
	return a.filteredLogs(limit, func(e AccessLogEntry) bool { return e.ScanID == scanID })
}

func (a *AuditLogger) filteredLogs(limit int, keep func(AccessLogEntry) bool) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil && keep(entry) {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
