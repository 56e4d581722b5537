package security

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLoggerLogAndGetRecentLogs(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger, dir)
	defer a.Close()

	a.Log("scan-1", "10.0.0.1", "curl/8.0", "POST /v1/scans", 202, "")
	a.Log("scan-1", "10.0.0.2", "curl/8.0", "GET /v1/scans/scan-1", 200, "")

	entries := a.GetRecentLogs(10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "GET /v1/scans/scan-1" {
		t.Errorf("expected newest-first ordering, got %q first", entries[0].Action)
	}
}

func TestAuditLoggerGetRecentLogsRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger, dir)
	defer a.Close()

	for i := 0; i < 5; i++ {
		a.Log("", "10.0.0.1", "ua", "GET /v1/scanners", 200, "")
	}

	entries := a.GetRecentLogs(2)
	if len(entries) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(entries))
	}
}

func TestAuditLoggerWritesJSONLinesFile(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger, dir)
	defer a.Close()

	a.Log("scan-7", "10.0.0.1", "ua", "POST /v1/scans", 202, "")

	content, err := os.ReadFile(filepath.Join(dir, "access.log"))
	if err != nil {
		t.Fatalf("unexpected error reading audit log file: %v", err)
	}
	if len(content) == 0 {
		t.Error("expected the audit log file to contain at least one line")
	}
}

func TestAuditLoggerGetLogsForScanFiltersByScanID(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger, dir)
	defer a.Close()

	a.Log("scan-1", "10.0.0.1", "ua", "POST /v1/scans", 202, "")
	a.Log("scan-2", "10.0.0.1", "ua", "POST /v1/scans", 202, "")
	a.Log("scan-1", "10.0.0.1", "ua", "POST /v1/scans/scan-1/cancel", 202, "")

	entries := a.GetLogsForScan("scan-1", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries scoped to scan-1, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ScanID != "scan-1" {
			t.Errorf("expected only scan-1 entries, got scan_id=%q", e.ScanID)
		}
	}
}

func TestAuditLoggerGetRecentLogsEmptyWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger, filepath.Join(dir, "nested"))
	defer a.Close()

	entries := a.GetRecentLogs(10)
	if len(entries) != 0 {
		t.Errorf("expected no entries before any Log call, got %d", len(entries))
	}
}
