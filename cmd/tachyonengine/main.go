// Command tachyonengine boots the scan engine as a headless HTTP
// service: logger, optional sqlite snapshot store, HTTP Fabric,
// Concurrency Manager, Event Bus, Registry, Orchestrator, and the thin
// chi-based API adapter, wired the way the teacher's main.go wires
// logger -> storage -> engine -> control server, minus the Wails/tray
// GUI legs this headless build has no use for.
package main

import (
	"fmt"
	"os"
	"time"

	"tachyon-scan-engine/internal/concurrency"
	"tachyon-scan-engine/internal/config"
	"tachyon-scan-engine/internal/eventbus"
	"tachyon-scan-engine/internal/httpfabric"
	"tachyon-scan-engine/internal/lifecycle"
	"tachyon-scan-engine/internal/logger"
	"tachyon-scan-engine/internal/orchestrator"
	"tachyon-scan-engine/internal/registry"
	"tachyon-scan-engine/internal/scanners"
	"tachyon-scan-engine/internal/security"
	"tachyon-scan-engine/internal/storage"
	"tachyon-scan-engine/internal/transport/httpapi"
)

func main() {
	cfg := config.Load()

	bus := eventbus.New(cfg.EventHistoryMax, 0)

	log, err := logger.New(os.Stdout, "", bus)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tachyonengine: failed to initialize logger:", err)
		os.Exit(1)
	}

	var sink orchestrator.SnapshotSink
	if cfg.DatabasePath != "" {
		store, serr := storage.Open(cfg.DatabasePath)
		if serr != nil {
			log.Error("failed to open snapshot store, continuing without persistence", "error", serr)
		} else {
			sink = store
			defer store.Close()
		}
	}

	audit := security.NewAuditLogger(log, "")
	defer audit.Close()

	fabric := httpfabric.New(httpfabric.Config{
		Guardrails: httpfabric.GuardrailConfig{
			AllowedHosts:         toSet(cfg.HTTPAllowedHosts),
			BlockedHosts:         toSet(cfg.HTTPBlockedHosts),
			BlockPrivateNetworks: cfg.BlockPrivateNetworks,
		},
		PacerCapacity:      float64(cfg.HTTPBucketMaxTokens),
		PacerInitialRefill: cfg.HTTPPerHostInitialRPS,
		MaxRetries:         cfg.HTTPMaxRetries,
		BackoffBase:        cfg.HTTPBackoffBase,
		BackoffMax:         cfg.HTTPBackoffMax,
		MaxResponseBytes:   cfg.HTTPMaxResponseBytes,
	}, log)
	defer fabric.Shutdown()

	mgr := concurrency.New(concurrency.Config{
		MaxConcurrent:          cfg.MaxConcurrentScans,
		PerHostMaxConcurrent:   cfg.PerHostMaxConcurrency,
		DefaultFallbackLatency: cfg.PerScannerCap,
		SoftMemoryLimitBytes:   cfg.SoftMemoryLimitBytes,
	}, log)
	defer mgr.Shutdown(2 * time.Second)

	reg := registry.New()
	scanners.RegisterDefaults(reg, fabric)

	orch := orchestrator.New(orchestrator.Config{
		DefaultGlobalDeadline:    cfg.GlobalScanHardCap,
		DefaultPerScannerTimeout: cfg.PerScannerCap,
		DefaultMaxConcurrent:     cfg.MaxConcurrentScans,
		DefaultPerHostMax:        cfg.PerHostMaxConcurrency,
	}, log, reg, mgr, fabric, bus, sink)

	server := httpapi.New(orch, audit)

	lifecycle.WaitForSignals(func() {
		log.Info("OS signal received, shutting down")
		os.Exit(0)
	})

	log.Info("tachyon scan engine listening", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}
