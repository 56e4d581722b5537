// Package orchestrator owns the scan lifecycle: resolving scanners via
// the Registry, staged admission through the Concurrency Manager,
// aggregation of findings, and publication of progress/events on the
// Event Bus. It generalizes the teacher's per-download
// executeTask/queueWorker pair (probe → run loop → finalize, callback-
// driven state updates) from "one download" to "one scan made of many
// scanner sub-scans."
package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-scan-engine/internal/concurrency"
	"tachyon-scan-engine/internal/eventbus"
	"tachyon-scan-engine/internal/httpfabric"
	"tachyon-scan-engine/internal/model"
	"tachyon-scan-engine/internal/registry"
)

// Config controls orchestrator-wide defaults, overridable per ScanRequest.
type Config struct {
	DefaultGlobalDeadline    time.Duration // default 180s
	DefaultPerScannerTimeout time.Duration // default 90s
	DefaultMaxConcurrent     int           // default 16
	DefaultPerHostMax        int           // default 6
	StageTopN                int           // default 10, Stage A inventory size
	CancelGrace              time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.DefaultGlobalDeadline <= 0 {
		c.DefaultGlobalDeadline = 180 * time.Second
	}
	if c.DefaultPerScannerTimeout <= 0 {
		c.DefaultPerScannerTimeout = 90 * time.Second
	}
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 16
	}
	if c.DefaultPerHostMax <= 0 {
		c.DefaultPerHostMax = 6
	}
	if c.StageTopN <= 0 {
		c.StageTopN = 10
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	return c
}

// SnapshotSink is the optional persistence hook (internal/storage). A nil
// sink is a valid, fully-ephemeral configuration.
type SnapshotSink interface {
	SaveSnapshot(snapshot model.ScanStateSnapshot, findings []model.Finding)
}

// Orchestrator is the process-wide scan lifecycle owner.
type Orchestrator struct {
	cfg        Config
	log        *slog.Logger
	registry   *registry.Registry
	concurrent *concurrency.Manager
	fabric     *httpfabric.Fabric
	bus        *eventbus.Bus
	sink       SnapshotSink

	mu    sync.Mutex
	scans map[string]*scanRun
}

// New builds an Orchestrator. sink may be nil.
func New(cfg Config, log *slog.Logger, reg *registry.Registry, mgr *concurrency.Manager, fabric *httpfabric.Fabric, bus *eventbus.Bus, sink SnapshotSink) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		log:        log,
		registry:   reg,
		concurrent: mgr,
		fabric:     fabric,
		bus:        bus,
		sink:       sink,
		scans:      make(map[string]*scanRun),
	}
}

// StartScan validates the request, allocates scan state, and begins
// asynchronous execution, returning the new scan_id synchronously.
func (o *Orchestrator) StartScan(req model.ScanRequest) (string, error) {
	target, err := model.ParseTarget(req.TargetRaw)
	if err != nil {
		return "", err
	}

	names, err := o.registry.ResolveScanType(req.ScanType, req.Options.Scanners)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no scanners resolved for scan_type %q", model.ErrInvalidArgument, req.ScanType)
	}

	opts := req.Options
	if opts.GlobalDeadline <= 0 {
		opts.GlobalDeadline = o.cfg.DefaultGlobalDeadline
	}
	if opts.PerScannerTimeout <= 0 {
		opts.PerScannerTimeout = o.cfg.DefaultPerScannerTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = o.cfg.DefaultMaxConcurrent
	}
	if opts.PerHostMaxConcurrent <= 0 {
		opts.PerHostMaxConcurrent = o.cfg.DefaultPerHostMax
	}
	req.Options = opts

	scanID := uuid.NewString()
	now := time.Now()

	run := newScanRun(scanID, target, req, names, now, o)

	o.mu.Lock()
	o.scans[scanID] = run
	o.mu.Unlock()

	go run.execute()

	return scanID, nil
}

// GetScan returns an immutable snapshot of a scan's current state.
func (o *Orchestrator) GetScan(scanID string) (model.ScanStateSnapshot, error) {
	run, err := o.lookup(scanID)
	if err != nil {
		return model.ScanStateSnapshot{}, err
	}
	return run.snapshot(), nil
}

// GetResults returns the findings aggregated so far (final once the scan
// is terminal).
func (o *Orchestrator) GetResults(scanID string) (model.ResultsSnapshot, error) {
	run, err := o.lookup(scanID)
	if err != nil {
		return model.ResultsSnapshot{}, err
	}
	return run.results(), nil
}

// CancelScan transitions a scan to cancelling, cancels its tasks, and
// waits up to CancelGrace before returning. Idempotent on a terminal scan.
func (o *Orchestrator) CancelScan(scanID string) error {
	run, err := o.lookup(scanID)
	if err != nil {
		return err
	}
	run.cancel(o.cfg.CancelGrace)
	return nil
}

// Subscribe returns an event stream for scanID, independent of whether
// the scan exists yet at call time (the bus creates the stream lazily).
func (o *Orchestrator) Subscribe(scanID string) *eventbus.Subscription {
	return o.bus.Subscribe(scanID)
}

// ListScanners enumerates the registry's scanner metadata.
func (o *Orchestrator) ListScanners() []model.ScannerMetadata {
	return o.registry.List()
}

// MetricsSnapshot is the combined Metrics() payload.
type MetricsSnapshot struct {
	HTTP        httpfabric.MetricsSnapshot `json:"http"`
	Concurrency concurrency.Stats          `json:"concurrency"`
}

// Metrics returns the combined HTTP Fabric and Concurrency Manager
// counters.
func (o *Orchestrator) Metrics() MetricsSnapshot {
	return MetricsSnapshot{HTTP: o.fabric.Snapshot(), Concurrency: o.concurrent.Stats()}
}

func (o *Orchestrator) lookup(scanID string) (*scanRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("%w: scan %q", model.ErrNotFound, scanID)
	}
	return run, nil
}

// forgetAfter drops in-memory scan state some time after completion, so a
// long-lived process doesn't accumulate every historical scan forever.
// Snapshot persistence (if configured) already captured the final state
// by the time this runs.
func (o *Orchestrator) forgetAfter(scanID string, d time.Duration) {
	timer := time.NewTimer(d)
	go func() {
		<-timer.C
		o.mu.Lock()
		delete(o.scans, scanID)
		o.mu.Unlock()
		o.bus.DropScan(scanID)
	}()
}
