package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tachyon-scan-engine/internal/concurrency"
	"tachyon-scan-engine/internal/eventbus"
	"tachyon-scan-engine/internal/model"
)

// scanRun is the live state of one scan, owned exclusively by its own
// execute goroutine plus the task completion callbacks it registers —
// the single-writer discipline the ScanState invariant requires. All
// external reads go through snapshot()/results(), which copy under mu.
type scanRun struct {
	id         string
	target     model.Target
	req        model.ScanRequest
	names      []string
	byStage    map[model.Stage][]string
	startedAt  time.Time
	deadlineAt time.Time
	o          *Orchestrator
	log        *slog.Logger

	mu               sync.Mutex
	status           model.ScanStatus
	phase            model.Phase
	subScans         map[string]model.SubScan
	findings         map[string]model.Finding
	counters         model.SeverityCounters
	endedAt          time.Time
	deadlineExceeded bool
	completedCount   int
	durations        []time.Duration // completed sub-scan durations, for ETA

	stageBSignal bool // a Stage-B sub-scan reported ≥1 finding

	cancelOnce sync.Once
	cancelled  chan struct{}
	terminated chan struct{}
}

func newScanRun(id string, target model.Target, req model.ScanRequest, names []string, now time.Time, o *Orchestrator) *scanRun {
	byStage := make(map[model.Stage][]string)
	for _, name := range names {
		meta, _ := o.registry.Metadata(name)
		byStage[meta.Stage] = append(byStage[meta.Stage], name)
	}
	subScans := make(map[string]model.SubScan, len(names))
	for _, name := range names {
		subScans[name] = model.SubScan{ScanID: id, ScannerName: name, Status: model.SubScanQueued}
	}

	return &scanRun{
		id:         id,
		target:     target,
		req:        req,
		names:      names,
		byStage:    byStage,
		startedAt:  now,
		deadlineAt: now.Add(req.Options.GlobalDeadline),
		o:          o,
		log:        o.log.With("scan_id", id),
		status:     model.ScanPending,
		phase:      model.PhaseInitializing,
		subScans:   subScans,
		findings:   make(map[string]model.Finding),
		counters:   make(model.SeverityCounters),
		cancelled:  make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// execute drives the scan from pending through to a terminal state. It
// is the sole writer of scanRun's mutable fields outside of task
// completion callbacks, which it also owns (registered as Submit's
// onDone).
func (r *scanRun) execute() {
	r.mu.Lock()
	r.status = model.ScanRunning
	r.mu.Unlock()

	r.log.Info("scan started", "target", r.target.Raw, "total_modules", len(r.names))

	r.publish(eventbus.EventScanStarted, map[string]interface{}{
		"target":        r.target.Raw,
		"total_modules": len(r.names),
	})
	r.publishPhase(model.PhaseInitializing)

	heartbeatDone := make(chan struct{})
	go r.heartbeat(heartbeatDone)
	defer close(heartbeatDone)

	runningStage := func(names []string, window stageWindow) {
		if len(names) == 0 {
			return
		}
		r.publishPhase(model.PhaseRunningScanners)
		var wg sync.WaitGroup
		for _, name := range names {
			name := name
			wg.Add(1)
			r.submitScanner(name, window, &wg)
		}
		wg.Wait()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		if r.req.Options.StagedSchedulingDisabled {
			runningStage(r.names, flatWindow)
			return
		}

		runningStage(r.byStage[model.StageA], windowFor(model.StageA))
		if r.isCancelledOrExpired() {
			return
		}

		runningStage(r.byStage[model.StageB], windowFor(model.StageB))
		if r.isCancelledOrExpired() {
			return
		}

		remaining := time.Until(r.deadlineAt)
		r.mu.Lock()
		signal := r.stageBSignal
		r.mu.Unlock()
		if signal && remaining >= 20*time.Second {
			r.runStageCGuarded(r.byStage[model.StageC], windowFor(model.StageC))
		} else if len(r.byStage[model.StageC]) > 0 {
			r.skipScanners(r.byStage[model.StageC], model.ErrorKindDeadline, "stage C skipped: insufficient remaining budget or no stage B signal")
		}
	}()

	select {
	case <-done:
	case <-r.cancelled:
		<-done // allow in-flight submits to unwind (tasks are cancelled via context)
	case <-time.After(time.Until(r.deadlineAt)):
		r.triggerDeadlineExceeded()
		<-done
	}

	r.finish()
	close(r.terminated)
	r.o.forgetAfter(r.id, 10*time.Minute)
}

// submitScanner resolves and submits one scanner as a Concurrency Manager
// task, wiring its terminal Result back into subScans/findings.
func (r *scanRun) submitScanner(name string, window stageWindow, wg *sync.WaitGroup) {
	scanner, err := r.o.registry.Get(name)
	if err != nil {
		r.markTerminal(name, model.SubScanFailed, model.NewTaskError(model.ErrorKindInternal, err.Error()))
		wg.Done()
		return
	}

	timeout := r.req.Options.PerScannerTimeout
	if window.scannerCap > 0 {
		stageCap := time.Duration(window.scannerCap * float64(time.Second))
		if stageCap < timeout {
			timeout = stageCap
		}
	}
	deadline := time.Now().Add(timeout)
	if deadline.After(r.deadlineAt) {
		deadline = r.deadlineAt
	}

	taskID := fmt.Sprintf("%s:%s", r.id, name)
	_, err = r.o.concurrent.Submit(concurrency.Task{
		ID:              taskID,
		Category:        name,
		Host:            r.target.Hostname(),
		Priority:        window.priority,
		Deadline:        deadline,
		FallbackLatency: r.req.Options.PerScannerTimeout,
		Run: func(ctx context.Context) error {
			// Marked running only once the Concurrency Manager actually
			// dispatches this task, per §3 ("running on dispatch") — a
			// task skipped by deadline-aware admission or the circuit
			// breaker never reaches here, so it never reports running.
			r.markRunning(name)
			findings, runErr := scanner.Run(ctx, r.target, r.req.Options)
			r.mu.Lock()
			for _, f := range findings {
				r.recordFindingLocked(f)
			}
			r.mu.Unlock()
			return runErr
		},
	}, func(res concurrency.Result) {
		defer wg.Done()
		r.onScannerDone(name, res, window)
	})
	// Submit's contract: a non-nil error here means onDone was NOT (and
	// never will be) invoked for this task, so wg.Done() is still owed.
	// When Submit does call onDone synchronously (e.g. the circuit is
	// open) it returns a nil error precisely so this branch doesn't fire
	// and double-count the WaitGroup.
	if err != nil {
		wg.Done()
	}
}

func (r *scanRun) onScannerDone(name string, res concurrency.Result, window stageWindow) {
	var status model.SubScanStatus
	var taskErr *model.TaskError

	switch res.Status {
	case concurrency.TaskCompleted:
		status = model.SubScanCompleted
	case concurrency.TaskTimeout:
		status = model.SubScanTimeout
		taskErr = model.NewTaskError(model.ErrorKindTimeout, errString(res.Err))
	case concurrency.TaskCancelled:
		status = model.SubScanCancelled
		taskErr = model.NewTaskError(model.ErrorKindCancelled, errString(res.Err))
	case concurrency.TaskCircuitOpen:
		status = model.SubScanCancelled
		taskErr = model.NewTaskError(model.ErrorKindCircuitOpen, errString(res.Err))
	default:
		status = model.SubScanFailed
		taskErr = model.NewTaskError(model.ErrorKindInternal, errString(res.Err))
	}

	r.mu.Lock()
	if window.stage == model.StageB && status == model.SubScanCompleted {
		if sub, ok := r.subScans[name]; ok && sub.FindingsCount > 0 {
			r.stageBSignal = true
		}
	}
	r.durations = append(r.durations, res.Duration)
	r.mu.Unlock()

	r.markTerminal(name, status, taskErr)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// recordFindingLocked dedups and tallies a finding. Caller holds r.mu.
func (r *scanRun) recordFindingLocked(f model.Finding) {
	if f.ID == "" {
		f.ID = model.ComputeFindingID(f.ScannerName, f.Type, f.Location, f.Evidence)
	}
	f.Evidence, f.Truncated = model.TruncateEvidence(f.Evidence, model.EvidenceMaxBytes)
	if _, exists := r.findings[f.ID]; exists {
		return
	}
	r.findings[f.ID] = f
	r.counters[f.Severity]++

	if sub, ok := r.subScans[f.ScannerName]; ok {
		sub.FindingsCount++
		r.subScans[f.ScannerName] = sub
	}

	// Published synchronously, still holding r.mu: markTerminal's
	// module_status publish for this scanner happens right after Run
	// returns, so every new_finding must go out first to preserve the
	// per-scanner running -> new_finding* -> terminal ordering.
	r.publish(eventbus.EventNewFinding, map[string]interface{}{"finding": f})
}

func (r *scanRun) markRunning(name string) {
	r.mu.Lock()
	sub := r.subScans[name]
	sub.Status = model.SubScanRunning
	sub.StartTime = time.Now()
	r.subScans[name] = sub
	r.mu.Unlock()

	r.publish(eventbus.EventModuleStatus, map[string]interface{}{"name": name, "status": string(model.SubScanRunning)})
	r.publishProgress()
}

func (r *scanRun) markTerminal(name string, status model.SubScanStatus, taskErr *model.TaskError) {
	r.mu.Lock()
	sub := r.subScans[name]
	sub.Status = status
	sub.EndTime = time.Now()
	if sub.StartTime.IsZero() {
		sub.StartTime = sub.EndTime
	}
	sub.Error = taskErr
	r.subScans[name] = sub
	r.completedCount++
	r.mu.Unlock()

	data := map[string]interface{}{"name": name, "status": string(status), "findings_count": sub.FindingsCount}
	if taskErr != nil {
		data["error"] = taskErr
		r.log.Warn("scanner finished with error", "scanner", name, "status", string(status), "error", taskErr.Message)
	} else {
		r.log.Info("scanner finished", "scanner", name, "status", string(status), "findings_count", sub.FindingsCount)
	}
	r.publish(eventbus.EventModuleStatus, data)
	r.publishProgress()
}

func (r *scanRun) skipScanners(names []string, kind model.ErrorKind, reason string) {
	for _, name := range names {
		r.markTerminal(name, model.SubScanCancelled, model.NewTaskError(kind, reason))
	}
}

// runStageCGuarded runs Stage C's scanners while a background watcher
// polls the remaining budget: if it drops to 20s or less before Stage C
// finishes on its own, every Stage-C task still running is cancelled
// in place, rather than waiting for the global deadline timer in
// execute() to cut down the whole scan.
func (r *scanRun) runStageCGuarded(names []string, window stageWindow) {
	if len(names) == 0 {
		return
	}
	r.publishPhase(model.PhaseRunningScanners)

	guardDone := make(chan struct{})
	go r.watchStageCBudget(guardDone, names)
	defer close(guardDone)

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		r.submitScanner(name, window, &wg)
	}
	wg.Wait()
}

// watchStageCBudget cancels Stage C's still-running tasks as soon as the
// scan's remaining budget falls to 20s, freeing the tail of the deadline
// for result aggregation instead of running Stage C to the wire.
func (r *scanRun) watchStageCBudget(done <-chan struct{}, names []string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Until(r.deadlineAt) > 20*time.Second {
				continue
			}
			r.cancelRunningStageScanners(names)
			return
		}
	}
}

func (r *scanRun) cancelRunningStageScanners(names []string) {
	r.mu.Lock()
	running := make([]string, 0, len(names))
	for _, name := range names {
		if sub, ok := r.subScans[name]; ok && sub.Status == model.SubScanRunning {
			running = append(running, name)
		}
	}
	r.mu.Unlock()

	for _, name := range running {
		r.o.concurrent.Cancel(fmt.Sprintf("%s:%s", r.id, name))
	}
}

// publishProgress emits scan_progress with the current monotonic
// completed/total counters and an ETA estimate.
func (r *scanRun) publishProgress() {
	r.mu.Lock()
	completed := r.completedCount
	total := len(r.names)
	progress := 0.0
	if total > 0 {
		progress = 100 * float64(completed) / float64(total)
	}
	eta := r.etaLocked(completed, total)
	r.mu.Unlock()

	r.publish(eventbus.EventScanProgress, map[string]interface{}{
		"progress":          progress,
		"completed_modules": completed,
		"total_modules":     total,
		"eta_seconds":       eta,
	})
}

// etaLocked implements: remaining = (total-completed) × mean_duration;
// falls back to per_scanner_timeout_seconds when fewer than 3 samples
// exist. Caller holds r.mu.
func (r *scanRun) etaLocked(completed, total int) float64 {
	remainingModules := total - completed
	if remainingModules <= 0 {
		return 0
	}
	var mean time.Duration
	if len(r.durations) < 3 {
		mean = r.req.Options.PerScannerTimeout
	} else {
		var sum time.Duration
		for _, d := range r.durations {
			sum += d
		}
		mean = sum / time.Duration(len(r.durations))
	}
	eta := time.Duration(remainingModules) * mean
	maxEta := time.Until(r.deadlineAt)
	if eta > maxEta {
		eta = maxEta
	}
	if eta < 0 {
		eta = 0
	}
	return eta.Seconds()
}

func (r *scanRun) publishPhase(phase model.Phase) {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
	r.publish(eventbus.EventScanPhase, map[string]interface{}{"phase": string(phase)})
}

func (r *scanRun) publish(eventType eventbus.EventType, data interface{}) {
	r.o.bus.Publish(r.id, eventType, data)
}

// heartbeat publishes scan_progress at 1Hz while the scan runs, so phase
// and ETA visibly change even when no module has finished.
func (r *scanRun) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.publishProgress()
		}
	}
}

func (r *scanRun) isCancelledOrExpired() bool {
	select {
	case <-r.cancelled:
		return true
	default:
	}
	return time.Now().After(r.deadlineAt)
}

func (r *scanRun) triggerDeadlineExceeded() {
	r.mu.Lock()
	r.deadlineExceeded = true
	r.mu.Unlock()
	r.cancelInternal()
}

// cancel is the external CancelScan entry point: mark cancelling,
// cancel all tasks, and wait up to grace for the run goroutine to settle.
func (r *scanRun) cancel(grace time.Duration) {
	r.cancelInternal()
	select {
	case <-r.terminated:
	case <-time.After(grace):
	}
}

func (r *scanRun) cancelInternal() {
	r.cancelOnce.Do(func() {
		close(r.cancelled)
		r.mu.Lock()
		names := make([]string, 0, len(r.subScans))
		for name, sub := range r.subScans {
			if sub.Status == model.SubScanQueued || sub.Status == model.SubScanRunning {
				names = append(names, name)
			}
		}
		r.mu.Unlock()
		for _, name := range names {
			r.o.concurrent.Cancel(fmt.Sprintf("%s:%s", r.id, name))
		}
	})
}

// finish aggregates the final counters and publishes scan_completed
// exactly once.
func (r *scanRun) finish() {
	cancelledNotExceeded := false
	select {
	case <-r.cancelled:
		r.mu.Lock()
		cancelledNotExceeded = !r.deadlineExceeded
		r.mu.Unlock()
	default:
	}
	if !cancelledNotExceeded {
		r.publishPhase(model.PhaseAggregating)
	}

	r.mu.Lock()
	select {
	case <-r.cancelled:
		if r.deadlineExceeded {
			r.status = model.ScanCompleted
			r.phase = model.PhaseCompleted
		} else {
			r.status = model.ScanCancelled
			r.phase = model.PhaseCancelled
		}
	default:
		r.status = model.ScanCompleted
		r.phase = model.PhaseCompleted
	}
	r.endedAt = time.Now()
	counters := cloneCounters(r.counters)
	findingsCount := len(r.findings)
	status := r.status
	r.mu.Unlock()

	r.publishPhase(r.phase)

	r.log.Info("scan finished", "status", string(status), "findings_count", findingsCount)

	r.publish(eventbus.EventScanCompleted, map[string]interface{}{
		"summary":  fmt.Sprintf("%d findings across %d scanners", findingsCount, len(r.names)),
		"counters": counters,
		"status":   string(status),
	})

	if r.o.sink != nil {
		r.o.sink.SaveSnapshot(r.snapshot(), r.resultsLocked())
	}
}

func cloneCounters(c model.SeverityCounters) model.SeverityCounters {
	out := make(model.SeverityCounters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// snapshot returns an immutable copy of the scan's externally-visible
// state.
func (r *scanRun) snapshot() model.ScanStateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make(map[string]model.SubScan, len(r.subScans))
	for k, v := range r.subScans {
		subs[k] = v.Clone()
	}
	progress := 0.0
	if len(r.names) > 0 {
		progress = 100 * float64(r.completedCount) / float64(len(r.names))
	}

	return model.ScanStateSnapshot{
		ScanID:           r.id,
		Target:           r.target,
		Request:          r.req,
		Status:           r.status,
		Phase:            r.phase,
		Progress:         progress,
		StartedAt:        r.startedAt,
		EndedAt:          r.endedAt,
		DeadlineAt:       r.deadlineAt,
		SubScans:         subs,
		Counters:         cloneCounters(r.counters),
		TotalModules:     len(r.names),
		CompletedModules: r.completedCount,
		DeadlineExceeded: r.deadlineExceeded,
	}
}

func (r *scanRun) results() model.ResultsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultsLocked()
}

func (r *scanRun) resultsLocked() model.ResultsSnapshot {
	findings := make([]model.Finding, 0, len(r.findings))
	for _, f := range r.findings {
		findings = append(findings, f)
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].ID < findings[j].ID })
	return model.ResultsSnapshot{Findings: findings, Counters: cloneCounters(r.counters)}
}
