// Package concurrency executes a bounded set of cancellable Tasks with
// priorities, per-host caps, deadline-aware admission, adaptive
// back-pressure under memory pressure, and a per-scanner circuit
// breaker. It generalizes the teacher's queueWorker/SmartScheduler pair
// (admission loop + host-limit map) from "one download" tasks to
// arbitrary scan tasks.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/semaphore"

	"tachyon-scan-engine/internal/model"
)

// Config controls the Manager's admission policy.
type Config struct {
	MaxConcurrent        int // N, default 16
	PerHostMaxConcurrent int // H, default 6
	AdmissionTick        time.Duration // default 20ms
	SoftMemoryLimitBytes uint64        // 0 disables adaptive throttling
	Breaker              CircuitBreakerConfig

	// DefaultFallbackLatency seeds deadline-aware admission's p50 estimate
	// when a task arrives with neither sampled history nor its own
	// Task.FallbackLatency set (per_scanner_timeout_seconds' default).
	DefaultFallbackLatency time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.PerHostMaxConcurrent <= 0 {
		c.PerHostMaxConcurrent = 6
	}
	if c.AdmissionTick <= 0 {
		c.AdmissionTick = 20 * time.Millisecond
	}
	if c.DefaultFallbackLatency <= 0 {
		c.DefaultFallbackLatency = 90 * time.Second
	}
	return c
}

// Stats is the Manager's point-in-time snapshot (Stats()).
type Stats struct {
	Queued         int                `json:"queued"`
	Active         int                `json:"active"`
	Completed      int64              `json:"completed"`
	Failed         int64              `json:"failed"`
	PerHostActive  map[string]int     `json:"per_host_active"`
	AvgLatencyMS   float64            `json:"avg_latency_ms"`
	EffectiveCap   int                `json:"effective_cap"`
	BreakerStates  map[string]string  `json:"breaker_states"`
}

// Manager is the process-wide Concurrency Manager singleton.
type Manager struct {
	cfg Config
	log *slog.Logger

	sem *semaphore.Weighted

	mu            sync.Mutex
	queue         []*queuedTask
	running       map[string]*queuedTask
	perHostActive map[string]int
	effectiveCap  int
	completed     int64
	failed        int64
	latencyTotal  time.Duration
	latencyCount  int64

	breakers *breakerRegistry

	shutdownCh chan struct{}
	shutdownWG sync.WaitGroup
	closeOnce  sync.Once
}

// New builds a Manager and starts its admission loop.
func New(cfg Config, log *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.SampleWindow == 0 {
		breakerCfg = defaultBreakerConfig()
	}

	m := &Manager{
		cfg:           cfg,
		log:           log,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running:       make(map[string]*queuedTask),
		perHostActive: make(map[string]int),
		effectiveCap:  cfg.MaxConcurrent,
		breakers:      newBreakerRegistry(breakerCfg),
		shutdownCh:    make(chan struct{}),
	}

	m.shutdownWG.Add(1)
	go m.admissionLoop()

	if cfg.SoftMemoryLimitBytes > 0 {
		m.shutdownWG.Add(1)
		go m.memoryWatchLoop()
	}

	return m
}

// Submit enqueues a task. onDone, if non-nil, is invoked exactly once
// with the task's terminal Result. Submit returns a non-nil error only
// when it did NOT, and never will, invoke onDone for this task — callers
// that do their own completion bookkeeping around onDone (e.g. a
// WaitGroup) must be able to tell "onDone fired" and "Submit failed
// outright" apart without double-counting either one.
func (m *Manager) Submit(task Task, onDone func(Result)) (string, error) {
	if task.ID == "" {
		return "", fmt.Errorf("task id is required")
	}
	if !m.breakers.allow(task.Category) {
		if onDone != nil {
			onDone(Result{TaskID: task.ID, Status: TaskCircuitOpen, Err: fmt.Errorf("%w: scanner %q", model.ErrCircuitOpen, task.Category)})
		}
		return task.ID, nil
	}

	qt := &queuedTask{task: task, submittedAt: time.Now(), onDone: onDone}

	m.mu.Lock()
	m.queue = append(m.queue, qt)
	m.mu.Unlock()

	return task.ID, nil
}

// Cancel is idempotent. Running tasks are cancelled via their context;
// queued tasks are dropped and reported cancelled.
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	if qt, ok := m.running[taskID]; ok {
		cancel := qt.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	for i, qt := range m.queue {
		if qt.task.ID == taskID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			if qt.onDone != nil {
				qt.onDone(Result{TaskID: taskID, Status: TaskCancelled})
			}
			return
		}
	}
	m.mu.Unlock()
}

// Stats returns a snapshot of queue/running/completion counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	perHost := make(map[string]int, len(m.perHostActive))
	for h, n := range m.perHostActive {
		if n > 0 {
			perHost[h] = n
		}
	}
	var avg float64
	if m.latencyCount > 0 {
		avg = float64(m.latencyTotal.Milliseconds()) / float64(m.latencyCount)
	}

	names := make(map[string]struct{})
	for _, qt := range m.running {
		names[qt.task.Category] = struct{}{}
	}
	for _, qt := range m.queue {
		names[qt.task.Category] = struct{}{}
	}
	breakerStates := make(map[string]string, len(names))
	for name := range names {
		breakerStates[name] = m.breakers.state(name)
	}

	return Stats{
		Queued:        len(m.queue),
		Active:        len(m.running),
		Completed:     m.completed,
		Failed:        m.failed,
		PerHostActive: perHost,
		AvgLatencyMS:  avg,
		EffectiveCap:  m.effectiveCap,
		BreakerStates: breakerStates,
	}
}

// Shutdown stops admitting new tasks, cancels everything in flight after
// grace elapses, and waits for all tasks and background loops to exit.
func (m *Manager) Shutdown(grace time.Duration) {
	m.closeOnce.Do(func() { close(m.shutdownCh) })

	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C

	m.mu.Lock()
	for _, qt := range m.running {
		if qt.cancel != nil {
			qt.cancel()
		}
	}
	m.mu.Unlock()

	m.shutdownWG.Wait()
}

// admissionLoop implements the scheduling policy: on each tick, admit the
// highest-priority queued task whose host has free per-host capacity and
// whose deadline still allows it, up to the effective global cap.
func (m *Manager) admissionLoop() {
	defer m.shutdownWG.Done()
	ticker := time.NewTicker(m.cfg.AdmissionTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			m.admitEligible()
		}
	}
}

func (m *Manager) admitEligible() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		if len(m.running) >= m.effectiveCap {
			m.mu.Unlock()
			return
		}

		idx := m.pickCandidateLocked()
		if idx < 0 {
			m.mu.Unlock()
			return
		}
		qt := m.queue[idx]
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
		m.mu.Unlock()

		if m.deadlineExceeded(qt) {
			if qt.onDone != nil {
				qt.onDone(Result{TaskID: qt.task.ID, Status: TaskTimeout, Err: fmt.Errorf("deadline would be exceeded before completion")})
			}
			continue
		}

		if !m.sem.TryAcquire(1) {
			m.mu.Lock()
			m.queue = append([]*queuedTask{qt}, m.queue...)
			m.mu.Unlock()
			return
		}

		m.startTask(qt)
	}
}

// pickCandidateLocked selects the highest-priority queued task (FIFO tie
// break) whose host still has free per-host capacity. Caller holds m.mu.
func (m *Manager) pickCandidateLocked() int {
	best := -1
	for i, qt := range m.queue {
		if m.perHostActive[qt.task.Host] >= m.cfg.PerHostMaxConcurrent {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		cur := m.queue[best]
		if qt.task.Priority > cur.task.Priority {
			best = i
		} else if qt.task.Priority == cur.task.Priority && qt.submittedAt.Before(cur.submittedAt) {
			best = i
		}
	}
	return best
}

// deadlineExceeded applies the deadline-aware admission skip: if
// now + p50_latency(category) > deadline, the task is dropped before it
// ever runs. The fallback used when a category has no completed samples
// yet is the task's own configured timeout, not an arbitrary constant.
func (m *Manager) deadlineExceeded(qt *queuedTask) bool {
	if qt.task.Deadline.IsZero() {
		return false
	}
	fallback := qt.task.FallbackLatency
	if fallback <= 0 {
		fallback = m.cfg.DefaultFallbackLatency
	}
	p50 := m.breakers.statsFor(qt.task.Category).p50Latency(fallback)
	return time.Now().Add(p50).After(qt.task.Deadline)
}

func (m *Manager) startTask(qt *queuedTask) {
	ctx, cancel := context.WithDeadline(context.Background(), safeDeadline(qt.task.Deadline))
	qt.cancel = cancel

	m.mu.Lock()
	m.running[qt.task.ID] = qt
	m.perHostActive[qt.task.Host]++
	m.mu.Unlock()

	m.shutdownWG.Add(1)
	go m.runTask(ctx, cancel, qt)
}

func safeDeadline(d time.Time) time.Time {
	if d.IsZero() {
		return time.Now().Add(24 * time.Hour)
	}
	return d
}

func (m *Manager) runTask(ctx context.Context, cancel context.CancelFunc, qt *queuedTask) {
	defer m.shutdownWG.Done()
	start := time.Now()
	status := TaskCompleted
	var runErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				status = TaskFailed
				runErr = fmt.Errorf("task panic: %v", r)
				m.log.Error("concurrency manager recovered task panic", "task_id", qt.task.ID, "category", qt.task.Category, "panic", r)
			}
		}()
		runErr = qt.task.Run(ctx)
	}()

	cancel()
	duration := time.Since(start)

	if runErr != nil && status != TaskFailed {
		if ctx.Err() == context.DeadlineExceeded {
			status = TaskTimeout
		} else if ctx.Err() == context.Canceled {
			status = TaskCancelled
		} else {
			status = TaskFailed
		}
	}

	m.sem.Release(1)
	m.breakers.recordResult(qt.task.Category, status == TaskCompleted, duration)

	m.mu.Lock()
	delete(m.running, qt.task.ID)
	if m.perHostActive[qt.task.Host] > 0 {
		m.perHostActive[qt.task.Host]--
	}
	if status == TaskCompleted {
		m.completed++
	} else if status == TaskFailed {
		m.failed++
	}
	m.latencyTotal += duration
	m.latencyCount++
	m.mu.Unlock()

	if qt.onDone != nil {
		qt.onDone(Result{TaskID: qt.task.ID, Status: status, Err: runErr, Duration: duration})
	}
}

// memoryWatchLoop shrinks/restores the effective global cap by 25% when
// memory in use crosses the configured soft limit, same polling shape
// as the teacher's StatsManager disk-usage sampler, repointed at
// gopsutil's mem.VirtualMemory. The figure compared is the host-wide
// Used value, not this process's own memory.
func (m *Manager) memoryWatchLoop() {
	defer m.shutdownWG.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	const minCap = 2
	shrunk := false

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			vm, err := mem.VirtualMemory()
			if err != nil {
				continue
			}
			over := vm.Used > m.cfg.SoftMemoryLimitBytes

			m.mu.Lock()
			if over && !shrunk {
				shrunk = true
				m.effectiveCap = max(minCap, (m.cfg.MaxConcurrent*3)/4)
			} else if !over && shrunk {
				shrunk = false
				m.effectiveCap = m.cfg.MaxConcurrent
			}
			m.mu.Unlock()
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
