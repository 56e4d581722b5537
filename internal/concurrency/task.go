package concurrency

import (
	"context"
	"time"
)

// Task is one unit of bounded, cancellable work submitted to the Manager.
// Category identifies the logical unit of work for latency/circuit-breaker
// bookkeeping (the scanner name); Host is the admission key for per-host
// caps.
type Task struct {
	ID       string
	Category string
	Host     string
	Priority int // 1..10, higher runs first
	Deadline time.Time

	// FallbackLatency seeds deadline-aware admission's p50 estimate for a
	// category with no completed samples yet. Callers should pass the
	// scan's configured per-scanner timeout; zero falls back to the
	// Manager's own Config.DefaultFallbackLatency.
	FallbackLatency time.Duration

	Run func(ctx context.Context) error
}

// TaskStatus mirrors the terminal states a submitted task can reach.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTimeout    TaskStatus = "timeout"
	TaskCancelled  TaskStatus = "cancelled"
	TaskCircuitOpen TaskStatus = "circuit_open"
)

func (s TaskStatus) isTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled, TaskCircuitOpen:
		return true
	default:
		return false
	}
}

// Result is delivered exactly once to the onDone callback passed to Submit.
type Result struct {
	TaskID   string
	Status   TaskStatus
	Err      error
	Duration time.Duration
}

// queuedTask is the Manager's bookkeeping wrapper around a submitted Task.
type queuedTask struct {
	task        Task
	submittedAt time.Time
	onDone      func(Result)

	cancel context.CancelFunc // set once running; nil while queued
}
