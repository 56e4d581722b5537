package concurrency

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// breakerState is one of closed/open/half-open.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// scannerStats tracks the per-scanner sliding window of run outcomes
// (the failure-rate signal that drives circuit transitions) and an EWMA
// of run latency (smoothed stats, same shape as the teacher's HostStats).
type scannerStats struct {
	mu sync.Mutex

	state           breakerState
	openedAt        time.Time
	halfOpenInUse   bool
	samples         []bool // ring of up to sampleWindow most recent outcomes, true=ok
	latencyEMA      time.Duration
	haveLatencyEMA  bool
}

func newScannerStats() *scannerStats {
	return &scannerStats{state: breakerClosed}
}

func (s *scannerStats) recordOutcome(ok bool, latency time.Duration, sampleWindow int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, ok)
	if len(s.samples) > sampleWindow {
		s.samples = s.samples[len(s.samples)-sampleWindow:]
	}

	const alpha = 0.2
	if !s.haveLatencyEMA {
		s.latencyEMA = latency
		s.haveLatencyEMA = true
	} else {
		s.latencyEMA = time.Duration((1-alpha)*float64(s.latencyEMA) + alpha*float64(latency))
	}
}

func (s *scannerStats) failureRate() (rate float64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return 0, 0
	}
	failures := 0
	for _, ok := range s.samples {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.samples)), len(s.samples)
}

func (s *scannerStats) p50Latency(fallback time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLatencyEMA {
		return fallback
	}
	return s.latencyEMA
}

// CircuitBreakerConfig controls per-scanner suppression.
type CircuitBreakerConfig struct {
	SampleWindow        int           // default 20
	FailureRateOpen     float64       // default 0.5
	MinSamplesToOpen    int           // default 5
	RecoverySeconds     time.Duration // default 30s
}

func defaultBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		SampleWindow:     20,
		FailureRateOpen:  0.5,
		MinSamplesToOpen: 5,
		RecoverySeconds:  30 * time.Second,
	}
}

// breakerRegistry holds one scannerStats per scanner name, plus a
// catrate.Limiter used as a second, time-windowed failure signal: more
// than MinSamplesToOpen failures within 10s trip the breaker even when
// the ring buffer's failure rate is still below FailureRateOpen (e.g.
// failures interleaved with enough successes), which the ring buffer
// alone does not catch.
type breakerRegistry struct {
	mu       sync.Mutex
	byName   map[string]*scannerStats
	cfg      CircuitBreakerConfig
	burst    *catrate.Limiter
}

func newBreakerRegistry(cfg CircuitBreakerConfig) *breakerRegistry {
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 20
	}
	if cfg.FailureRateOpen <= 0 {
		cfg.FailureRateOpen = 0.5
	}
	if cfg.MinSamplesToOpen <= 0 {
		cfg.MinSamplesToOpen = 5
	}
	if cfg.RecoverySeconds <= 0 {
		cfg.RecoverySeconds = 30 * time.Second
	}
	return &breakerRegistry{
		byName: make(map[string]*scannerStats),
		cfg:    cfg,
		burst: catrate.NewLimiter(map[time.Duration]int{
			10 * time.Second: cfg.MinSamplesToOpen,
		}),
	}
}

func (b *breakerRegistry) statsFor(name string) *scannerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byName[name]
	if !ok {
		s = newScannerStats()
		b.byName[name] = s
	}
	return s
}

// allow reports whether a task for this scanner may be admitted, and
// transitions open→half-open once the recovery window elapses.
func (b *breakerRegistry) allow(name string) bool {
	s := b.statsFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(s.openedAt) >= b.cfg.RecoverySeconds {
			s.state = breakerHalfOpen
			s.halfOpenInUse = false
			return b.admitHalfOpenLocked(s)
		}
		return false
	case breakerHalfOpen:
		return b.admitHalfOpenLocked(s)
	default:
		return true
	}
}

func (b *breakerRegistry) admitHalfOpenLocked(s *scannerStats) bool {
	if s.halfOpenInUse {
		return false
	}
	s.halfOpenInUse = true
	return true
}

// recordResult updates scanner stats and applies breaker transitions:
// closed→open on sustained failure rate, half-open→closed on a
// successful probe, half-open→open on a failed probe.
func (b *breakerRegistry) recordResult(name string, ok bool, latency time.Duration) {
	s := b.statsFor(name)
	s.recordOutcome(ok, latency, b.cfg.SampleWindow)

	// A burst trip means this scanner has exceeded MinSamplesToOpen
	// failures within the catrate window; it opens the breaker even when
	// the ring buffer's failure rate alone is below FailureRateOpen.
	burstTripped := false
	if !ok {
		if _, allowed := b.burst.Allow(name); !allowed {
			burstTripped = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case breakerHalfOpen:
		s.halfOpenInUse = false
		if ok {
			s.state = breakerClosed
			s.samples = nil
		} else {
			s.state = breakerOpen
			s.openedAt = time.Now()
		}
	case breakerClosed:
		if burstTripped {
			s.state = breakerOpen
			s.openedAt = time.Now()
			break
		}
		failures := 0
		for _, v := range s.samples {
			if !v {
				failures++
			}
		}
		if len(s.samples) >= b.cfg.MinSamplesToOpen {
			rate := float64(failures) / float64(len(s.samples))
			if rate >= b.cfg.FailureRateOpen {
				s.state = breakerOpen
				s.openedAt = time.Now()
			}
		}
	}
}

// State reports the current breaker state for a scanner, for Stats().
func (b *breakerRegistry) state(name string) string {
	s := b.statsFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
