package concurrency

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterSustainedFailures(t *testing.T) {
	reg := newBreakerRegistry(CircuitBreakerConfig{
		SampleWindow:     10,
		FailureRateOpen:  0.5,
		MinSamplesToOpen: 4,
		RecoverySeconds:  50 * time.Millisecond,
	})

	if !reg.allow("sqli") {
		t.Fatal("expected a fresh breaker to allow requests")
	}

	for i := 0; i < 4; i++ {
		reg.recordResult("sqli", false, time.Millisecond)
	}

	if reg.state("sqli") != "open" {
		t.Fatalf("expected breaker to open after sustained failures, state=%q", reg.state("sqli"))
	}
	if reg.allow("sqli") {
		t.Error("expected an open breaker to refuse admission")
	}
}

func TestBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	reg := newBreakerRegistry(CircuitBreakerConfig{
		SampleWindow:     10,
		FailureRateOpen:  0.5,
		MinSamplesToOpen: 3,
		RecoverySeconds:  20 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		reg.recordResult("xss", false, time.Millisecond)
	}
	if reg.state("xss") != "open" {
		t.Fatalf("expected breaker open, got %q", reg.state("xss"))
	}

	time.Sleep(30 * time.Millisecond)
	if !reg.allow("xss") {
		t.Fatal("expected breaker to admit a probe once the recovery window elapses")
	}
	if reg.state("xss") != "half_open" {
		t.Fatalf("expected half_open after recovery window, got %q", reg.state("xss"))
	}

	// A second concurrent probe should be refused while the first is in flight.
	if reg.allow("xss") {
		t.Error("expected only one probe to be admitted while half-open")
	}

	reg.recordResult("xss", true, time.Millisecond)
	if reg.state("xss") != "closed" {
		t.Fatalf("expected breaker to close after a successful probe, got %q", reg.state("xss"))
	}
}

func TestBreakerHalfOpenReopensOnFailedProbe(t *testing.T) {
	reg := newBreakerRegistry(CircuitBreakerConfig{
		SampleWindow:     10,
		FailureRateOpen:  0.5,
		MinSamplesToOpen: 2,
		RecoverySeconds:  15 * time.Millisecond,
	})

	reg.recordResult("ssrf", false, time.Millisecond)
	reg.recordResult("ssrf", false, time.Millisecond)
	if reg.state("ssrf") != "open" {
		t.Fatalf("expected breaker open, got %q", reg.state("ssrf"))
	}

	time.Sleep(25 * time.Millisecond)
	if !reg.allow("ssrf") {
		t.Fatal("expected probe admission after recovery window")
	}
	reg.recordResult("ssrf", false, time.Millisecond)

	if reg.state("ssrf") != "open" {
		t.Fatalf("expected breaker to reopen after a failed probe, got %q", reg.state("ssrf"))
	}
}

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	reg := newBreakerRegistry(CircuitBreakerConfig{
		SampleWindow:     10,
		FailureRateOpen:  0.5,
		MinSamplesToOpen: 5,
		RecoverySeconds:  time.Second,
	})

	reg.recordResult("cors", false, time.Millisecond)
	reg.recordResult("cors", false, time.Millisecond)

	if reg.state("cors") != "closed" {
		t.Fatalf("expected breaker to remain closed below MinSamplesToOpen, got %q", reg.state("cors"))
	}
}

func TestBreakerStaysClosedBelowSampleAndBurstThresholds(t *testing.T) {
	reg := newBreakerRegistry(CircuitBreakerConfig{
		SampleWindow:     20,
		FailureRateOpen:  0.5,
		MinSamplesToOpen: 10,
		RecoverySeconds:  time.Second,
	})

	// MinSamplesToOpen is 10, so the sample-rate path alone would never
	// open on 3 failures. The catrate burst window is sized off the same
	// MinSamplesToOpen, so 3 fast failures in well under 10s don't trip
	// it either — it takes exceeding that many within the window.
	for i := 0; i < 3; i++ {
		reg.recordResult("dirtraversal", false, time.Millisecond)
	}
	if reg.state("dirtraversal") != "closed" {
		t.Fatalf("expected breaker to stay closed below both the sample and burst thresholds, got %q", reg.state("dirtraversal"))
	}
}

func TestScannerStatsFailureRate(t *testing.T) {
	s := newScannerStats()
	s.recordOutcome(true, time.Millisecond, 20)
	s.recordOutcome(false, time.Millisecond, 20)
	s.recordOutcome(false, time.Millisecond, 20)

	rate, samples := s.failureRate()
	if samples != 3 {
		t.Fatalf("expected 3 samples, got %d", samples)
	}
	if rate < 0.66 || rate > 0.67 {
		t.Errorf("expected failure rate ~0.667, got %f", rate)
	}
}

func TestScannerStatsP50LatencyFallsBackWhenNoSamples(t *testing.T) {
	s := newScannerStats()
	if got := s.p50Latency(42 * time.Millisecond); got != 42*time.Millisecond {
		t.Errorf("expected fallback latency, got %v", got)
	}
}
