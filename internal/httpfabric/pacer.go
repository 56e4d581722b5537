package httpfabric

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacerConfig mirrors the per-host token bucket defaults.
type pacerConfig struct {
	capacity        float64 // C, default 10
	initialRefill   float64 // R tokens/s, default 5
	minRefill       float64 // floor 0.25 rps after repeated 429s
	maxRefill       float64 // ceiling on ramp-up
	successesToRamp int     // K, default 20
}

func defaultPacerConfig() pacerConfig {
	return pacerConfig{
		capacity:        10,
		initialRefill:   5,
		minRefill:       0.25,
		maxRefill:       50,
		successesToRamp: 20,
	}
}

// hostPacer is one per-host token bucket with adaptive refill, modeled on
// the teacher's priority-aware BandwidthManager.Wait but keyed by host
// instead of a single global limiter, and with the 429/Retry-After slow
// down and success-ramp this fabric requires.
type hostPacer struct {
	mu              sync.Mutex
	cfg             pacerConfig
	limiter         *rate.Limiter
	pausedUntil     time.Time
	consecutiveOK   int
	consecutive429  int
}

func newHostPacer(cfg pacerConfig) *hostPacer {
	return &hostPacer{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.initialRefill), int(cfg.capacity)),
	}
}

// acquire blocks until a token is available, honoring any 429/503 pause.
func (p *hostPacer) acquire(ctx context.Context) error {
	p.mu.Lock()
	pause := p.pausedUntil
	p.mu.Unlock()

	if !pause.IsZero() {
		if wait := time.Until(pause); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return p.limiter.Wait(ctx)
}

// onSuccess records a successful response, ramping the refill rate up
// after successesToRamp consecutive successes.
func (p *hostPacer) onSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive429 = 0
	p.consecutiveOK++
	if p.consecutiveOK >= p.cfg.successesToRamp {
		p.consecutiveOK = 0
		next := float64(p.limiter.Limit()) * 1.10
		if next > p.cfg.maxRefill {
			next = p.cfg.maxRefill
		}
		p.limiter.SetLimit(rate.Limit(next))
	}
}

// onThrottled records a 429/503 response, pausing the bucket until
// retryAfter elapses (if given) and halving the refill rate (floor
// minRefill).
func (p *hostPacer) onThrottled(retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveOK = 0
	p.consecutive429++
	if retryAfter > 0 {
		p.pausedUntil = time.Now().Add(retryAfter)
	}
	next := float64(p.limiter.Limit()) * 0.5
	if next < p.cfg.minRefill {
		next = p.cfg.minRefill
	}
	p.limiter.SetLimit(rate.Limit(next))
}

// pacerPool holds one hostPacer per host, created lazily.
type pacerPool struct {
	mu     sync.Mutex
	byHost map[string]*hostPacer
	cfg    pacerConfig
}

func newPacerPool(cfg pacerConfig) *pacerPool {
	return &pacerPool{byHost: make(map[string]*hostPacer), cfg: cfg}
}

func (p *pacerPool) get(host string) *hostPacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.byHost[host]
	if !ok {
		hp = newHostPacer(p.cfg)
		p.byHost[host] = hp
	}
	return hp
}
