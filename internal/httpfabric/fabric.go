// Package httpfabric is the single pooled HTTP client every scanner must
// use. It applies, in order: URL/host guardrails, request coalescing,
// response caching, per-host pacing, retries with jitter, and a response
// size cap — the same responsibilities the teacher's engine split across
// its transport construction, BandwidthManager, and friendlyError
// translation, now unified behind one Do call.
package httpfabric

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"tachyon-scan-engine/internal/model"
)

// Config configures a Fabric instance. Zero values fall back to the
// defaults named in the field comments.
type Config struct {
	Guardrails GuardrailConfig

	CacheTTL time.Duration // default 120s

	PacerCapacity        float64       // C, default 10
	PacerInitialRefill   float64       // R, default 5 rps
	PacerSuccessesToRamp int           // K, default 20

	MaxRetries     int           // default 3
	BackoffBase    time.Duration // default 500ms
	BackoffMax     time.Duration // default 10s

	MaxResponseBytes int64 // 0 disables the cap

	DialTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 120 * time.Second
	}
	if c.PacerCapacity <= 0 {
		c.PacerCapacity = 10
	}
	if c.PacerInitialRefill <= 0 {
		c.PacerInitialRefill = 5
	}
	if c.PacerSuccessesToRamp <= 0 {
		c.PacerSuccessesToRamp = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Metrics are process-wide counters, read via Snapshot.
type Metrics struct {
	Retries            int64
	ThrottleWaits       int64
	Status429           int64
	EgressBlocks        int64
	CacheHits           int64
	CoalescedRequests   int64
	BytesTruncated      int64
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to serialize.
type MetricsSnapshot struct {
	Retries           int64 `json:"retries"`
	ThrottleWaits     int64 `json:"throttle_waits"`
	Status429         int64 `json:"status_429"`
	EgressBlocks      int64 `json:"egress_blocks"`
	CacheHits         int64 `json:"cache_hits"`
	CoalescedRequests int64 `json:"coalesced_requests"`
	BytesTruncated    int64 `json:"bytes_truncated"`
}

// Fabric is the process-wide shared HTTP client. Construct one at engine
// init and inject it into every scanner; it has init → serve → shutdown
// lifecycle tied to the engine process, same as the teacher's single
// *http.Client held by TachyonEngine.
type Fabric struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	cache *responseCache
	pacer *pacerPool

	metrics Metrics
}

// New builds a Fabric with a tuned transport, following the teacher's
// NewEngine transport construction (connection reuse, dial timeout,
// TLS handshake timeout) generalized with per-request guardrails.
func New(cfg Config, log *slog.Logger) *Fabric {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	f := &Fabric{
		cfg: cfg,
		log: log,
		cache: newResponseCache(cfg.CacheTTL),
		pacer: newPacerPool(pacerConfig{
			capacity:        cfg.PacerCapacity,
			initialRefill:   cfg.PacerInitialRefill,
			minRefill:       0.25,
			maxRefill:       50,
			successesToRamp: cfg.PacerSuccessesToRamp,
		}),
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ip, gerr := resolveAndGuard(cfg.Guardrails, host)
			if gerr != nil {
				atomic.AddInt64(&f.metrics.EgressBlocks, 1)
				return nil, gerr
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		},
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    false,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
	return f
}

// RequestOptions carries the per-call tunables beyond method/url/headers/body.
type RequestOptions struct {
	VaryHeaders map[string]string // subset of headers that participate in coalescing/cache keys
	NoCache     bool
}

// Response is the Do result.
type Response struct {
	Status    int
	Headers   http.Header
	Body      []byte
	Truncated bool
}

// Do issues a request through the fabric, applying guardrails,
// coalescing, caching, pacing, retries, and the size cap in order.
func (f *Fabric) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, opts RequestOptions) (*Response, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return nil, model.NewTaskError(model.ErrorKindEgressBlocked, err.Error())
	}

	coalescable := (method == http.MethodGet || method == http.MethodHead) && len(body) == 0
	key := cacheKey(method, rawURL, opts.VaryHeaders)

	if coalescable && !opts.NoCache {
		if cached, ok := f.cache.lookup(key); ok {
			atomic.AddInt64(&f.metrics.CacheHits, 1)
			return toResponse(cached), nil
		}
	}

	do := func() (cachedResponse, error) {
		return f.doOnce(ctx, method, rawURL, host, headers, body, key, opts)
	}

	if coalescable {
		resp, err, shared := f.cache.coalesce(key, do)
		if shared {
			atomic.AddInt64(&f.metrics.CoalescedRequests, 1)
		}
		if err != nil {
			return nil, err
		}
		return toResponse(resp), nil
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}
	return toResponse(resp), nil
}

func toResponse(c cachedResponse) *Response {
	return &Response{Status: c.status, Headers: http.Header(c.headers), Body: c.body, Truncated: c.truncated}
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}
	return u.Host, nil
}

// doOnce performs the pacer-gated, retried round trip for one logical
// request (shared by every coalesced caller).
func (f *Fabric) doOnce(ctx context.Context, method, rawURL, host string, headers map[string]string, body []byte, key string, opts RequestOptions) (cachedResponse, error) {
	pacer := f.pacer.get(host)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := jitteredBackoff(f.cfg.BackoffBase, f.cfg.BackoffMax, attempt)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return cachedResponse{}, model.NewTaskError(model.ErrorKindCancelled, ctx.Err().Error())
			case <-timer.C:
			}
			atomic.AddInt64(&f.metrics.Retries, 1)
		}

		atomic.AddInt64(&f.metrics.ThrottleWaits, 1)
		if err := pacer.acquire(ctx); err != nil {
			return cachedResponse{}, model.NewTaskError(model.ErrorKindCancelled, err.Error())
		}

		extraHeaders := map[string]string{}
		for k, v := range headers {
			extraHeaders[k] = v
		}
		if revalHeaders, ok := f.cache.revalidationHeaders(key); ok && (method == http.MethodGet || method == http.MethodHead) {
			for k, v := range revalHeaders {
				extraHeaders[k] = v
			}
		}

		resp, retryable, err := f.roundTrip(ctx, method, rawURL, extraHeaders, body)
		if err != nil {
			lastErr = err
			if !retryable {
				return cachedResponse{}, err
			}
			continue
		}

		if resp.status == http.StatusNotModified {
			f.cache.refreshStoredAt(key)
			if cached, ok := f.cache.lookup(key); ok {
				pacer.onSuccess()
				return cached, nil
			}
		}

		if resp.status == http.StatusTooManyRequests || resp.status == http.StatusServiceUnavailable {
			atomic.AddInt64(&f.metrics.Status429, 1)
			retryAfter := parseRetryAfter(firstHeader(resp.headers, "Retry-After"))
			pacer.onThrottled(retryAfter)
			if attempt < f.cfg.MaxRetries {
				lastErr = model.NewTaskError(model.ErrorKindRateLimited, fmt.Sprintf("status %d", resp.status))
				continue
			}
			return cachedResponse{}, model.NewTaskError(model.ErrorKindRateLimited, fmt.Sprintf("status %d after %d retries", resp.status, attempt))
		}

		if resp.status >= 500 && resp.status != 501 && resp.status != 505 {
			if attempt < f.cfg.MaxRetries {
				lastErr = model.NewTaskError(model.ErrorKindStatus5xx, fmt.Sprintf("status %d", resp.status))
				continue
			}
			return cachedResponse{}, model.NewTaskError(model.ErrorKindStatus5xx, fmt.Sprintf("status %d after %d retries", resp.status, attempt))
		}

		pacer.onSuccess()

		noStore := strings.Contains(strings.ToLower(firstHeader(resp.headers, "Cache-Control")), "no-store")
		resp.etag = firstHeader(resp.headers, "ETag")
		resp.lastModified = firstHeader(resp.headers, "Last-Modified")
		if method == http.MethodGet || method == http.MethodHead {
			f.cache.store(key, resp, noStore)
		}

		if resp.status >= 400 && resp.status < 500 {
			return resp, model.NewTaskError(model.ErrorKindStatus4xx, fmt.Sprintf("status %d", resp.status))
		}

		return resp, nil
	}

	if lastErr != nil {
		return cachedResponse{}, lastErr
	}
	return cachedResponse{}, model.NewTaskError(model.ErrorKindTransport, "retries exhausted")
}

// roundTrip performs exactly one wire request. retryable distinguishes
// connect/read errors (retryable) from context cancellation (not).
func (f *Fabric) roundTrip(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (cachedResponse, bool, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return cachedResponse{}, false, model.NewTaskError(model.ErrorKindInvalidArgument, err.Error())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			kind := model.ErrorKindCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = model.ErrorKindTimeout
			}
			return cachedResponse{}, false, model.NewTaskError(kind, err.Error())
		}
		if errors.Is(err, model.ErrEgressBlocked) {
			return cachedResponse{}, false, model.NewTaskError(model.ErrorKindEgressBlocked, err.Error())
		}
		return cachedResponse{}, true, model.NewTaskError(model.ErrorKindTransport, err.Error())
	}
	defer resp.Body.Close()

	limit := f.cfg.MaxResponseBytes
	var reader io.Reader = resp.Body
	truncated := false
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return cachedResponse{}, true, model.NewTaskError(model.ErrorKindTransport, err.Error())
	}
	if limit > 0 && int64(len(data)) > limit {
		data = data[:limit]
		truncated = true
		atomic.AddInt64(&f.metrics.BytesTruncated, 1)
	}

	return cachedResponse{
		status:    resp.StatusCode,
		headers:   map[string][]string(resp.Header),
		body:      data,
		truncated: truncated,
	}, false, nil
}

func firstHeader(h map[string][]string, key string) string {
	for k, vs := range h {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func jitteredBackoff(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Snapshot returns a point-in-time copy of the fabric's metrics.
func (f *Fabric) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Retries:           atomic.LoadInt64(&f.metrics.Retries),
		ThrottleWaits:     atomic.LoadInt64(&f.metrics.ThrottleWaits),
		Status429:         atomic.LoadInt64(&f.metrics.Status429),
		EgressBlocks:      atomic.LoadInt64(&f.metrics.EgressBlocks),
		CacheHits:         atomic.LoadInt64(&f.metrics.CacheHits),
		CoalescedRequests: atomic.LoadInt64(&f.metrics.CoalescedRequests),
		BytesTruncated:    atomic.LoadInt64(&f.metrics.BytesTruncated),
	}
}

// Shutdown closes idle connections. The fabric has no background
// goroutines of its own to stop — pacers and the cache are passive data
// structures read/written under lock.
func (f *Fabric) Shutdown() {
	f.client.CloseIdleConnections()
}
