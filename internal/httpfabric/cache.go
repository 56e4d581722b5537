package httpfabric

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cachedResponse is a stored GET/HEAD response eligible for reuse.
type cachedResponse struct {
	status       int
	headers      map[string][]string
	body         []byte
	truncated    bool
	storedAt     time.Time
	etag         string
	lastModified string
}

func (c cachedResponse) expired(ttl time.Duration) bool {
	return time.Since(c.storedAt) > ttl
}

var cacheableStatuses = map[int]bool{200: true, 203: true, 301: true, 404: true, 410: true}

// responseCache is a process-wide, TTL-based cache for GET/HEAD responses,
// paired with in-flight request coalescing so concurrent identical
// requests share one wire round trip. Both concerns are small enough to
// hand-roll on a mutex-guarded map; no cache/singleflight library appears
// anywhere in the retrieval pack with a better fit for this shape.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	inFlight map[string]*inflightCall
	ttl     time.Duration
}

type inflightCall struct {
	done chan struct{}
	resp cachedResponse
	err  error
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &responseCache{
		entries:  make(map[string]cachedResponse),
		inFlight: make(map[string]*inflightCall),
		ttl:      ttl,
	}
}

// cacheKey is method+url+a sorted subset of vary headers. Callers build it
// once per request.
func cacheKey(method, url string, varyHeaders map[string]string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(url)
	names := make([]string, 0, len(varyHeaders))
	for k := range varyHeaders {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(varyHeaders[k])
	}
	return b.String()
}

// lookup returns a fresh cached response, if any.
func (c *responseCache) lookup(key string) (cachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(c.ttl) {
		return cachedResponse{}, false
	}
	return entry, true
}

// store saves a cacheable response, skipping any marked Cache-Control: no-store.
func (c *responseCache) store(key string, resp cachedResponse, noStore bool) {
	if noStore || !cacheableStatuses[resp.status] {
		return
	}
	resp.storedAt = time.Now()
	c.mu.Lock()
	c.entries[key] = resp
	c.mu.Unlock()
}

// revalidationHeaders returns If-None-Match/If-Modified-Since for a stored
// entry (fresh or expired) that carries a validator.
func (c *responseCache) revalidationHeaders(key string) (map[string]string, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok || (entry.etag == "" && entry.lastModified == "") {
		return nil, false
	}
	h := make(map[string]string)
	if entry.etag != "" {
		h["If-None-Match"] = entry.etag
	}
	if entry.lastModified != "" {
		h["If-Modified-Since"] = entry.lastModified
	}
	return h, true
}

// refreshStoredAt marks an existing entry as fresh again after a 304.
func (c *responseCache) refreshStoredAt(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.storedAt = time.Now()
		c.entries[key] = entry
	}
}

// coalesce runs fn for key, sharing the result with any concurrent callers
// using the same key. Only the first caller issues the wire request.
func (c *responseCache) coalesce(key string, fn func() (cachedResponse, error)) (cachedResponse, error, bool) {
	c.mu.Lock()
	if call, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		<-call.done
		return call.resp, call.err, true
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inFlight[key] = call
	c.mu.Unlock()

	call.resp, call.err = fn()
	close(call.done)

	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()

	return call.resp, call.err, false
}

// parseRetryAfter parses a Retry-After header (seconds form; the HTTP-date
// form is uncommon in scan targets and is treated as absent).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
