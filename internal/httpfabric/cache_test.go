package httpfabric

import (
	"testing"
	"time"
)

func TestCacheStoreAndLookup(t *testing.T) {
	c := newResponseCache(time.Minute)
	key := cacheKey("GET", "https://example.test/", nil)

	if _, ok := c.lookup(key); ok {
		t.Fatal("expected no cached entry before store")
	}

	c.store(key, cachedResponse{status: 200, body: []byte("ok")}, false)

	entry, ok := c.lookup(key)
	if !ok {
		t.Fatal("expected a cached entry after store")
	}
	if string(entry.body) != "ok" {
		t.Errorf("expected cached body %q, got %q", "ok", entry.body)
	}
}

func TestCacheStoreSkipsNoStoreAndUncacheableStatus(t *testing.T) {
	c := newResponseCache(time.Minute)

	key1 := cacheKey("GET", "https://example.test/a", nil)
	c.store(key1, cachedResponse{status: 200}, true)
	if _, ok := c.lookup(key1); ok {
		t.Error("expected no-store responses to be skipped")
	}

	key2 := cacheKey("GET", "https://example.test/b", nil)
	c.store(key2, cachedResponse{status: 500}, false)
	if _, ok := c.lookup(key2); ok {
		t.Error("expected uncacheable status 500 to be skipped")
	}
}

func TestCacheEntryExpires(t *testing.T) {
	c := newResponseCache(10 * time.Millisecond)
	key := cacheKey("GET", "https://example.test/", nil)
	c.store(key, cachedResponse{status: 200}, false)

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.lookup(key); ok {
		t.Error("expected expired entry to no longer be returned")
	}
}

func TestCacheKeyVariesByVaryHeaders(t *testing.T) {
	k1 := cacheKey("GET", "https://example.test/", map[string]string{"Accept": "json"})
	k2 := cacheKey("GET", "https://example.test/", map[string]string{"Accept": "xml"})
	if k1 == k2 {
		t.Error("expected different vary header values to produce different keys")
	}
}

func TestRevalidationHeadersRequireValidator(t *testing.T) {
	c := newResponseCache(time.Minute)
	key := cacheKey("GET", "https://example.test/", nil)
	c.store(key, cachedResponse{status: 200}, false)

	if _, ok := c.revalidationHeaders(key); ok {
		t.Error("expected no revalidation headers without an etag or last-modified")
	}

	key2 := cacheKey("GET", "https://example.test/etag", nil)
	c.store(key2, cachedResponse{status: 200, etag: `"abc"`}, false)
	headers, ok := c.revalidationHeaders(key2)
	if !ok {
		t.Fatal("expected revalidation headers when an etag is present")
	}
	if headers["If-None-Match"] != `"abc"` {
		t.Errorf("expected If-None-Match header, got %q", headers["If-None-Match"])
	}
}

func TestCoalesceSharesSingleCall(t *testing.T) {
	c := newResponseCache(time.Minute)
	key := cacheKey("GET", "https://example.test/shared", nil)

	calls := 0
	done := make(chan struct{})
	results := make(chan bool, 2)

	fn := func() (cachedResponse, error) {
		calls++
		close(done)
		time.Sleep(20 * time.Millisecond)
		return cachedResponse{status: 200}, nil
	}

	go func() {
		_, _, shared := c.coalesce(key, fn)
		results <- shared
	}()
	<-done
	go func() {
		_, _, shared := c.coalesce(key, func() (cachedResponse, error) {
			t.Error("second caller should not execute fn")
			return cachedResponse{}, nil
		})
		results <- shared
	}()

	r1, r2 := <-results, <-results
	if calls != 1 {
		t.Errorf("expected exactly 1 underlying call, got %d", calls)
	}
	if r1 == r2 {
		t.Error("expected exactly one caller to observe shared=false (the leader) and the other true")
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("expected 0 for empty header, got %v", got)
	}
	if got := parseRetryAfter("not-a-number"); got != 0 {
		t.Errorf("expected 0 for unparseable header, got %v", got)
	}
}
