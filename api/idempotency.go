package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"
)

// IdempotencyHeader names the request header carrying the client's key.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

// IdempotencyCache replays the stored response for a repeated
// Idempotency-Key. AddStamp is not idempotent, so a POS that times out and
// resends must send the same key to avoid granting a second stamp.
//
// Only 2xx responses are stored. Conflicts, blackouts and server errors
// leave the key free so the retry actually runs.
type IdempotencyCache struct {
	ttl time.Duration
	now func() time.Time

	// OnReplay, when set, is called for every replayed response.
	OnReplay func()

	mu      sync.Mutex
	entries map[string]*idempotentEntry
}

type idempotentEntry struct {
	fingerprint string
	done        bool
	status      int
	contentType string
	body        []byte
	expires     time.Time
}

// NewIdempotencyCache keeps responses for ttl.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*idempotentEntry),
	}
}

// Middleware wraps mutating handlers.
func (c *IdempotencyCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeError(w, http.StatusBadRequest, "Idempotency-Key too long", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		cacheKey := r.Method + " " + r.URL.Path + " " + key
		fingerprint := fingerprintOf(body)

		entry, replay, status := c.begin(cacheKey, fingerprint)
		switch status {
		case http.StatusOK:
		case http.StatusConflict:
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusConflict, ErrorResponse{
				Error:     "A request with this Idempotency-Key is still in progress",
				Code:      "idempotency_in_progress",
				Retryable: true,
			})
			return
		case http.StatusUnprocessableEntity:
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error: "Idempotency-Key was already used with a different request body",
				Code:  "idempotency_mismatch",
			})
			return
		}
		if replay {
			if c.OnReplay != nil {
				c.OnReplay()
			}
			w.Header().Set("Content-Type", entry.contentType)
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(entry.status)
			_, _ = w.Write(entry.body)
			return
		}

		// A panicking handler must not leave the key in flight forever.
		completed := false
		defer func() {
			if !completed {
				c.release(cacheKey)
			}
		}()

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		completed = true
		c.finish(cacheKey, recorder)
	})
}

// begin claims cacheKey. It returns the stored entry for a replay, or a
// non-200 status when the request must be refused.
func (c *IdempotencyCache) begin(cacheKey, fingerprint string) (idempotentEntry, bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if e, ok := c.entries[cacheKey]; ok {
		switch {
		case e.fingerprint != fingerprint:
			return idempotentEntry{}, false, http.StatusUnprocessableEntity
		case !e.done:
			return idempotentEntry{}, false, http.StatusConflict
		default:
			return *e, true, http.StatusOK
		}
	}
	c.entries[cacheKey] = &idempotentEntry{fingerprint: fingerprint}
	return idempotentEntry{}, false, http.StatusOK
}

func (c *IdempotencyCache) finish(cacheKey string, rec *responseRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.status < 200 || rec.status >= 300 {
		delete(c.entries, cacheKey)
		return
	}
	e, ok := c.entries[cacheKey]
	if !ok {
		return
	}
	e.done = true
	e.status = rec.status
	e.contentType = rec.Header().Get("Content-Type")
	e.body = rec.buf.Bytes()
	e.expires = c.now().Add(c.ttl)
}

// release forgets an in-flight key so the next request with it runs.
func (c *IdempotencyCache) release(cacheKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[cacheKey]; ok && !e.done {
		delete(c.entries, cacheKey)
	}
}

func (c *IdempotencyCache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if e.done && now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of tracked keys.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func fingerprintOf(body []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(body))
	return hex.EncodeToString(sum[:])
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.wroteHeader {
		return
	}
	rr.wroteHeader = true
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
