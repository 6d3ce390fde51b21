package vocab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone.
// This typically means the actor or object has been deleted.
var ErrGone = errors.New("resource gone (410)")

// DocumentLoader fetches a JSON-LD document by IRI.
type DocumentLoader interface {
	Load(ctx context.Context, iri string) (map[string]any, error)
}

// LoaderFunc adapts a function to the DocumentLoader interface.
type LoaderFunc func(ctx context.Context, iri string) (map[string]any, error)

func (f LoaderFunc) Load(ctx context.Context, iri string) (map[string]any, error) {
	return f(ctx, iri)
}

const defaultLoaderTTL = time.Hour

type cacheEntry struct {
	doc     map[string]any
	expires time.Time
}

// HTTPLoader fetches ActivityStreams documents over HTTPS with a TTL-bounded
// in-memory cache. Outgoing GETs can optionally be signed for servers that
// require authorized fetch.
type HTTPLoader struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	sign      func(req *http.Request) error

	cache sync.Map // iri → cacheEntry
}

// LoaderOption configures an HTTPLoader.
type LoaderOption func(*HTTPLoader)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *HTTPLoader) { l.client = c }
}

// WithUserAgent sets the User-Agent sent on fetches.
func WithUserAgent(ua string) LoaderOption {
	return func(l *HTTPLoader) { l.userAgent = ua }
}

// WithCacheTTL bounds how long fetched documents are reused.
func WithCacheTTL(ttl time.Duration) LoaderOption {
	return func(l *HTTPLoader) { l.ttl = ttl }
}

// WithRequestSigner signs outgoing GET requests with an instance key so
// fetches succeed against servers running in authorized-fetch mode.
func WithRequestSigner(sign func(req *http.Request) error) LoaderOption {
	return func(l *HTTPLoader) { l.sign = sign }
}

// NewHTTPLoader returns a caching document loader.
func NewHTTPLoader(opts ...LoaderOption) *HTTPLoader {
	l := &HTTPLoader{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "weft/1.0 (+https://github.com/weftfed/weft)",
		ttl:       defaultLoaderTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches an ActivityStreams document, consulting the cache first.
func (l *HTTPLoader) Load(ctx context.Context, iri string) (map[string]any, error) {
	if cached, ok := l.cache.Load(iri); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.doc, nil
		}
		l.cache.Delete(iri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", l.userAgent)

	if l.sign != nil {
		if err := l.sign(req); err != nil {
			return nil, fmt.Errorf("sign fetch: %w", err)
		}
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", iri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", iri, resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", iri, err)
	}

	l.cache.Store(iri, cacheEntry{doc: doc, expires: time.Now().Add(l.ttl)})
	return doc, nil
}

// Invalidate removes an IRI from the cache, forcing the next Load to fetch.
func (l *HTTPLoader) Invalidate(iri string) {
	l.cache.Delete(iri)
}
