package signing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weftfed/weft/vocab"
)

const defaultKeyCacheTTL = time.Hour

type keyEntry struct {
	key     *vocab.CryptographicKey
	fetched time.Time
}

// KeyCache resolves key IRIs to public keys through a document loader and
// caches the result with a bounded TTL. Concurrent lookups for the same key
// IRI are coalesced into a single fetch.
type KeyCache struct {
	loader vocab.DocumentLoader
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]keyEntry
	group   singleflight.Group
}

// NewKeyCache returns a key cache over the given loader. A non-positive ttl
// uses the default of one hour.
func NewKeyCache(loader vocab.DocumentLoader, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}
	return &KeyCache{
		loader:  loader,
		ttl:     ttl,
		entries: make(map[string]keyEntry),
	}
}

// Resolve returns the public key identified by keyID. The loaded document
// may be a bare key or an actor carrying one; the key whose IRI equals
// keyID wins. Returns nil when the document has no such key.
func (c *KeyCache) Resolve(ctx context.Context, keyID string) (*vocab.CryptographicKey, error) {
	c.mu.RLock()
	entry, ok := c.entries[keyID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < c.ttl {
		return entry.key, nil
	}

	v, err, _ := c.group.Do(keyID, func() (any, error) {
		doc, err := c.loader.Load(ctx, keyID)
		if err != nil {
			return nil, err
		}
		key := vocab.KeyFromDocument(doc, keyID)

		c.mu.Lock()
		c.entries[keyID] = keyEntry{key: key, fetched: time.Now()}
		c.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	key, _ := v.(*vocab.CryptographicKey)
	return key, nil
}

// Invalidate drops a cached key, forcing the next Resolve to refetch. Used
// when an actor rotates keys (e.g. after an Update activity).
func (c *KeyCache) Invalidate(keyID string) {
	c.mu.Lock()
	delete(c.entries, keyID)
	c.mu.Unlock()
}
