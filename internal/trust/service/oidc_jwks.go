package service

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const jwksCacheTTL = 5 * time.Minute

// jwksCache fetches and caches provider signing keys. Entries are keyed by
// JWKS URL so multiple providers share one cache.
type jwksCache struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]jwksEntry
}

type jwksEntry struct {
	keys      map[string]*rsa.PublicKey // by kid
	fetchedAt time.Time
}

func newJWKSCache(client *http.Client) *jwksCache {
	return &jwksCache{
		client:  client,
		entries: make(map[string]jwksEntry),
	}
}

// publicKey returns the RSA key with the given kid, refetching the document
// when the cache is stale or the kid is unknown (key rotation).
func (c *jwksCache) publicKey(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	entry, ok := c.entries[jwksURL]
	c.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < jwksCacheTTL {
		if key, ok := entry.keys[kid]; ok {
			return key, nil
		}
	}

	entry, err := c.fetch(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[jwksURL] = entry
	c.mu.Unlock()

	key, ok := entry.keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: no key with kid %q", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context, jwksURL string) (jwksEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return jwksEntry{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return jwksEntry{}, ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jwksEntry{}, ErrProviderUnavailable
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return jwksEntry{}, ErrProviderUnavailable
	}

	entry := jwksEntry{
		keys:      make(map[string]*rsa.PublicKey, len(doc.Keys)),
		fetchedAt: time.Now(),
	}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := parseRSAKey(k.N, k.E)
		if err != nil {
			continue
		}
		entry.keys[k.Kid] = key
	}
	return entry, nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
