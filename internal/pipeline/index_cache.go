package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// indexEntry is one cached registry index fetch.
type indexEntry struct {
	fetchedAt time.Time
	entries   map[string]string // "name@version" -> download URL
}

// IndexCache caches a package registry's index document per registry URL,
// independent of Cache's content-addressed fingerprint cache: an index
// fetch resolves (name, version) to a download URL, while a fingerprint
// lookup decides whether that URL's content is already installed. Keeping
// the two separate means a registry whose index changes often (new
// releases appear frequently) doesn't force every already-installed
// package to be re-fingerprinted, and vice versa.
type IndexCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]indexEntry
	fetch   func(registryURL string) (map[string]string, error)
}

// NewIndexCache creates an IndexCache with the given TTL. fetch performs
// the actual index-document retrieval; production callers pass
// FetchHTTPIndex, tests substitute a stub.
func NewIndexCache(ttl time.Duration, fetch func(registryURL string) (map[string]string, error)) *IndexCache {
	return &IndexCache{ttl: ttl, entries: make(map[string]indexEntry), fetch: fetch}
}

// Resolve looks up name@version in registryURL's index, fetching (or
// refetching, once the cached copy has aged past the cache's ttl) as
// needed.
func (c *IndexCache) Resolve(registryURL, name, version string) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[registryURL]
	fresh := ok && time.Since(entry.fetchedAt) < c.ttl
	c.mu.Unlock()

	if !fresh {
		fetched, err := c.fetch(registryURL)
		switch {
		case err == nil:
			entry = indexEntry{fetchedAt: time.Now(), entries: fetched}
			c.mu.Lock()
			c.entries[registryURL] = entry
			c.mu.Unlock()
		case ok:
			// Registry briefly unreachable: fall back to the stale copy
			// rather than fail an install of a package it already indexed.
		default:
			return "", fmt.Errorf("fetch registry index %s: %w", registryURL, err)
		}
	}

	url, found := entry.entries[name+"@"+version]
	if !found {
		return "", fmt.Errorf("%s@%s not found in registry index %s", name, version, registryURL)
	}
	return url, nil
}

// FetchHTTPIndex is the production fetch function for NewIndexCache: GETs
// registryURL and decodes a flat {"name@version": "url", ...} JSON object.
func FetchHTTPIndex(registryURL string) (map[string]string, error) {
	resp, err := http.Get(registryURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("registry index %s: status %d", registryURL, resp.StatusCode)
	}
	var idx map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode registry index %s: %w", registryURL, err)
	}
	return idx, nil
}
