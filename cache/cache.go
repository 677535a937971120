package cache

import (
	"sync"
	"time"

	"github.com/kennyphilp/trainsai/model"
)

const (
	DefaultMaxEntries = 500
	DefaultMaxAge     = 24 * time.Hour
)

// Key of the by-route aggregation.
type RouteKey struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

type RouteStats struct {
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

type Stats struct {
	Total          int       `json:"total"`
	Enriched       int       `json:"enriched"`
	NonEnriched    int       `json:"non_enriched"`
	EnrichmentRate float64   `json:"enrichment_rate"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

// Bounded, insertion-ordered store of recent cancellations. Single
// writer (the ingestion pipeline), many readers (HTTP handlers).
// Eviction is oldest first, by capacity or by age, whichever binds.
type Cache struct {
	mu         sync.RWMutex
	entries    []*model.ActiveCancellation
	maxEntries int
	maxAge     time.Duration
}

func New(maxEntries int, maxAge time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{
		entries:    make([]*model.ActiveCancellation, 0, maxEntries),
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

// Appends a cancellation, evicting the oldest entry when the cache is
// at capacity.
func (c *Cache) Insert(cancellation *model.ActiveCancellation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		n := len(c.entries) - c.maxEntries + 1
		c.entries = append(c.entries[:0], c.entries[n:]...)
	}
	c.entries = append(c.entries, cancellation)
}

// Newest-first entries observed after since, up to limit.
func (c *Cache) Recent(limit int, since time.Time) []*model.ActiveCancellation {
	return c.filter(limit, since, nil)
}

// Like Recent, restricted to enriched entries.
func (c *Cache) Enriched(limit int, since time.Time) []*model.ActiveCancellation {
	enriched := func(e *model.ActiveCancellation) bool { return e.Enriched }
	return c.filter(limit, since, enriched)
}

func (c *Cache) filter(limit int, since time.Time, keep func(*model.ActiveCancellation) bool) []*model.ActiveCancellation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*model.ActiveCancellation
	for i := len(c.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := c.entries[i]
		if !e.ObservedAt.After(since) {
			// Entries are in observation order, so nothing
			// earlier can qualify either.
			break
		}
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Aggregates enriched entries per (origin, destination) pair over a
// consistent snapshot of the current contents.
func (c *Cache) ByRoute() map[RouteKey]RouteStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	routes := map[RouteKey]RouteStats{}
	for _, e := range c.entries {
		if !e.Enriched || e.Origin == nil || e.Destination == nil {
			continue
		}
		key := RouteKey{Origin: e.Origin.Tiploc, Destination: e.Destination.Tiploc}
		stats := routes[key]
		stats.Count++
		if e.ObservedAt.After(stats.LastSeen) {
			stats.LastSeen = e.ObservedAt
		}
		routes[key] = stats
	}
	return routes
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{Total: len(c.entries)}
	for _, e := range c.entries {
		if e.Enriched {
			stats.Enriched++
		}
	}
	stats.NonEnriched = stats.Total - stats.Enriched
	if stats.Total > 0 {
		stats.EnrichmentRate = float64(stats.Enriched) / float64(stats.Total)
		stats.WindowStart = c.entries[0].ObservedAt
		stats.WindowEnd = c.entries[len(c.entries)-1].ObservedAt
	}
	return stats
}

// Removes entries older than the given age. Returns the number
// removed.
func (c *Cache) PurgeOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries are ordered by observation time, so find the first
	// survivor and drop everything before it.
	i := 0
	for i < len(c.entries) && c.entries[i].ObservedAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return 0
	}
	c.entries = append(c.entries[:0], c.entries[i:]...)
	return i
}

// Purges entries older than the configured maximum age.
func (c *Cache) PurgeExpired() int {
	return c.PurgeOlderThan(c.maxAge)
}

func (c *Cache) MaxEntries() int       { return c.maxEntries }
func (c *Cache) MaxAge() time.Duration { return c.maxAge }
