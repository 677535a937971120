package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/kennyphilp/trainsai/cache"
	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/enrich"
	"github.com/kennyphilp/trainsai/storage"
)

type checkResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthReport struct {
	Ready  bool                   `json:"ready"`
	Checks map[string]checkResult `json:"checks"`

	// Populated only for the deep endpoint.
	Cache      *cache.Stats  `json:"cache,omitempty"`
	Enrichment *enrich.Stats `json:"enrichment,omitempty"`
}

// healthChecker probes the push port connection and the schedule
// store. Results are cached briefly so health polling cannot hammer
// the store.
type healthChecker struct {
	store   storage.Storage
	client  *darwin.Client
	timeout time.Duration
	ttl     time.Duration

	mu       sync.Mutex
	cached   healthReport
	cachedAt time.Time
}

func newHealthChecker(store storage.Storage, client *darwin.Client, timeout, ttl time.Duration) *healthChecker {
	if timeout <= 0 {
		timeout = time.Second
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &healthChecker{
		store:   store,
		client:  client,
		timeout: timeout,
		ttl:     ttl,
	}
}

func (h *healthChecker) check() healthReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.cachedAt) < h.ttl {
		return h.cached
	}

	report := healthReport{
		Ready:  true,
		Checks: make(map[string]checkResult),
	}

	state := h.client.State()
	stomp := checkResult{Status: "ok", Detail: state.String()}
	if state != darwin.StateSubscribed && state != darwin.StateReceiving {
		stomp.Status = "down"
		report.Ready = false
	}
	report.Checks["stomp"] = stomp

	report.Checks["store"] = h.checkStore(&report.Ready)

	h.cached = report
	h.cachedAt = time.Now()
	return report
}

// Store probes run in a goroutine so a wedged backend cannot block
// the health endpoint past the configured timeout. A timed-out probe
// leaks its goroutine until the query returns, which is acceptable
// for a bounded query.
func (h *healthChecker) checkStore(ready *bool) checkResult {
	done := make(chan error, 1)
	go func() {
		_, err := h.store.Statistics()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			*ready = false
			return checkResult{Status: "down", Detail: err.Error()}
		}
		return checkResult{Status: "ok"}
	case <-time.After(h.timeout):
		*ready = false
		return checkResult{
			Status: "down",
			Detail: fmt.Sprintf("store probe timed out after %s", h.timeout),
		}
	}
}
