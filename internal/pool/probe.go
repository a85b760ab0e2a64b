package pool

import (
	"context"
	"time"
)

// ProbeResult is what a health probe reports back to the pool.
type ProbeResult struct {
	Success      bool
	ModelName    string
	ErrorMessage string
}

// ProbeFunc sends a minimal generate request through an account's adapter.
// It is supplied by the caller (main wiring) so this package never depends
// on the Kiro HTTP client.
type ProbeFunc func(ctx context.Context, account *Account) ProbeResult

// RunProbes iterates every checkable account whose last error is older than
// the configured health-check interval and probes it. Probes run with the
// pool mutex released; only the before/after bookkeeping is locked.
func (m *Manager) RunProbes(ctx context.Context, probe ProbeFunc) {
	for _, a := range m.probeCandidates() {
		result := probe(ctx, a)
		if result.Success {
			m.MarkHealthy(a.UUID, true, result.ModelName)
		} else {
			m.MarkUnhealthy(a.UUID, result.ErrorMessage)
		}
	}
}

func (m *Manager) probeCandidates() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []*Account
	for _, a := range m.accounts {
		if a.IsDisabled || !a.CheckHealth {
			continue
		}
		if a.LastErrorTime != "" {
			t, err := time.Parse(time.RFC3339, a.LastErrorTime)
			if err == nil && now.Sub(t) < m.healthCheckInterval {
				continue
			}
		}
		out = append(out, a.Clone())
	}
	return out
}

// StartHeartbeat launches a background ticker that calls RunProbes every
// interval until ctx is canceled. It returns nothing; canceling ctx stops
// the loop.
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	if interval <= 0 {
		interval = m.healthCheckInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunProbes(ctx, probe)
			}
		}
	}()
}

// MaxFallbackChainLength bounds how many accounts the request pipeline will
// try before reporting "no healthy providers" (§4.9): the first Select plus
// this many fallback re-selections with growing exclusions.
const MaxFallbackChainLength = 3
