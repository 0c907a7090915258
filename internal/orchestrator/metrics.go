package orchestrator

import "sync/atomic"

// Metrics counts lifetime run outcomes, exposed on the health endpoint.
type Metrics struct {
	Spawned   int64 `json:"spawned"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Stopped   int64 `json:"stopped"`
}

type metrics struct {
	spawned   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	stopped   atomic.Int64
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		Spawned:   m.spawned.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
		TimedOut:  m.timedOut.Load(),
		Stopped:   m.stopped.Load(),
	}
}

// Metrics returns a snapshot of the run counters.
func (m *Manager) Metrics() Metrics { return m.counters.snapshot() }
