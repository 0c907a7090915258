package orchestrator

import "sync"

// ringCapacity bounds each agent's retained log tail.
const ringCapacity = 500

// logRing is a bounded append-only line buffer. Oldest lines fall off once
// the capacity is reached.
type logRing struct {
	mu    sync.Mutex
	lines []string
	start int
	full  bool
}

func newLogRing() *logRing {
	return &logRing{lines: make([]string, 0, ringCapacity)}
}

func (r *logRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full && len(r.lines) < ringCapacity {
		r.lines = append(r.lines, line)
		if len(r.lines) == ringCapacity {
			r.full = true
		}
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % ringCapacity
}

// Tail returns up to limit most-recent lines, oldest first. limit <= 0 means
// the whole ring.
func (r *logRing) Tail(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.lines)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(r.start+i)%n])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
