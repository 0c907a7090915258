package orchestrator

import (
	"fmt"
	"testing"
)

// TestRingKeepsLastLines verifies the ring drops oldest lines at capacity.
func TestRingKeepsLastLines(t *testing.T) {
	r := newLogRing()
	total := ringCapacity + 25
	for i := 0; i < total; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}

	lines := r.Tail(0)
	if len(lines) != ringCapacity {
		t.Fatalf("len = %d, want %d", len(lines), ringCapacity)
	}
	if lines[0] != fmt.Sprintf("line-%d", total-ringCapacity) {
		t.Fatalf("oldest = %q", lines[0])
	}
	if lines[len(lines)-1] != fmt.Sprintf("line-%d", total-1) {
		t.Fatalf("newest = %q", lines[len(lines)-1])
	}
}

// TestRingTailLimit verifies the limited tail returns the newest lines in
// order.
func TestRingTailLimit(t *testing.T) {
	r := newLogRing()
	for i := 0; i < 10; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	got := r.Tail(3)
	if len(got) != 3 || got[0] != "line-7" || got[2] != "line-9" {
		t.Fatalf("tail = %v", got)
	}
}
