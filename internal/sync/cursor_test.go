package sync

import (
	"testing"

	"github.com/matheus3301/dmsync/internal/store"
)

func TestTrackerDefaultsToEpoch(t *testing.T) {
	tr := NewTracker(nil)
	if got := tr.Get("unseen"); !got.IsZero() {
		t.Errorf("Get(unseen) = %+v, want epoch", got)
	}
}

func TestTrackerMonotonic(t *testing.T) {
	tr := NewTracker(nil)

	steps := []struct {
		c    store.Cursor
		want bool
	}{
		{store.Cursor{Timestamp: 100, ID: 5}, true},
		{store.Cursor{Timestamp: 101, ID: 6}, true},
		{store.Cursor{Timestamp: 101, ID: 6}, true}, // equal is accepted
		{store.Cursor{Timestamp: 101, ID: 4}, false},
		{store.Cursor{Timestamp: 50, ID: 99}, false},
		{store.Cursor{Timestamp: 102, ID: 1}, true},
	}

	prev := tr.Get("c")
	for i, s := range steps {
		if got := tr.Advance("c", s.c); got != s.want {
			t.Errorf("step %d: Advance(%+v) = %v, want %v", i, s.c, got, s.want)
		}
		cur := tr.Get("c")
		if cur.Compare(prev) < 0 {
			t.Fatalf("step %d: cursor went backwards %+v -> %+v", i, prev, cur)
		}
		prev = cur
	}
	if prev != (store.Cursor{Timestamp: 102, ID: 1}) {
		t.Errorf("final cursor = %+v, want (102,1)", prev)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(nil)
	tr.Advance("a", store.Cursor{Timestamp: 10, ID: 1})
	tr.Advance("b", store.Cursor{Timestamp: 20, ID: 2})

	tr.Reset("a")

	if got := tr.Get("a"); !got.IsZero() {
		t.Errorf("Get(a) after reset = %+v, want epoch", got)
	}
	if got := tr.Get("b"); got != (store.Cursor{Timestamp: 20, ID: 2}) {
		t.Errorf("Get(b) = %+v, reset must not touch other conversations", got)
	}
	if !tr.Advance("a", store.Cursor{Timestamp: 1, ID: 1}) {
		t.Error("Advance after reset rejected")
	}
}
