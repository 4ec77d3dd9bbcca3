package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vectorops-cmd/liveguard/internal/inference"
)

func TestAddKeepsNewestFirst(t *testing.T) {
	l := NewList(10, nil)
	l.Add(Entry{Label: "first"})
	l.Add(Entry{Label: "second"})

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].Label != "second" || snap[1].Label != "first" {
		t.Fatalf("entries out of order: %+v", snap)
	}
}

func TestAddEvictsOldestBeyondCapacity(t *testing.T) {
	l := NewList(10, nil)
	for i := 1; i <= 11; i++ {
		l.Add(Entry{Label: fmt.Sprintf("entry-%d", i)})
	}

	snap := l.Snapshot()
	if len(snap) != 10 {
		t.Fatalf("expected list bounded at 10, got %d", len(snap))
	}
	if snap[0].Label != "entry-11" {
		t.Fatalf("newest not at index 0: %s", snap[0].Label)
	}
	if snap[9].Label != "entry-2" {
		t.Fatalf("oldest surviving entry should be entry-2, got %s", snap[9].Label)
	}
	for _, e := range snap {
		if e.Label == "entry-1" {
			t.Fatal("entry-1 should have been evicted")
		}
	}
}

func TestPrimeTruncatesToCapacity(t *testing.T) {
	l := NewList(3, nil)
	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = Entry{Label: fmt.Sprintf("entry-%d", i), Timestamp: time.Now()}
	}
	l.Prime(entries)

	if l.Len() != 3 {
		t.Fatalf("expected 3 entries after prime, got %d", l.Len())
	}
	if got := l.Snapshot()[0].Label; got != "entry-0" {
		t.Fatalf("prime changed ordering: %s", got)
	}
}

func TestCountsUseCanonicalLabels(t *testing.T) {
	l := NewList(10, inference.CanonicalLabel)
	l.Add(Entry{Label: "spoof"})
	l.Add(Entry{Label: "live"})
	l.Add(Entry{Label: "real"})
	l.Add(Entry{Label: "garbage"})

	c := l.Counts()
	if c.Total != 4 || c.Real != 2 || c.Fake != 1 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestConcurrentAddStaysBounded(t *testing.T) {
	l := NewList(10, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Add(Entry{Label: fmt.Sprintf("w%d-%d", n, j)})
			}
		}(i)
	}
	wg.Wait()

	if l.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", l.Len())
	}
}
