// Package history keeps the bounded, most-recent-first list of past
// detections shown in the UI.
package history

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the list when no explicit capacity is given.
const DefaultMaxEntries = 10

// Entry is one remembered detection.
type Entry struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	// ThumbnailRef is either /uploads/<filename> for server-persisted
	// frames or a caller-provided local preview reference.
	ThumbnailRef string `json:"thumbnail_ref,omitempty"`
}

// Counts aggregates the list by canonical label.
type Counts struct {
	Total int `json:"total"`
	Real  int `json:"real"`
	Fake  int `json:"fake"`
}

// List is a fixed-capacity, most-recent-first detection history. Safe for
// concurrent use.
type List struct {
	mu      sync.RWMutex
	max     int
	entries []Entry
	bucket  func(label string) string
}

// NewList builds a history bounded at max entries. bucket folds a raw label
// into real/fake/unknown for the counters; nil keeps labels as-is.
func NewList(max int, bucket func(string) string) *List {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	if bucket == nil {
		bucket = func(label string) string { return label }
	}
	return &List{
		max:     max,
		entries: make([]Entry, 0, max),
		bucket:  bucket,
	}
}

// Add prepends an entry, evicting the oldest once the list is full.
func (l *List) Add(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = entry
	if len(l.entries) > l.max {
		l.entries = l.entries[:l.max]
	}
}

// Prime replaces the list contents with already-ordered entries, newest
// first, truncated to capacity. Used to restore history on startup.
func (l *List) Prime(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(entries) > l.max {
		entries = entries[:l.max]
	}
	l.entries = append(l.entries[:0], entries...)
}

// Snapshot returns a copy of the current entries, newest first.
func (l *List) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Counts tallies the current entries by canonical label.
func (l *List) Counts() Counts {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c := Counts{Total: len(l.entries)}
	for _, e := range l.entries {
		switch l.bucket(e.Label) {
		case "real":
			c.Real++
		case "fake":
			c.Fake++
		}
	}
	return c
}

// Len reports the current number of entries.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
