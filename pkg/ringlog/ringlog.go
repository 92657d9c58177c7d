// Package ringlog implements the bounded, sequence-numbered event log fed by
// the Studio plugin. The buffer holds a fixed number of entries; once full,
// each append evicts the oldest entry. Sequence numbers are monotonic and are
// never reused, even across eviction, so readers can poll incrementally and
// detect gaps.
package ringlog

import (
	"sync"
	"time"
)

// DefaultCapacity is the entry capacity used when none is configured.
const DefaultCapacity = 500

// Level classifies a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ValidLevel reports whether l is a known entry level.
func ValidLevel(l Level) bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Entry is a single host-emitted log record.
type Entry struct {
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	Level    Level     `json:"level"`
	Source   string    `json:"source"`
	Message  string    `json:"message"`
}

// Buffer is a fixed-capacity ring of log entries. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry // ascending by sequence
	nextSeq  uint64  // next sequence to assign; first entry gets 1
	evicted  uint64  // highest sequence removed by capacity eviction
	now      func() time.Time
}

// New creates a buffer retaining at most capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		nextSeq:  1,
		now:      time.Now,
	}
}

// Capture appends an entry with the next sequence number, evicting the oldest
// entry if the buffer is at capacity. Unknown levels are coerced to info.
func (b *Buffer) Capture(level Level, source, message string) Entry {
	if !ValidLevel(level) {
		level = LevelInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry := Entry{
		Sequence: b.nextSeq,
		Time:     b.now().UTC(),
		Level:    level,
		Source:   source,
		Message:  message,
	}
	b.nextSeq++

	if len(b.entries) >= b.capacity {
		b.evicted = b.entries[0].Sequence
		b.entries = append(b.entries[:0], b.entries[1:]...)
	}
	b.entries = append(b.entries, entry)
	return entry
}

// Query selects entries for an incremental reader.
type Query struct {
	// Since excludes entries with sequence <= Since.
	Since uint64
	// Levels filters entries to the given levels; empty means all.
	Levels []Level
	// Limit truncates the response; non-positive means no limit.
	Limit int
	// ClearAfterRead removes the returned entries from the buffer. The
	// sequence counter is never rewound.
	ClearAfterRead bool
}

// QueryResult is the outcome of one incremental read.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	// CurrentSequence is the highest sequence number assigned so far.
	CurrentSequence uint64 `json:"current_sequence"`
	// HasMore indicates the response was truncated by Limit.
	HasMore bool `json:"has_more"`
	// Overflow indicates entries after Since were evicted before this read,
	// so the caller may have missed records.
	Overflow bool `json:"overflow"`
}

// Query returns entries with sequence strictly greater than q.Since matching
// the level filter, in ascending order. A reader that always passes the last
// sequence it received observes each entry exactly once, absent overflow.
func (b *Buffer) Query(q Query) QueryResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	res := QueryResult{
		Entries:         []Entry{},
		CurrentSequence: b.nextSeq - 1,
		Overflow:        q.Since < b.evicted,
	}

	levels := make(map[Level]bool, len(q.Levels))
	for _, l := range q.Levels {
		levels[l] = true
	}

	for _, e := range b.entries {
		if e.Sequence <= q.Since {
			continue
		}
		if len(levels) > 0 && !levels[e.Level] {
			continue
		}
		if q.Limit > 0 && len(res.Entries) >= q.Limit {
			res.HasMore = true
			break
		}
		res.Entries = append(res.Entries, e)
	}

	if q.ClearAfterRead && len(res.Entries) > 0 {
		returned := make(map[uint64]bool, len(res.Entries))
		for _, e := range res.Entries {
			returned[e.Sequence] = true
		}
		kept := b.entries[:0]
		for _, e := range b.entries {
			if !returned[e.Sequence] {
				kept = append(kept, e)
			}
		}
		b.entries = kept
	}

	return res
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
