package ringlog

import (
	"fmt"
	"testing"
)

func fill(b *Buffer, n int) {
	for i := 1; i <= n; i++ {
		b.Capture(LevelInfo, "test", fmt.Sprintf("entry %d", i))
	}
}

func sequences(entries []Entry) []uint64 {
	seqs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		seqs = append(seqs, e.Sequence)
	}
	return seqs
}

func TestCaptureAssignsMonotonicSequences(t *testing.T) {
	b := New(10)
	for i := 1; i <= 5; i++ {
		e := b.Capture(LevelInfo, "test", "msg")
		if e.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, e.Sequence)
		}
	}
}

func TestEvictionKeepsSequenceNumbers(t *testing.T) {
	b := New(3)
	fill(b, 5)

	res := b.Query(Query{Since: 0})
	if !res.Overflow {
		t.Fatal("expected overflow after eviction")
	}
	got := sequences(res.Entries)
	want := []uint64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected entries %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected entries %v, got %v", want, got)
		}
	}
	if res.CurrentSequence != 5 {
		t.Fatalf("expected current_sequence 5, got %d", res.CurrentSequence)
	}
}

func TestQueryFromCursorHasNoOverflow(t *testing.T) {
	b := New(3)
	fill(b, 5)

	res := b.Query(Query{Since: 4})
	if res.Overflow {
		t.Fatal("unexpected overflow for cursor past eviction point")
	}
	if len(res.Entries) != 1 || res.Entries[0].Sequence != 5 {
		t.Fatalf("expected single entry 5, got %v", sequences(res.Entries))
	}
}

func TestQueryWithoutEvictionHasNoOverflow(t *testing.T) {
	b := New(10)
	fill(b, 3)

	res := b.Query(Query{Since: 0})
	if res.Overflow {
		t.Fatal("unexpected overflow before any eviction")
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
}

func TestQueryLevelFilter(t *testing.T) {
	b := New(10)
	b.Capture(LevelInfo, "test", "a")
	b.Capture(LevelWarn, "test", "b")
	b.Capture(LevelError, "test", "c")
	b.Capture(LevelWarn, "test", "d")

	res := b.Query(Query{Levels: []Level{LevelWarn, LevelError}})
	got := sequences(res.Entries)
	want := []uint64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestQueryLimitSetsHasMore(t *testing.T) {
	b := New(10)
	fill(b, 5)

	res := b.Query(Query{Limit: 2})
	if !res.HasMore {
		t.Fatal("expected has_more after truncation")
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}

	res = b.Query(Query{Since: res.Entries[1].Sequence, Limit: 10})
	if res.HasMore {
		t.Fatal("unexpected has_more on final page")
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 remaining entries, got %d", len(res.Entries))
	}
}

func TestClearAfterReadKeepsCounter(t *testing.T) {
	b := New(10)
	fill(b, 3)

	res := b.Query(Query{ClearAfterRead: true})
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after clear, got %d entries", b.Len())
	}

	e := b.Capture(LevelInfo, "test", "after clear")
	if e.Sequence != 4 {
		t.Fatalf("expected sequence to continue at 4, got %d", e.Sequence)
	}

	// Clearing is housekeeping only; a cursor-following reader sees no gap.
	res = b.Query(Query{Since: 3})
	if res.Overflow {
		t.Fatal("clear must not flag overflow")
	}
	if len(res.Entries) != 1 || res.Entries[0].Sequence != 4 {
		t.Fatalf("expected entry 4, got %v", sequences(res.Entries))
	}
}

func TestClearAfterReadRespectsLevelFilter(t *testing.T) {
	b := New(10)
	b.Capture(LevelInfo, "test", "keep")
	b.Capture(LevelError, "test", "drop")

	b.Query(Query{Levels: []Level{LevelError}, ClearAfterRead: true})
	if b.Len() != 1 {
		t.Fatalf("expected 1 retained entry, got %d", b.Len())
	}

	res := b.Query(Query{})
	if len(res.Entries) != 1 || res.Entries[0].Level != LevelInfo {
		t.Fatalf("expected the info entry to survive, got %v", res.Entries)
	}
}

func TestExactlyOnceObservation(t *testing.T) {
	b := New(100)
	fill(b, 20)

	var seen []uint64
	var cursor uint64
	for {
		res := b.Query(Query{Since: cursor, Limit: 7})
		seen = append(seen, sequences(res.Entries)...)
		if len(res.Entries) > 0 {
			cursor = res.Entries[len(res.Entries)-1].Sequence
		}
		if !res.HasMore {
			break
		}
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 observations, got %d", len(seen))
	}
	for i, s := range seen {
		if s != uint64(i+1) {
			t.Fatalf("expected sequence %d at position %d, got %d", i+1, i, s)
		}
	}
}

func TestUnknownLevelCoercedToInfo(t *testing.T) {
	b := New(10)
	e := b.Capture(Level("verbose"), "test", "msg")
	if e.Level != LevelInfo {
		t.Fatalf("expected unknown level to coerce to info, got %q", e.Level)
	}
}
