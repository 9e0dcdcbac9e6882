package rpc

import "testing"

func TestEventRingBufferPushAssignsIncrementingSeq(t *testing.T) {
	b := NewEventRingBuffer("rt-1", "stream-1", 10)
	e1 := b.Push("a", "info", nil, nil, 100, 2)
	e2 := b.Push("b", "info", nil, nil, 200, 2)
	if e1.SeqNo != 1 || e2.SeqNo != 2 {
		t.Fatalf("expected sequential seq numbers, got %d, %d", e1.SeqNo, e2.SeqNo)
	}
	if e1.RuntimeID != "rt-1" || e1.StreamID != "stream-1" {
		t.Fatalf("expected runtime/stream ids stamped onto every event")
	}
}

func TestEventRingBufferOverflowDropsOldest(t *testing.T) {
	b := NewEventRingBuffer("rt", "s", 3)
	for i := 0; i < 5; i++ {
		b.Push("e", "info", nil, nil, int64(i), 2)
	}
	batch := b.Poll(nil, 10)
	if len(batch.Events) != 3 {
		t.Fatalf("expected the buffer capped at 3 entries, got %d", len(batch.Events))
	}
	if batch.Events[0].SeqNo != 3 {
		t.Fatalf("expected the oldest retained event to be seq 3, got %d", batch.Events[0].SeqNo)
	}
	if batch.DroppedCount != 2 {
		t.Fatalf("expected 2 dropped events, got %d", batch.DroppedCount)
	}
}

func TestEventRingBufferPollRespectsCursorAndMax(t *testing.T) {
	b := NewEventRingBuffer("rt", "s", 10)
	for i := 0; i < 5; i++ {
		b.Push("e", "info", nil, nil, int64(i), 2)
	}
	cursor := uint64(2)
	batch := b.Poll(&cursor, 2)
	if len(batch.Events) != 2 || batch.Events[0].SeqNo != 3 {
		t.Fatalf("expected events after cursor 2 capped at 2, got %+v", batch.Events)
	}
	if batch.NextCursor != 4 {
		t.Fatalf("expected next_cursor to track the last returned seq, got %d", batch.NextCursor)
	}
}

func TestEventRingBufferCursorIsExpired(t *testing.T) {
	b := NewEventRingBuffer("rt", "s", 3)
	for i := 0; i < 5; i++ {
		b.Push("e", "info", nil, nil, int64(i), 2)
	}
	// oldest retained is seq 3; a cursor at 1 refers to dropped history.
	if !b.CursorIsExpired(1) {
		t.Fatalf("expected cursor 1 to be reported expired")
	}
	if b.CursorIsExpired(2) {
		t.Fatalf("expected cursor 2 (oldest-1) to not be expired")
	}
	if b.CursorIsExpired(4) {
		t.Fatalf("expected a cursor within the retained window to not be expired")
	}
}

func TestCursorIsExpiredBoundary(t *testing.T) {
	cases := []struct {
		cursor, oldest uint64
		want           bool
	}{
		{cursor: 4, oldest: 5, want: false}, // cursor+1 == oldest: not expired
		{cursor: 3, oldest: 5, want: true},  // cursor+1 < oldest: expired
		{cursor: 5, oldest: 5, want: false},
	}
	for _, c := range cases {
		got := cursorIsExpired(c.cursor, c.oldest)
		if got != c.want {
			t.Fatalf("cursorIsExpired(%d, %d) = %v, want %v", c.cursor, c.oldest, got, c.want)
		}
	}
}

func TestComputeStreamGapNilWithoutDropsOrUnknownOldest(t *testing.T) {
	if _, ok := computeStreamGap(0, 10, true); ok {
		t.Fatalf("expected no gap metadata when nothing was dropped")
	}
	if _, ok := computeStreamGap(5, 0, false); ok {
		t.Fatalf("expected no gap metadata when the oldest seq is unknown")
	}
}

func TestComputeStreamGapSatisfiesInvariant(t *testing.T) {
	meta, ok := computeStreamGap(3, 10, true)
	if !ok {
		t.Fatalf("expected gap metadata when dropped > 0 and oldest known")
	}
	if meta.ExpectedSeq+meta.Dropped != meta.ObservedSeq {
		t.Fatalf("expected expected+dropped == observed, got %+v", meta)
	}
	if meta.GapSeq != meta.ObservedSeq-1 {
		t.Fatalf("expected gap_seq == observed-1, got %+v", meta)
	}
}

func TestEventRingBufferGapMetaReflectsCurrentState(t *testing.T) {
	b := NewEventRingBuffer("rt", "s", 2)
	for i := 0; i < 5; i++ {
		b.Push("e", "info", nil, nil, int64(i), 2)
	}
	meta, ok := b.GapMeta()
	if !ok {
		t.Fatalf("expected gap metadata once entries have been dropped")
	}
	if meta.Dropped != 3 {
		t.Fatalf("expected 3 dropped entries, got %d", meta.Dropped)
	}
}
