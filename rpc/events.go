package rpc

import (
	"sync"

	"github.com/google/uuid"
)

// SdkEvent is one entry in the internal ring buffer (§4.13, §8).
type SdkEvent struct {
	EventID         string
	RuntimeID       string
	StreamID        string
	SeqNo           uint64
	ContractVersion uint16
	TSMillis        int64
	EventType       string
	Severity        string
	Payload         map[string]interface{}
	Extensions      map[string]interface{}
}

// EventBatch is the result of a poll call.
type EventBatch struct {
	Events         []SdkEvent
	NextCursor     uint64
	DroppedCount   uint64
	HighWatermark  uint64
}

// EventRingBuffer is a fixed-capacity, seq-numbered ring buffer feeding
// sdk_poll_events_v2. Overflow drops the oldest entries and tracks how many
// were dropped since the previous poll.
type EventRingBuffer struct {
	mu       sync.Mutex
	runtimeID string
	streamID  string
	cap      int
	nextSeq  uint64
	buf      []SdkEvent // oldest first
	dropped  uint64
	droppedAtPoll uint64 // value of dropped when Poll last ran
}

// NewEventRingBuffer constructs a ring buffer bounded to capacity entries.
func NewEventRingBuffer(runtimeID, streamID string, capacity int) *EventRingBuffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &EventRingBuffer{runtimeID: runtimeID, streamID: streamID, cap: capacity}
}

// Push appends a new event, assigning it the next sequence number.
func (b *EventRingBuffer) Push(eventType, severity string, payload, extensions map[string]interface{}, tsMillis int64, contractVersion uint16) SdkEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	ev := SdkEvent{
		EventID:         uuid.NewString(),
		RuntimeID:       b.runtimeID,
		StreamID:        b.streamID,
		SeqNo:           b.nextSeq,
		ContractVersion: contractVersion,
		TSMillis:        tsMillis,
		EventType:       eventType,
		Severity:        severity,
		Payload:         payload,
		Extensions:      extensions,
	}
	b.buf = append(b.buf, ev)
	if len(b.buf) > b.cap {
		overflow := len(b.buf) - b.cap
		b.buf = b.buf[overflow:]
		b.dropped += uint64(overflow)
	}
	return ev
}

// oldestSeqLocked returns the oldest retained sequence number, if any.
func (b *EventRingBuffer) oldestSeqLocked() (uint64, bool) {
	if len(b.buf) == 0 {
		return 0, false
	}
	return b.buf[0].SeqNo, true
}

// Poll returns events with seq > cursor (or from the start, if cursor is
// nil), up to max entries, along with the number of events dropped since the
// previous Poll call.
func (b *EventRingBuffer) Poll(cursor *uint64, max int) EventBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if max <= 0 || max > len(b.buf) {
		max = len(b.buf)
	}
	start := len(b.buf)
	if cursor != nil {
		for i, ev := range b.buf {
			if ev.SeqNo > *cursor {
				start = i
				break
			}
		}
	} else {
		start = 0
	}
	end := start + max
	if end > len(b.buf) {
		end = len(b.buf)
	}
	batch := append([]SdkEvent(nil), b.buf[start:end]...)
	next := b.nextSeq
	if len(batch) > 0 {
		next = batch[len(batch)-1].SeqNo
	} else if cursor != nil {
		next = *cursor
	}
	since := b.dropped - b.droppedAtPoll
	b.droppedAtPoll = b.dropped
	return EventBatch{
		Events:        batch,
		NextCursor:    next,
		DroppedCount:  since,
		HighWatermark: b.nextSeq,
	}
}

// CursorIsExpired reports whether cursor refers to a sequence number older
// than the retained window's oldest entry (cursor+1 < oldest), only when
// both are known.
func (b *EventRingBuffer) CursorIsExpired(cursor uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldest, ok := b.oldestSeqLocked()
	if !ok {
		return false
	}
	return cursorIsExpired(cursor, oldest)
}

func cursorIsExpired(cursorSeq, oldestSeq uint64) bool {
	return cursorSeq+1 < oldestSeq
}

// StreamGapMeta reports a dropped-events gap, satisfying
// expected + dropped == observed and gap_seq == observed - 1.
type StreamGapMeta struct {
	GapSeq      uint64
	ExpectedSeq uint64
	ObservedSeq uint64
	Dropped     uint64
}

// computeStreamGap mirrors compute_stream_gap: ok is false unless dropped > 0
// and oldest is known.
func computeStreamGap(dropped uint64, oldestSeq uint64, oldestKnown bool) (StreamGapMeta, bool) {
	if dropped == 0 || !oldestKnown {
		return StreamGapMeta{}, false
	}
	expected := oldestSeq - dropped
	if dropped > oldestSeq {
		expected = 0
	}
	gap := uint64(0)
	if oldestSeq > 0 {
		gap = oldestSeq - 1
	}
	return StreamGapMeta{GapSeq: gap, ExpectedSeq: expected, ObservedSeq: oldestSeq, Dropped: dropped}, true
}

// GapMeta exposes computeStreamGap for the buffer's current state, using the
// total number of events dropped since the buffer was created.
func (b *EventRingBuffer) GapMeta() (StreamGapMeta, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldest, ok := b.oldestSeqLocked()
	return computeStreamGap(b.dropped, oldest, ok)
}
