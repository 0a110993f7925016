// Package rlog provides the allocator's structured trace sink and
// debug-mode bookkeeping (leak and double-free detection) described by
// spec.md §4.6. Tracing is opt-in via the `log` configuration flag;
// invariant/leak/double-free checking is opt-in via `debug_tools`.
package rlog

import (
	"sync"

	"go.uber.org/zap"

	"github.com/redox-os/ralloc/block"
	"github.com/redox-os/ralloc/rerrors"
)

// Sink emits one structured record per state-changing allocator operation.
// The zero value discards everything; use NewSink to wrap a real logger.
type Sink struct {
	log *zap.Logger
}

// NewSink wraps logger. A nil logger yields a Sink that does nothing,
// matching the `log` flag defaulting to off.
func NewSink(logger *zap.Logger) *Sink {
	return &Sink{log: logger}
}

// Record emits one trace line for a state-changing operation: its name,
// the affected span, and the call site label.
func (s *Sink) Record(op string, b block.Block, site string) {
	if s == nil || s.log == nil {
		return
	}

	s.log.Debug("ralloc",
		zap.String("op", op),
		zap.Uintptr("base", b.Base),
		zap.Uintptr("size", b.Size),
		zap.String("site", site),
	)
}

// LeakTable records live (handed-out, not yet freed) spans for debug-mode
// leak checking, and detects double-free by asserting uniqueness on Free.
type LeakTable struct {
	mu   sync.Mutex
	live map[uintptr]block.Block
}

// NewLeakTable constructs an empty table.
func NewLeakTable() *LeakTable {
	return &LeakTable{live: make(map[uintptr]block.Block)}
}

// TrackAlloc records b as live.
func (t *LeakTable) TrackAlloc(b block.Block) {
	if b.Empty() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.live[b.Base] = b
}

// TrackFree removes b from the live set. ok is false if b was not tracked
// as live, which signals a double-free or a free of an unknown span. If b
// is tracked but was allocated with a different size, TrackFree panics
// with rerrors.WrongFreeSize rather than returning ok == false, since the
// span itself is known and the mismatch is a caller bug, not ambiguity
// about what's live.
func (t *LeakTable) TrackFree(b block.Block) (ok bool) {
	if b.Empty() {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live, present := t.live[b.Base]
	if !present {
		return false
	}

	if live.Size != b.Size {
		panic(rerrors.WrongFreeSize(b.Base, b.Size, live.Size))
	}

	delete(t.live, b.Base)

	return true
}

// Live returns a snapshot of all currently live spans, for leak reporting.
func (t *LeakTable) Live() []block.Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]block.Block, 0, len(t.live))
	for _, b := range t.live {
		out = append(out, b)
	}

	return out
}
