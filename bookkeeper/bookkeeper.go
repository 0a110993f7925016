// Package bookkeeper implements the allocation policy described by
// spec.md §4.3: it owns a blocklist.List plus the heap-extension policy,
// and implements alloc, free, realloc and in-place realloc over them.
//
// A Bookkeeper is not safe for concurrent use — per spec.md §5 that is the
// facade's job (the facade's Local, which also backs the global
// allocator, serializes access with a spinlock). OOM handling also
// lives one layer up, in the facade, since that is where spec.md §4.5
// says the handler is actually configured ("stored per-allocator"); this
// package only ever reports success or failure and leaves the diverging
// policy to its caller.
package bookkeeper

import (
	"fmt"
	"unsafe"

	"github.com/redox-os/ralloc/block"
	"github.com/redox-os/ralloc/blocklist"
	"github.com/redox-os/ralloc/brk"
	"github.com/redox-os/ralloc/rerrors"
	"github.com/redox-os/ralloc/rlog"
)

// Config holds the tunables spec.md §3 attributes to a Bookkeeper.
type Config struct {
	// TrimThreshold is how many spare bytes are kept at the tail of the
	// heap (as a cushion) when trimming; the rest is returned to the OS.
	TrimThreshold uintptr

	// BrkGranularity is the rounding unit for BRK extension requests.
	BrkGranularity uintptr

	// Security zeroes every block's contents on Free.
	Security bool

	// DebugTools enables leak tracking and wrong-size-free and double-free
	// detection. It does not run I1-I3 validation: CheckInvariants does
	// that, and only when it is called.
	DebugTools bool
}

// DefaultConfig matches the values a freshly Initialize'd global allocator
// uses.
func DefaultConfig() Config {
	return Config{
		TrimThreshold:  64 * 1024,
		BrkGranularity: 4096,
	}
}

// Bookkeeper is the allocation policy over a blocklist.List and a
// brk.Source.
type Bookkeeper struct {
	list *blocklist.List
	brk  brk.Source
	cfg  Config
	leak *rlog.LeakTable
	sink *rlog.Sink
}

// New constructs a Bookkeeper over source, with the given config and
// optional trace sink (nil disables tracing).
func New(source brk.Source, cfg Config, sink *rlog.Sink) *Bookkeeper {
	bk := &Bookkeeper{brk: source, cfg: cfg, sink: sink}
	bk.list = blocklist.New(bk)

	if cfg.DebugTools {
		bk.leak = rlog.NewLeakTable()
	}

	return bk
}

// --- blocklist.Grower ---

func (bk *Bookkeeper) GrowBacking(minBytes uintptr) (block.Block, error) {
	align := uintptr(unsafe.Alignof(block.Block{}))

	if idx := bk.list.FindFit(minBytes, align); idx >= 0 {
		return bk.list.TakeAt(idx, minBytes, align), nil
	}

	return bk.rawExtend(minBytes)
}

func (bk *Bookkeeper) ReturnBacking(b block.Block) {
	bk.list.Insert(b)
}

func (bk *Bookkeeper) BreakInfo() (floor, current uintptr) {
	return bk.brk.Floor(), bk.brk.Current()
}

func (bk *Bookkeeper) ShrinkBreak(n uintptr) error {
	return bk.brk.Shrink(n)
}

func (bk *Bookkeeper) rawExtend(minBytes uintptr) (block.Block, error) {
	granularity := bk.cfg.BrkGranularity
	if granularity == 0 {
		granularity = 1
	}

	reqSize := roundUp(minBytes, granularity)

	b, err := bk.brk.Extend(reqSize)
	if err != nil {
		return block.Block{}, err
	}

	return b, nil
}

func roundUp(n, m uintptr) uintptr {
	if m <= 1 {
		return n
	}

	return (n + m - 1) &^ (m - 1)
}

// --- public allocation operations ---

// TryAlloc implements spec.md §4.3 alloc, without OOM divergence: a miss
// after extending the heap is reported as ok == false.
func (bk *Bookkeeper) TryAlloc(size, align uintptr) (block.Block, bool) {
	if size == 0 {
		return bk.sentinel(), true
	}

	if align == 0 {
		align = 1
	}

	if idx := bk.list.FindFit(size, align); idx >= 0 {
		taken := bk.list.TakeAt(idx, size, align)
		bk.onAlloc(taken)

		return taken, true
	}

	reqRaw := size + (align - 1)

	fresh, err := bk.rawExtend(reqRaw)
	if err != nil {
		return block.Block{}, false
	}

	pad, aligned, ok := fresh.AlignSplit(align)
	if !ok {
		// The slack we requested (align-1) guarantees this never
		// happens; if it somehow did, give the span back intact.
		bk.list.Insert(fresh)

		return block.Block{}, false
	}

	if !pad.Empty() {
		bk.list.Insert(pad)
	}

	taken, tail := aligned.SplitAt(size)
	if !tail.Empty() {
		bk.list.Insert(tail)
	}

	bk.onAlloc(taken)

	return taken, true
}

// Free implements spec.md §4.3 free. The caller asserts that b is a
// uniquely owned span (possibly donated, see spec.md §9); in DebugTools
// mode, freeing a span that is not tracked as live and overlaps an entry
// already in the free list panics rather than silently corrupting the
// list. An untracked span that overlaps no free entry (donated memory, or
// the tail Realloc splits off a shrinking block) is accepted.
func (bk *Bookkeeper) Free(b block.Block) {
	if b.Empty() {
		return
	}

	if bk.cfg.Security {
		block.Zero(b)
	}

	if bk.leak != nil && !bk.leak.TrackFree(b) {
		for _, e := range bk.list.Entries() {
			if e.Overlaps(b) {
				panic(rerrors.DoubleFree(b.Base, b.Size))
			}
		}
	}

	bk.list.Free(b)
	bk.trace("free", b)
	bk.list.TrimTail(bk.cfg.TrimThreshold)
}

// Realloc implements spec.md §4.3 realloc: shrink via split, grow via
// in-place absorption first, then alloc-copy-free as the fallback.
func (bk *Bookkeeper) Realloc(b block.Block, newSize, align uintptr) (block.Block, bool) {
	if b.Empty() {
		return bk.TryAlloc(newSize, align)
	}

	if newSize == 0 {
		bk.Free(b)

		return bk.sentinel(), true
	}

	if newSize <= b.Size {
		head, tail := b.SplitAt(newSize)
		if !tail.Empty() {
			bk.Free(tail)
		}

		bk.trackRealloc(b, head)

		return head, true
	}

	if grown, ok := bk.TryInplaceRealloc(b, newSize); ok {
		return grown, true
	}

	newB, ok := bk.TryAlloc(newSize, align)
	if !ok {
		return block.Block{}, false
	}

	block.Copy(newB, b)
	bk.untrackedFree(b)
	bk.trackRealloc(b, newB)

	return newB, true
}

// TryInplaceRealloc implements spec.md §4.3 try_inplace_realloc: grows b
// by absorbing the free span immediately following it, never falling back
// to a copy. Fails cleanly (ok == false) when that span doesn't exist or
// is too small.
func (bk *Bookkeeper) TryInplaceRealloc(b block.Block, newSize uintptr) (block.Block, bool) {
	if newSize <= b.Size {
		return b, true
	}

	deficit := newSize - b.Size

	idx, ok := bk.list.FindAt(b.End())
	if !ok {
		return block.Block{}, false
	}

	if bk.list.At(idx).Size < deficit {
		return block.Block{}, false
	}

	taken := bk.list.TakeAt(idx, deficit, 1)

	merged, ok := block.MergeRight(b, taken)
	if !ok {
		bk.list.Insert(taken)

		return block.Block{}, false
	}

	bk.trackRealloc(b, merged)
	bk.trace("inplace_realloc", merged)

	return merged, true
}

// --- diagnostics ---

// CheckInvariants validates I1-I3 over the current blocklist.
func (bk *Bookkeeper) CheckInvariants() error {
	return bk.list.CheckInvariants()
}

// FreeBytes returns the total bytes currently sitting in the free list.
func (bk *Bookkeeper) FreeBytes() uintptr {
	var total uintptr
	for _, e := range bk.list.Entries() {
		total += e.Size
	}

	return total
}

// BreakBytes returns the total bytes currently committed by the
// BreakManager (bytes returned to it by trimming are not counted).
func (bk *Bookkeeper) BreakBytes() uintptr {
	floor, current := bk.BreakInfo()

	return current - floor
}

// DebugAssertNoLeak checks that every previously handed-out span has been
// freed (spec.md §4.6). Returns nil when DebugTools is disabled.
func (bk *Bookkeeper) DebugAssertNoLeak() error {
	if bk.leak == nil {
		return nil
	}

	live := bk.leak.Live()
	if len(live) == 0 {
		return nil
	}

	return fmt.Errorf("ralloc: %d leaked block(s), e.g. base=%#x size=%d", len(live), live[0].Base, live[0].Size)
}

// --- internals ---

func (bk *Bookkeeper) onAlloc(b block.Block) {
	if bk.leak != nil {
		bk.leak.TrackAlloc(b)
	}

	bk.trace("alloc", b)
}

func (bk *Bookkeeper) trackRealloc(old, new block.Block) {
	if bk.leak != nil {
		bk.leak.TrackFree(old)
		bk.leak.TrackAlloc(new)
	}

	bk.trace("realloc", new)
}

// untrackedFree performs the plain list-level free of the realloc
// fallback path's old span; leak tracking for it is folded into the
// matching trackRealloc call so the span is never briefly "missing" from
// the leak table between the two operations.
func (bk *Bookkeeper) untrackedFree(b block.Block) {
	if bk.cfg.Security {
		block.Zero(b)
	}

	bk.list.Free(b)
	bk.list.TrimTail(bk.cfg.TrimThreshold)
}

func (bk *Bookkeeper) trace(op string, b block.Block) {
	if bk.sink == nil {
		return
	}

	bk.sink.Record(op, b, "bookkeeper")
}

// sentinel area: a fixed buffer, two pages long so that it always contains
// a page-aligned address, used only for that address.
// Zero-size allocations return a block over this storage with Size == 0,
// so the address is never actually dereferenced.
var sentinelStorage [2 * sentinelAlign]byte

const sentinelAlign = 4096

func (bk *Bookkeeper) sentinel() block.Block {
	base := uintptr(unsafe.Pointer(&sentinelStorage[0]))
	base = roundUp(base, sentinelAlign)

	return block.New(base, 0)
}
