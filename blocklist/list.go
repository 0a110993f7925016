// Package blocklist implements the ordered, duplicate-free, coalescing
// free-block pool described by spec.md §4.2. The list is a densely packed
// array, kept in backing storage that is itself carved from the same heap
// the list describes (invariant I4); growth is delegated to a Grower so
// this package has no import-time dependency on the bookkeeper that
// implements it.
package blocklist

import (
	"sort"
	"unsafe"

	"github.com/redox-os/ralloc/block"
	"github.com/redox-os/ralloc/rerrors"
)

// entrySize is the footprint of one Block in the backing array.
var entrySize = unsafe.Sizeof(block.Block{})

// Grower is the capability the list needs from its owner to grow or shrink
// its own backing storage. A Bookkeeper implements this using its own
// internal (non-locking) allocation path. Growth starts while headroom
// slots are still free, so the nested request is usually satisfied from
// existing free space or from a single BRK extension without growing the
// list again. When carving the new backing out of a free entry re-inserts
// both an alignment pad and a tail, that nested request can itself grow
// the list once more; the inner growth completes first, and the outer one
// then copies the entries from the storage the inner one migrated to.
type Grower interface {
	// GrowBacking returns a fresh, uninitialized block of at least
	// minBytes, obtained however the owner sees fit (free-list reuse or a
	// BreakManager extension).
	GrowBacking(minBytes uintptr) (block.Block, error)

	// ReturnBacking gives a previously-grown backing block back to the
	// owner once the list no longer needs it. Called as a tail call after
	// the list has already migrated to its new storage.
	ReturnBacking(b block.Block)

	// BreakInfo reports the current BRK floor and break, used by TrimTail
	// to recognize which entries are eligible for shrinking the heap; a
	// donated span (never part of any BRK extension) always falls outside
	// [floor, currentBreak) and is therefore never trimmed.
	BreakInfo() (floor, current uintptr)

	// ShrinkBreak lowers the break by n bytes. Called only when the last
	// list entry is verified adjacent to the current break.
	ShrinkBreak(n uintptr) error
}

// headroomEntries is how many free slots List keeps available before it
// considers itself "near full" and grows proactively, so that an insert
// which doesn't get the chance to coalesce away never has to grow the
// backing store mid-insert.
const headroomEntries = 2

// growthFactor is the capacity multiplier used each time the list grows.
const growthFactor = 2

const initialCapacity = 8

// List is the ordered free-block pool. The zero value is not ready for
// use; construct with New.
type List struct {
	grower   Grower
	storage  block.Block
	count    int
	capacity int
}

// New constructs an empty List that will obtain its backing storage from g.
func New(g Grower) *List {
	return &List{grower: g}
}

// Len returns the number of entries currently stored (including any
// not-yet-garbage-collected empty placeholders).
func (l *List) Len() int {
	return l.count
}

func (l *List) entries() []block.Block {
	if l.capacity == 0 {
		return nil
	}

	return unsafe.Slice((*block.Block)(unsafe.Pointer(l.storage.Base)), l.capacity)[:l.count]
}

// At returns the entry at index i.
func (l *List) At(i int) block.Block {
	return l.entries()[i]
}

// FindFit scans left-to-right for the first non-empty entry that can
// satisfy size bytes at the given alignment once padding is accounted for.
// Returns -1 on miss. Alignment 0 or 1 degenerates to a plain size check.
func (l *List) FindFit(size, align uintptr) int {
	if align == 0 {
		align = 1
	}

	for i, e := range l.entries() {
		if e.Empty() {
			continue
		}

		pad := paddingFor(e.Base, align)
		if e.Size >= pad+size {
			return i
		}
	}

	return -1
}

// paddingFor mirrors block.Block.AlignSplit's formula so FindFit's
// reasoning matches what AlignSplit will actually do at TakeAt time.
func paddingFor(base, align uintptr) uintptr {
	if align <= 1 {
		return 0
	}

	r := base % align
	if r == 0 {
		return 0
	}

	return align - r
}

// TakeAt removes size bytes (at the given alignment) from the entry at
// index, re-inserting any alignment padding and tail remainder, and
// returns the taken, aligned block to the caller.
func (l *List) TakeAt(index int, size, align uintptr) block.Block {
	entry := l.RemoveAt(index)

	pad, aligned, ok := entry.AlignSplit(align)
	if !ok {
		panic("blocklist: entry chosen by FindFit cannot satisfy alignment")
	}

	taken, tail := aligned.SplitAt(size)

	if !pad.Empty() {
		l.Insert(pad)
	}

	if !tail.Empty() {
		l.Insert(tail)
	}

	return taken
}

// Insert adds b to the list in address order, coalescing with its
// immediate predecessor and successor. Left-merge is attempted first, then
// right-merge of the result, preserving insertion-point locality per
// spec.md §4.3's tie-break rule. Empty blocks are accepted (and simply
// garbage-collected away) as legal no-ops.
func (l *List) Insert(b block.Block) {
	if b.Empty() {
		return
	}

	es := l.entries()
	idx := sort.Search(len(es), func(i int) bool { return es[i].Base >= b.Base })

	merged := b
	removeLeft, removeRight := false, false

	if idx > 0 {
		if m, ok := block.MergeRight(es[idx-1], merged); ok && !es[idx-1].Empty() {
			merged = m
			removeLeft = true
		}
	}

	if idx < len(es) {
		if m, ok := block.MergeRight(merged, es[idx]); ok && !es[idx].Empty() {
			merged = m
			removeRight = true
		}
	}

	switch {
	case removeLeft && removeRight:
		l.setAt(idx-1, merged)
		l.deleteAt(idx)
	case removeLeft:
		l.setAt(idx-1, merged)
	case removeRight:
		l.setAt(idx, merged)
	default:
		l.ensureCapacity(l.count + 1)
		l.insertAt(idx, merged)
	}
}

// RemoveAt deletes the entry at index and returns it. Per I3, if the
// entries that become adjacent-by-index are also adjacent in address
// space, they are left alone here — RemoveAt is a raw delete used by
// TakeAt, which immediately re-Inserts any live remainder (that re-Insert
// is what performs the required coalescing), and by TrimTail, which only
// ever removes the last entry.
func (l *List) RemoveAt(index int) block.Block {
	es := l.entries()
	removed := es[index]
	l.deleteAt(index)

	return removed
}

func (l *List) deleteAt(index int) {
	es := l.entries()
	copy(es[index:], es[index+1:])
	l.count--
}

func (l *List) insertAt(index int, b block.Block) {
	l.count++

	es := l.entries()
	copy(es[index+1:], es[index:len(es)-1])
	es[index] = b
}

func (l *List) setAt(index int, b block.Block) {
	l.entries()[index] = b
}

// Free is the list-level counterpart of Bookkeeper.Free: insert b back
// into the pool, coalescing with neighbors.
func (l *List) Free(b block.Block) {
	l.Insert(b)
}

// TrimTail shrinks the break and the final entry when the last entry is
// adjacent to the current break, lies within the BRK-owned range (so
// donated memory is never touched), and exceeds threshold bytes of spare
// capacity. Keeps threshold bytes as a cushion rather than reclaiming the
// entry entirely.
func (l *List) TrimTail(threshold uintptr) {
	if l.count == 0 {
		return
	}

	last := l.At(l.count - 1)

	floor, current := l.grower.BreakInfo()
	if last.End() != current || last.Base < floor {
		return
	}

	if last.Size <= threshold {
		return
	}

	give := last.Size - threshold
	if err := l.grower.ShrinkBreak(give); err != nil {
		return
	}

	if threshold == 0 {
		l.RemoveAt(l.count - 1)
		return
	}

	l.setAt(l.count-1, block.New(last.Base, threshold))
}

// ensureCapacity grows the backing store, keeping headroomEntries free
// slots, so that a subsequent Insert of a single non-coalescing entry
// never needs to grow mid-insert.
func (l *List) ensureCapacity(need int) {
	if need+headroomEntries <= l.capacity {
		return
	}

	newCap := l.capacity * growthFactor
	if newCap == 0 {
		newCap = initialCapacity
	}

	for newCap < need+headroomEntries {
		newCap *= growthFactor
	}

	newBytes := uintptr(newCap) * entrySize

	newBacking, err := l.grower.GrowBacking(newBytes)
	if err != nil {
		panic("blocklist: failed to grow backing storage: " + err.Error())
	}

	newEntries := unsafe.Slice((*block.Block)(unsafe.Pointer(newBacking.Base)), newCap)
	copy(newEntries, l.entries())

	oldBacking := l.storage
	l.storage = newBacking
	l.capacity = newCap

	if !oldBacking.Empty() {
		l.grower.ReturnBacking(oldBacking)
	}
}

// FindAt returns the index of the entry whose base equals addr, if any.
// Used by realloc's in-place-growth path to find the free span immediately
// following a live block.
func (l *List) FindAt(addr uintptr) (index int, ok bool) {
	es := l.entries()
	i := sort.Search(len(es), func(i int) bool { return es[i].Base >= addr })

	if i < len(es) && es[i].Base == addr {
		return i, true
	}

	return 0, false
}

// Entries returns a read-only snapshot of the list's current entries, for
// diagnostics and invariant checking.
func (l *List) Entries() []block.Block {
	out := make([]block.Block, l.count)
	copy(out, l.entries())

	return out
}

// CheckInvariants validates I1 (strictly increasing bases among
// non-empty entries), I2 (non-overlap) and I3 (no two adjacent-address
// non-empty entries) and returns the first violation found, or nil.
func (l *List) CheckInvariants() error {
	es := l.entries()

	var prev *block.Block

	for i := range es {
		e := es[i]
		if e.Empty() {
			continue
		}

		if prev != nil {
			if prev.Base >= e.Base {
				return errViolation("I1", "bases not strictly increasing")
			}

			if prev.Overlaps(e) {
				return errViolation("I2", "adjacent entries overlap")
			}

			if prev.IsAdjacentTo(e) {
				return errViolation("I3", "adjacent-address entries were not coalesced")
			}
		}

		p := e
		prev = &p
	}

	return nil
}

func errViolation(invariant, detail string) error {
	return rerrors.InvariantViolation(invariant, detail)
}
