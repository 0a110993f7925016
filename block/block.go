// Package block implements the span algebra that the bookkeeper consumes
// and produces: a Block is a contiguous, non-overlapping run of heap bytes
// identified by a base address and a size.
//
// Go has no affine type system, so the "each Block is consumed exactly
// once" ownership invariant described by the allocator's design notes is
// not enforced by the compiler here. Callers are expected to treat a Block
// passed to SplitAt, AlignSplit or MergeRight as moved-from; debug builds of
// higher layers (bookkeeper, blocklist) cross-check this with their own
// bookkeeping rather than trusting the type alone.
package block

import "unsafe"

// Block is a unique, non-overlapping span of heap memory: base address plus
// size in bytes. The zero value is the canonical empty block and compares
// equal to any other empty block for coalescing purposes.
type Block struct {
	Base uintptr
	Size uintptr
}

// New constructs a Block. No zero-check is performed: empty blocks (Size
// == 0) are legal and are used as placeholders and sentinels.
func New(base, size uintptr) Block {
	return Block{Base: base, Size: size}
}

// Empty reports whether b covers zero bytes.
func (b Block) Empty() bool {
	return b.Size == 0
}

// End returns the address one past the last byte of b.
func (b Block) End() uintptr {
	return b.Base + b.Size
}

// IsAdjacentTo reports whether b ends exactly where other begins, i.e.
// whether the two spans could be coalesced into one.
func (b Block) IsAdjacentTo(other Block) bool {
	return b.End() == other.Base
}

// Before reports whether b's entire span lies strictly before other's,
// i.e. b.End() <= other.Base.
func (b Block) Before(other Block) bool {
	return b.End() <= other.Base
}

// Overlaps reports whether b and other share any byte.
func (b Block) Overlaps(other Block) bool {
	if b.Empty() || other.Empty() {
		return false
	}

	return b.Base < other.End() && other.Base < b.End()
}

// SplitAt splits b into (left, right) where left.Size == n and
// left.End() == right.Base, together covering exactly b's original span.
// Precondition: n <= b.Size; callers must not invoke this out of range.
func (b Block) SplitAt(n uintptr) (left, right Block) {
	if n > b.Size {
		panic("block: split length exceeds block size")
	}

	return Block{Base: b.Base, Size: n}, Block{Base: b.Base + n, Size: b.Size - n}
}

// AlignSplit splits b into a (possibly empty) padding block that advances
// Base up to the next multiple of align, and the aligned remainder. It
// fails (ok == false) when the padding required would exceed b's size, in
// which case the zero values are returned.
//
// align == 0 or align == 1 never requires padding.
func (b Block) AlignSplit(align uintptr) (pad, aligned Block, ok bool) {
	if align <= 1 {
		return Block{Base: b.Base, Size: 0}, b, true
	}

	k := paddingFor(b.Base, align)
	if k > b.Size {
		return Block{}, Block{}, false
	}

	return Block{Base: b.Base, Size: k}, Block{Base: b.Base + k, Size: b.Size - k}, true
}

// paddingFor returns the smallest k >= 0 such that (base+k) mod align == 0.
// align need not be a power of two; the general modulus formula is used so
// non-power-of-two alignments (explicitly supported by the spec) work.
func paddingFor(base, align uintptr) uintptr {
	r := base % align
	if r == 0 {
		return 0
	}

	return align - r
}

// MergeRight attempts to coalesce b with other, which must immediately
// follow it. On success it returns the combined block and ok == true; if
// either block is empty, the other one is returned as the result. On
// failure (the two are not adjacent) it returns the zero Block and
// ok == false; the caller still holds b and other and can re-insert them
// independently.
func MergeRight(b, other Block) (merged Block, ok bool) {
	if b.Empty() {
		return other, true
	}

	if other.Empty() {
		return b, true
	}

	if !b.IsAdjacentTo(other) {
		return Block{}, false
	}

	return Block{Base: b.Base, Size: b.Size + other.Size}, true
}

// zeroFillByte is the pattern written by Zero in security mode.
const zeroFillByte = 0

// Zero overwrites b's span with a fixed byte pattern. Used when the
// `security` configuration flag is enabled, so freed memory never leaks
// stale contents to a later allocation.
func Zero(b Block) {
	if b.Empty() {
		return
	}

	s := AsSlice(b)
	for i := range s {
		s[i] = zeroFillByte
	}
}

// AsSlice views b's span as a byte slice without copying. The caller is
// responsible for ensuring the underlying memory is still owned and valid;
// this is an unsafe escape hatch used by the bookkeeper for memmove-style
// copies during realloc.
func AsSlice(b Block) []byte {
	if b.Empty() {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(b.Base)), int(b.Size))
}

// Copy copies min(len(dst), len(src)) bytes from src's span into dst's,
// following the bulk-memory-copy platform contract from spec.md §6.
func Copy(dst, src Block) {
	n := src.Size
	if dst.Size < n {
		n = dst.Size
	}

	if n == 0 {
		return
	}

	copy(AsSlice(Block{Base: dst.Base, Size: n}), AsSlice(Block{Base: src.Base, Size: n}))
}
