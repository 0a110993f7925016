// Package hook adapts ralloc to the C-ABI allocation shape used by
// cgo-exported entry points and foreign language runtime hooks: a
// pointer in, a pointer out, no block size carried alongside a free or
// realloc call. It does this the way every C allocator does: each
// allocation gets a small header, written just before the payload, that
// records the block's true span so Free and Realloc can reconstruct it
// from the bare pointer the caller hands back.
package hook

import (
	"unsafe"

	"github.com/redox-os/ralloc"
	"github.com/redox-os/ralloc/block"
)

// header sits immediately before the payload pointer returned to the
// caller. offset is the payload's distance from base: it is not always
// headerSize, because MallocAligned may need to land the payload deeper
// into the block than the header alone would require in order to honor
// a caller-requested alignment wider than the block's own.
type header struct {
	base   uintptr
	total  uintptr
	offset uintptr
}

var (
	headerSize  = unsafe.Sizeof(header{})
	headerAlign = unsafe.Alignof(header{})
)

const defaultAlign = 16

func alignFor(align uintptr) uintptr {
	if align < headerAlign {
		align = headerAlign
	}

	return align
}

func roundUp(n, align uintptr) uintptr {
	if r := n % align; r != 0 {
		n += align - r
	}

	return n
}

// Malloc allocates size bytes at the platform's default alignment,
// returning nil rather than invoking the OOM handler on failure.
func Malloc(size uintptr) unsafe.Pointer {
	return MallocAligned(size, defaultAlign)
}

// MallocAligned allocates size bytes at the given alignment. The
// returned pointer itself is aligned to align, not just the block
// backing it: the block is requested at align so that a fixed,
// align-multiple offset past its base is guaranteed to land on an
// align boundary too.
func MallocAligned(size, align uintptr) unsafe.Pointer {
	align = alignFor(align)

	offset := roundUp(headerSize, align)
	total := offset + size

	b, ok := ralloc.TryAlloc(total, align)
	if !ok {
		return nil
	}

	return writeHeader(b, offset)
}

// Free releases a pointer previously returned by Malloc, Calloc or
// Realloc. A nil pointer is a no-op, matching libc free semantics.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	ralloc.Free(blockFromPointer(ptr))
}

// Realloc resizes a pointer previously returned by Malloc/Calloc/Realloc.
// ptr == nil behaves like Malloc; newSize == 0 behaves like Free and
// returns nil.
//
// The payload keeps the same offset from its block's base across the
// call, in place or not: when the bookkeeper must move the block, it
// copies the old span onto the new one byte-for-byte at matching
// offsets, so recomputing a fresh alignment-driven offset here would
// read back the wrong bytes. A realloc that moves the block is only
// guaranteed headerAlign alignment as a result -- the same caveat real
// allocators document for realloc() on a posix_memalign'd pointer.
func Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return Malloc(newSize)
	}

	if newSize == 0 {
		Free(ptr)

		return nil
	}

	h := headerAt(ptr)
	old := block.New(h.base, h.total)
	offset := h.offset

	grown, ok := ralloc.Realloc(old, offset+newSize, headerAlign)
	if !ok {
		return nil
	}

	return writeHeader(grown, offset)
}

// Calloc allocates count*size bytes, zero-initialized. Returns nil on
// overflow or allocation failure.
func Calloc(count, size uintptr) unsafe.Pointer {
	if count != 0 && size > (^uintptr(0))/count {
		return nil
	}

	total := count * size

	ptr := Malloc(total)
	if ptr == nil {
		return nil
	}

	if total > 0 {
		clear(unsafe.Slice((*byte)(ptr), total))
	}

	return ptr
}

func writeHeader(b block.Block, offset uintptr) unsafe.Pointer {
	h := (*header)(unsafe.Pointer(b.Base + offset - headerSize))
	h.base = b.Base
	h.total = b.Size
	h.offset = offset

	return unsafe.Pointer(b.Base + offset)
}

func headerAt(ptr unsafe.Pointer) *header {
	return (*header)(unsafe.Pointer(uintptr(ptr) - headerSize))
}

func blockFromPointer(ptr unsafe.Pointer) block.Block {
	h := headerAt(ptr)

	return block.New(h.base, h.total)
}
