package brk

import (
	"fmt"
	"unsafe"

	"github.com/redox-os/ralloc/block"
)

// Fake is an in-process Source backed by a Go byte slice rather than a raw
// mmap reservation, for tests that need a BreakManager whose failure mode
// is controllable (spec.md §8 scenario 5: the OOM path) or that run under
// -race without touching real page protections.
type Fake struct {
	arena     []byte
	base      uintptr
	used      uintptr
	failAfter int // -1 means never fail
	calls     int
}

// NewFake allocates a Go-heap-backed arena of the given size to serve as
// the fake break region.
func NewFake(size int) *Fake {
	arena := make([]byte, size)

	return &Fake{arena: arena, base: uintptr(unsafe.Pointer(&arena[0])), failAfter: -1}
}

// FailAfter lets the first n Extend calls proceed and makes every later
// one fail, simulating a platform BRK failure.
func (f *Fake) FailAfter(n int) {
	f.failAfter = n
}

func (f *Fake) Extend(n uintptr) (block.Block, error) {
	f.calls++
	if f.failAfter >= 0 && f.calls > f.failAfter {
		return block.Block{}, fmt.Errorf("brk: fake extend failure")
	}

	if f.used+n > uintptr(len(f.arena)) {
		return block.Block{}, fmt.Errorf("brk: fake arena exhausted")
	}

	start := f.used
	f.used += n

	return block.New(f.base+start, n), nil
}

func (f *Fake) Shrink(n uintptr) error {
	if n > f.used {
		return fmt.Errorf("brk: fake shrink exceeds used")
	}

	f.used -= n

	return nil
}

func (f *Fake) Floor() uintptr {
	return f.base
}

func (f *Fake) Current() uintptr {
	return f.base + f.used
}

