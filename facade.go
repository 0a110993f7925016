// Package ralloc is a userspace memory allocator: a drop-in replacement
// for a language runtime's default allocator, built from a break-pointer
// emulation (package brk), a coalescing free-block list (package
// blocklist) and the allocation policy over it (package bookkeeper).
//
// Most programs want the process-wide singleton: call Initialize once at
// startup, then use the package-level Alloc/Free/Realloc/Sbrk functions.
// Programs that want an independent, separately torn-down heap (tests,
// sandboxes, embedding multiple allocators in one process) can construct
// a Local directly with NewLocal.
package ralloc

import (
	"sync"

	"github.com/redox-os/ralloc/block"
	"github.com/redox-os/ralloc/bookkeeper"
	"github.com/redox-os/ralloc/brk"
	"github.com/redox-os/ralloc/rlog"
)

// Local is a standalone allocator instance. All operations serialize on
// an internal spinlock, so a Local is safe for concurrent use from
// multiple goroutines.
//
// The underlying Bookkeeper is not itself concurrency-safe (see package
// bookkeeper's doc comment); lock.heldByCurrent lets a goroutine that
// already holds the spinlock - because it is nested inside an OOM
// handler invoked by one of this Local's own methods, say - call
// straight into the Bookkeeper instead of deadlocking against itself.
// A second, unrelated goroutine never observes heldByCurrent as true: it
// blocks in lock.Lock like any other contender.
type Local struct {
	lock spinlock

	bk  *bookkeeper.Bookkeeper
	src *brk.Manager

	oomMu        sync.Mutex
	oom          OOMHandler
	perThreadOOM bool
	threadOOM    map[uint64]OOMHandler
}

// NewLocal constructs an independent allocator with its own break
// reservation.
func NewLocal(opts ...Option) (*Local, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	src, err := brk.NewManagerSize(cfg.ReservationSize)
	if err != nil {
		return nil, err
	}

	var sink *rlog.Sink
	if cfg.Logger != nil {
		sink = rlog.NewSink(cfg.Logger)
	}

	bkCfg := bookkeeper.Config{
		TrimThreshold:  cfg.TrimThreshold,
		BrkGranularity: cfg.BrkGranularity,
		Security:       cfg.Security,
		DebugTools:     cfg.DebugTools,
	}

	return &Local{
		bk:           bookkeeper.New(src, bkCfg, sink),
		src:          src,
		perThreadOOM: cfg.PerThreadOOM,
	}, nil
}

// Close releases the allocator's address-space reservation. Only
// meaningful for a Local being torn down; the process-global allocator
// is never closed.
func (l *Local) Close() error {
	return l.src.Close()
}

// SetOOMHandler installs h as the handler invoked when an allocation
// cannot be satisfied. A nil handler restores the default, which panics.
//
// If the allocator was constructed with WithPerThreadOOM(true), h is
// scoped to the calling goroutine: other goroutines keep whatever
// handler they registered themselves, or fall back to the
// allocator-wide default if they never called SetOOMHandler at all.
func (l *Local) SetOOMHandler(h OOMHandler) {
	l.oomMu.Lock()
	defer l.oomMu.Unlock()

	if l.perThreadOOM {
		if l.threadOOM == nil {
			l.threadOOM = make(map[uint64]OOMHandler)
		}

		l.threadOOM[currentGoroutineID()] = h

		return
	}

	l.oom = h
}

// TryAlloc attempts to allocate size bytes aligned to align, without
// invoking the OOM handler on failure.
func (l *Local) TryAlloc(size, align uintptr) (block.Block, bool) {
	if l.lock.heldByCurrent() {
		return l.bk.TryAlloc(size, align)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.TryAlloc(size, align)
}

// Alloc allocates size bytes aligned to align, invoking the OOM handler
// (which must diverge) if the heap cannot be extended to satisfy it. The
// lock is held across the attempt and, on failure, across the handler
// call, so a handler that itself allocates re-enters the same critical
// section rather than racing a concurrent caller for it.
func (l *Local) Alloc(size, align uintptr) block.Block {
	if l.lock.heldByCurrent() {
		if b, ok := l.bk.TryAlloc(size, align); ok {
			return b
		}

		return l.invokeOOM(size)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if b, ok := l.bk.TryAlloc(size, align); ok {
		return b
	}

	return l.invokeOOM(size)
}

// Free returns b to the allocator.
func (l *Local) Free(b block.Block) {
	if l.lock.heldByCurrent() {
		l.bk.Free(b)

		return
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.bk.Free(b)
}

// Realloc resizes b to newSize bytes aligned to align, shrinking via
// split, growing in place when possible, and falling back to
// allocate-copy-free otherwise.
func (l *Local) Realloc(b block.Block, newSize, align uintptr) (block.Block, bool) {
	if l.lock.heldByCurrent() {
		return l.bk.Realloc(b, newSize, align)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.Realloc(b, newSize, align)
}

// TryInplaceRealloc grows b by absorbing the free span immediately
// following it, never copying. Fails cleanly when that isn't possible.
func (l *Local) TryInplaceRealloc(b block.Block, newSize uintptr) (block.Block, bool) {
	if l.lock.heldByCurrent() {
		return l.bk.TryInplaceRealloc(b, newSize)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.TryInplaceRealloc(b, newSize)
}

// Sbrk extends the heap by n bytes directly, bypassing the free-list
// policy, and returns the freshly committed span. Exposed for callers
// that need raw memory from the OS rather than a tracked allocation.
func (l *Local) Sbrk(n uintptr) (block.Block, error) {
	if l.lock.heldByCurrent() {
		return l.src.Extend(n)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.Extend(n)
}

// CheckInvariants validates the free list's structural invariants.
func (l *Local) CheckInvariants() error {
	if l.lock.heldByCurrent() {
		return l.bk.CheckInvariants()
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.CheckInvariants()
}

// DebugAssertNoLeak reports any allocation made but never freed. Returns
// nil when DebugTools was not enabled.
func (l *Local) DebugAssertNoLeak() error {
	if l.lock.heldByCurrent() {
		return l.bk.DebugAssertNoLeak()
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.DebugAssertNoLeak()
}

// FreeBytes returns the total bytes currently sitting in the free list.
func (l *Local) FreeBytes() uintptr {
	if l.lock.heldByCurrent() {
		return l.bk.FreeBytes()
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.FreeBytes()
}

// BreakBytes returns the total bytes currently committed by the break
// manager.
func (l *Local) BreakBytes() uintptr {
	if l.lock.heldByCurrent() {
		return l.bk.BreakBytes()
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.bk.BreakBytes()
}

// Handle is a scoped hold on a Local's lock, returned by Lock. Reusing a
// held lock across several operations avoids paying the acquire/release
// cost on each one individually.
//
// Every Local method already checks lock ownership before trying to
// acquire the lock itself, so calling e.g. l.Alloc or l.Free on the same
// Local while a Handle is held works exactly as it would standalone: the
// method notices the calling goroutine already owns the lock and
// operates directly instead of blocking on itself.
type Handle struct {
	l *Local
}

// Lock acquires l's internal lock and returns a Handle. The caller must
// call Unlock when done; until then, further calls into l's own methods
// from the same goroutine reuse the held lock rather than reacquiring it.
func (l *Local) Lock() *Handle {
	l.lock.Lock()

	return &Handle{l: l}
}

// Unlock releases the lock acquired by the Handle's Lock call.
func (h *Handle) Unlock() {
	h.l.lock.Unlock()
}

// --- process-global singleton ---

var global *Local

// Initialize constructs the process-global allocator. Must be called
// once before using the package-level Alloc/Free/Realloc/Sbrk functions.
func Initialize(opts ...Option) error {
	l, err := NewLocal(opts...)
	if err != nil {
		return err
	}

	global = l

	return nil
}

func mustGlobal() *Local {
	if global == nil {
		panic("ralloc: global allocator not initialized, call ralloc.Initialize first")
	}

	return global
}

// Alloc allocates size bytes aligned to align from the global allocator.
func Alloc(size, align uintptr) block.Block {
	return mustGlobal().Alloc(size, align)
}

// TryAlloc is the non-diverging form of Alloc.
func TryAlloc(size, align uintptr) (block.Block, bool) {
	return mustGlobal().TryAlloc(size, align)
}

// Free returns b to the global allocator.
func Free(b block.Block) {
	mustGlobal().Free(b)
}

// Realloc resizes b using the global allocator.
func Realloc(b block.Block, newSize, align uintptr) (block.Block, bool) {
	return mustGlobal().Realloc(b, newSize, align)
}

// TryInplaceRealloc attempts in-place growth using the global allocator.
func TryInplaceRealloc(b block.Block, newSize uintptr) (block.Block, bool) {
	return mustGlobal().TryInplaceRealloc(b, newSize)
}

// Sbrk extends the global allocator's heap directly.
func Sbrk(n uintptr) (block.Block, error) {
	return mustGlobal().Sbrk(n)
}

// SetOOMHandler installs the OOM handler for the global allocator.
func SetOOMHandler(h OOMHandler) {
	mustGlobal().SetOOMHandler(h)
}

// Lock acquires the global allocator's lock and returns a scoped Handle.
func Lock() *Handle {
	return mustGlobal().Lock()
}

// GlobalCheckInvariants validates the global allocator's free list.
func GlobalCheckInvariants() error {
	return mustGlobal().CheckInvariants()
}
