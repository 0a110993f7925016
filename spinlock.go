package ralloc

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// spinlock is a minimal yielding spinlock that also records which
// goroutine currently holds it. The facade never makes a blocking call
// while holding it: the address-space reservation is mmap'd once, at
// construction, and moving the break under the lock costs only short
// mprotect/madvise calls in package brk, so contention windows are short
// and a spin is cheaper than parking a goroutine.
//
// Recording the owner lets the facade distinguish a genuinely concurrent
// caller (must wait its turn) from the same call stack calling back into
// itself while already holding the lock - an OOM handler that itself
// allocates, say. Only the latter is safe to let through without
// acquiring the lock again; the former must still queue behind it.
type spinlock struct {
	state int32
	owner uint64
}

func (s *spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&s.state, 0, 1) {
		runtime.Gosched()
	}

	atomic.StoreUint64(&s.owner, currentGoroutineID())
}

func (s *spinlock) Unlock() {
	atomic.StoreUint64(&s.owner, 0)
	atomic.StoreInt32(&s.state, 0)
}

// heldByCurrent reports whether the calling goroutine is the one
// currently holding the lock.
func (s *spinlock) heldByCurrent() bool {
	return atomic.LoadInt32(&s.state) == 1 && atomic.LoadUint64(&s.owner) == currentGoroutineID()
}

// currentGoroutineID extracts the running goroutine's ID from the header
// line of its own stack trace ("goroutine 123 [running]:..."). Go
// deliberately exposes no supported API for this; parsing
// runtime.Stack's output is the standard workaround reached for when a
// design genuinely needs per-goroutine identity, as this one does.
func currentGoroutineID() uint64 {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))

	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}

	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
