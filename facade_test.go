package ralloc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redox-os/ralloc/block"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()

	l, err := NewLocal(WithReservationSize(1<<20), WithDebugTools(true))
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	return l
}

func TestLocalAllocFree(t *testing.T) {
	l := newTestLocal(t)

	b, ok := l.TryAlloc(128, 16)
	require.True(t, ok)
	require.Equal(t, uintptr(0), b.Base%16)

	l.Free(b)
	require.NoError(t, l.CheckInvariants())
	require.NoError(t, l.DebugAssertNoLeak())
}

// TestLocalConcurrentAllocFree exercises many unrelated goroutines
// calling TryAlloc/Free on the same Local at once -- the scenario the
// package doc on Local claims is safe. Every allocation must succeed
// (the working set per goroutine is tiny relative to the reservation,
// so a false ok here means a span was misrouted or double-handed-out)
// and DebugAssertNoLeak must find nothing outstanding afterward, which
// would catch a lost Free as surely as a lost Alloc.
func TestLocalConcurrentAllocFree(t *testing.T) {
	l := newTestLocal(t)

	var wg sync.WaitGroup

	const goroutines = 16
	const perGoroutine = 200

	var failures int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < perGoroutine; j++ {
				b, ok := l.TryAlloc(64, 8)
				if !ok {
					atomic.AddInt32(&failures, 1)

					continue
				}

				l.Free(b)
			}
		}()
	}

	wg.Wait()

	require.Zero(t, failures, "a TryAlloc failed despite ample reservation headroom")
	require.NoError(t, l.CheckInvariants())
	require.NoError(t, l.DebugAssertNoLeak())
}

// TestOOMHandlerCanReenterWithoutDeadlock exercises the scenario the
// lock-ownership check exists for: an OOM handler, invoked while Alloc
// still holds the lock, calling back into the same Local. If reentrancy
// were keyed on anything other than actual lock ownership, this would
// either deadlock (spinning forever against a lock this same goroutine
// holds) or get misrouted.
func TestOOMHandlerCanReenterWithoutDeadlock(t *testing.T) {
	l := newTestLocal(t)

	var invariantsErr error

	l.SetOOMHandler(func(requested uintptr) {
		invariantsErr = l.CheckInvariants()
		l.Free(block.Block{})

		panic("oom handler reentered successfully")
	})

	result := make(chan interface{}, 1)

	go func() {
		defer func() { result <- recover() }()

		l.Alloc(1<<40, 8) // far larger than the reservation
	}()

	select {
	case r := <-result:
		require.Equal(t, "oom handler reentered successfully", r)
		require.NoError(t, invariantsErr)
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: OOM handler reentry never completed")
	}
}

// TestLocalConcurrentFreeOfRealBlockNeverLeaks guards against the
// specific misrouting bug where a legitimate Free of a bookkeeper-issued
// block gets diverted and silently dropped: every block a goroutine
// allocates while contending with others must actually come back.
func TestLocalConcurrentFreeOfRealBlockNeverLeaks(t *testing.T) {
	l := newTestLocal(t)

	var wg sync.WaitGroup

	var failures int32

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			b, ok := l.TryAlloc(256, 16)
			if !ok {
				atomic.AddInt32(&failures, 1)

				return
			}

			l.Free(b)
		}()
	}

	wg.Wait()

	require.Zero(t, failures)
	require.NoError(t, l.DebugAssertNoLeak())
}

func TestHandleBatchesOperationsUnderOneLock(t *testing.T) {
	l := newTestLocal(t)

	h := l.Lock()

	a, ok := l.TryAlloc(32, 8)
	require.True(t, ok)

	b, ok := l.TryAlloc(32, 8)
	require.True(t, ok)

	l.Free(a)
	l.Free(b)

	h.Unlock()

	require.NoError(t, l.CheckInvariants())
	require.NoError(t, l.DebugAssertNoLeak())
}

func TestPerThreadOOMHandlerScopedToGoroutine(t *testing.T) {
	l, err := NewLocal(WithReservationSize(1<<20), WithPerThreadOOM(true))
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	run := func(label string) interface{} {
		result := make(chan interface{}, 1)

		go func() {
			defer func() { result <- recover() }()

			l.SetOOMHandler(func(requested uintptr) { panic(label) })
			l.Alloc(1<<40, 8)
		}()

		return <-result
	}

	require.Equal(t, "handler A", run("handler A"))
	require.Equal(t, "handler B", run("handler B"))
}

func TestPerThreadOOMFallsBackToDefaultWhenUnset(t *testing.T) {
	l, err := NewLocal(WithReservationSize(1<<20), WithPerThreadOOM(true))
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	require.Panics(t, func() { l.Alloc(1<<40, 8) })
}

func TestLocalOOMHandlerDiverges(t *testing.T) {
	l := newTestLocal(t)

	l.SetOOMHandler(func(requested uintptr) {
		panic("custom oom")
	})

	require.PanicsWithValue(t, "custom oom", func() {
		l.Alloc(1<<40, 8) // far larger than the 1 MiB reservation
	})
}

func TestLocalDefaultOOMHandlerPanics(t *testing.T) {
	l := newTestLocal(t)

	require.Panics(t, func() {
		l.Alloc(1<<40, 8)
	})
}

func TestLocalSbrkBypassesFreeList(t *testing.T) {
	l := newTestLocal(t)

	b, err := l.Sbrk(4096)
	require.NoError(t, err)
	require.Equal(t, uintptr(4096), b.Size)

	// Sbrk never touches the free list.
	require.Equal(t, uintptr(0), l.FreeBytes())
}

func TestGlobalRequiresInitialize(t *testing.T) {
	global = nil

	require.Panics(t, func() { Alloc(8, 8) })
}

func TestGlobalInitializeThenAlloc(t *testing.T) {
	t.Cleanup(func() { global = nil })

	require.NoError(t, Initialize(WithReservationSize(1<<20)))

	b, ok := TryAlloc(32, 8)
	require.True(t, ok)

	Free(b)
}
