// Package brk wraps the platform's single process break-pointer concept.
// Go offers no sbrk(2) wrapper, so the break is realized as a large
// PROT_NONE virtual-address reservation that is committed (mprotect'd
// readable/writable) as the break advances and decommitted as it
// retreats — addresses handed out by Extend never move, which is the
// property the bookkeeper actually depends on (see spec.md §4.4 and
// SPEC_FULL.md §0). The mmap/mprotect pairing follows the same shape as
// cznic/memory's mmap-backed page allocator in the retrieval pack.
package brk

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/redox-os/ralloc/block"
	"github.com/redox-os/ralloc/rerrors"
)

// Source is the BreakManager contract the bookkeeper depends on. It is an
// interface so tests can inject a manager that fails deterministically
// (spec.md §8 scenario 5, the OOM path).
type Source interface {
	// Extend returns a Block spanning [old break, old break+n) and
	// advances the break monotonically by n.
	Extend(n uintptr) (block.Block, error)

	// Shrink lowers the break by n. The caller must guarantee the vacated
	// span is the current tail of the heap and not live.
	Shrink(n uintptr) error

	// Floor is the address of the first byte this manager ever committed.
	Floor() uintptr

	// Current is the current break address.
	Current() uintptr
}

// DefaultReservation is the size of the virtual address range reserved by
// NewManager. Only the prefix up to the current break is ever committed,
// so this costs address space, not physical memory.
const DefaultReservation = 1 << 32 // 4 GiB

// Manager is the default, mmap-backed Source.
type Manager struct {
	mu           sync.Mutex
	reservation  []byte
	base         uintptr
	used         uintptr
	reservedSize uintptr
	pageSize     uintptr
}

// NewManager reserves DefaultReservation bytes of address space and
// returns a Manager with its break initialized to the start of that
// reservation (used == 0).
func NewManager() (*Manager, error) {
	return NewManagerSize(DefaultReservation)
}

// NewManagerSize is NewManager with an explicit reservation size, mainly
// for tests that want a small address-space footprint.
func NewManagerSize(size uintptr) (*Manager, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, rerrors.BreakFailure("mmap reservation", err)
	}

	return &Manager{
		reservation:  data,
		base:         uintptr(unsafe.Pointer(&data[0])),
		reservedSize: size,
		pageSize:     uintptr(os.Getpagesize()),
	}, nil
}

// Close releases the entire reservation. Only meaningful for local
// (non-global) allocators being torn down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reservation == nil {
		return nil
	}

	err := unix.Munmap(m.reservation)
	m.reservation = nil

	return err
}

func (m *Manager) pageAlign(n uintptr) uintptr {
	return (n + m.pageSize - 1) &^ (m.pageSize - 1)
}

// Extend implements Source.
func (m *Manager) Extend(n uintptr) (block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n == 0 {
		return block.New(m.base+m.used, 0), nil
	}

	if m.used+n > m.reservedSize {
		return block.Block{}, rerrors.BreakFailure("extend", fmt.Errorf("reservation of %d bytes exhausted", m.reservedSize))
	}

	start := m.used
	aligned := m.pageAlign(start + n)
	if aligned > m.reservedSize {
		aligned = m.reservedSize
	}

	if err := unix.Mprotect(m.reservation[m.pageAlignDown(start):aligned], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return block.Block{}, rerrors.BreakFailure("mprotect commit", err)
	}

	base := m.base + start
	m.used = start + n

	return block.New(base, n), nil
}

func (m *Manager) pageAlignDown(n uintptr) uintptr {
	return n &^ (m.pageSize - 1)
}

// Shrink implements Source.
func (m *Manager) Shrink(n uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.used {
		return rerrors.BreakFailure("shrink", fmt.Errorf("cannot shrink %d bytes, only %d used", n, m.used))
	}

	newUsed := m.used - n

	decommitFrom := m.pageAlign(newUsed)
	decommitTo := m.pageAlign(m.used)

	if decommitTo > decommitFrom {
		region := m.reservation[decommitFrom:decommitTo]
		if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
			return rerrors.BreakFailure("madvise", err)
		}

		if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
			return rerrors.BreakFailure("mprotect decommit", err)
		}
	}

	m.used = newUsed

	return nil
}

// Floor implements Source.
func (m *Manager) Floor() uintptr {
	return m.base
}

// Current implements Source.
func (m *Manager) Current() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.base + m.used
}
