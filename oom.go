package ralloc

import (
	"fmt"

	"github.com/redox-os/ralloc/block"
)

// OOMHandler is invoked when an allocation cannot be satisfied even after
// extending the heap. By convention it is a diverging function: it
// should report the failure (log, abort the process, unwind a panic) and
// never return normally. If it does return, the facade treats that as a
// bug in the handler and panics itself rather than hand back a block
// that was never actually obtained.
type OOMHandler func(requested uintptr)

func defaultOOMHandler(requested uintptr) {
	panic(fmt.Sprintf("ralloc: out of memory allocating %d bytes", requested))
}

// resolveOOMHandler picks the handler that applies to the calling
// goroutine: its own per-thread override, if PerThreadOOM is enabled and
// one was registered, else the allocator-wide default.
func (l *Local) resolveOOMHandler() OOMHandler {
	l.oomMu.Lock()
	defer l.oomMu.Unlock()

	if l.perThreadOOM {
		if h, ok := l.threadOOM[currentGoroutineID()]; ok {
			return h
		}
	}

	return l.oom
}

func (l *Local) invokeOOM(requested uintptr) block.Block {
	h := l.resolveOOMHandler()
	if h == nil {
		h = defaultOOMHandler
	}

	h(requested)

	panic("ralloc: OOM handler returned instead of diverging")
}
