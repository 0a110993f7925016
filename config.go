package ralloc

import (
	"go.uber.org/zap"

	"github.com/redox-os/ralloc/brk"
)

// Config holds the tunables for a Local (or the process-global)
// allocator, set via Option functions passed to NewLocal or Initialize.
type Config struct {
	// Security zeroes every freed block's contents, trading performance
	// for resistance against use-after-free information disclosure.
	Security bool

	// DebugTools enables leak tracking and wrong-size-free and double-free
	// detection. Costs memory and CPU; meant for development builds. It
	// does not turn on free-list invariant checking: CheckInvariants runs
	// only when called, whether or not this is set.
	DebugTools bool

	// TrimThreshold is how many spare bytes are left at the tail of the
	// heap as a cushion when trimming after a free.
	TrimThreshold uintptr

	// BrkGranularity is the rounding unit used when extending the heap.
	BrkGranularity uintptr

	// ReservationSize is the size of the virtual address range reserved
	// up front for the break emulation (see package brk).
	ReservationSize uintptr

	// Logger, if set, receives a structured trace record for every
	// state-changing allocator operation.
	Logger *zap.Logger

	// PerThreadOOM makes SetOOMHandler register the handler for the
	// calling goroutine only, instead of replacing the allocator-wide
	// default. Goroutines that never call SetOOMHandler themselves still
	// fall back to the allocator-wide handler, if any.
	PerThreadOOM bool
}

// Option mutates a Config. Passed to NewLocal or Initialize.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		TrimThreshold:   64 * 1024,
		BrkGranularity:  4096,
		ReservationSize: brk.DefaultReservation,
	}
}

// WithSecurity toggles zeroing of freed memory.
func WithSecurity(enabled bool) Option {
	return func(c *Config) { c.Security = enabled }
}

// WithDebugTools toggles leak tracking and wrong-size-free and
// double-free detection (see Config.DebugTools).
func WithDebugTools(enabled bool) Option {
	return func(c *Config) { c.DebugTools = enabled }
}

// WithTrimThreshold sets the spare-bytes cushion kept at the heap tail.
func WithTrimThreshold(n uintptr) Option {
	return func(c *Config) { c.TrimThreshold = n }
}

// WithBrkGranularity sets the rounding unit for heap extension.
func WithBrkGranularity(n uintptr) Option {
	return func(c *Config) { c.BrkGranularity = n }
}

// WithReservationSize sets the address-space reservation for the break
// emulation. Mainly useful for tests that want a small footprint.
func WithReservationSize(n uintptr) Option {
	return func(c *Config) { c.ReservationSize = n }
}

// WithLogger attaches a zap logger that receives a trace record for
// every state-changing allocator operation.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithPerThreadOOM makes SetOOMHandler scope the handler it installs to
// the calling goroutine rather than the whole allocator.
func WithPerThreadOOM(enabled bool) Option {
	return func(c *Config) { c.PerThreadOOM = enabled }
}
