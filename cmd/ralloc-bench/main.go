// Package main provides a small demonstration and smoke-test driver for
// the ralloc allocator: it initializes the global allocator, runs a
// randomized workload of allocations, frees and reallocations, and
// reports basic statistics along with every state-changing operation
// (when -log is passed).
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"go.uber.org/zap"

	"github.com/redox-os/ralloc"
	"github.com/redox-os/ralloc/block"
)

func main() {
	var (
		ops      = flag.Int("ops", 10000, "number of alloc/free operations to run")
		security = flag.Bool("security", false, "zero memory on free")
		debug    = flag.Bool("debug", true, "enable invariant checking and leak tracking")
		logging  = flag.Bool("log", false, "emit a structured trace for every operation")
		seed     = flag.Int64("seed", 1, "random seed")
	)

	flag.Parse()

	opts := []ralloc.Option{
		ralloc.WithSecurity(*security),
		ralloc.WithDebugTools(*debug),
	}

	if *logging {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, "ralloc-bench:", err)
			os.Exit(1)
		}

		opts = append(opts, ralloc.WithLogger(logger))
	}

	if err := ralloc.Initialize(opts...); err != nil {
		fmt.Fprintln(os.Stderr, "ralloc-bench: initialize:", err)
		os.Exit(1)
	}

	ralloc.SetOOMHandler(func(requested uintptr) {
		fmt.Fprintf(os.Stderr, "ralloc-bench: out of memory allocating %d bytes\n", requested)
		os.Exit(1)
	})

	rng := rand.New(rand.NewSource(*seed))
	live := make([]block.Block, 0, *ops)

	for i := 0; i < *ops; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			ralloc.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]

			continue
		}

		size := uintptr(rng.Intn(4096) + 1)
		align := uintptr(1) << rng.Intn(7)

		b := ralloc.Alloc(size, align)
		live = append(live, b)
	}

	for _, b := range live {
		ralloc.Free(b)
	}

	fmt.Printf("ops=%d live-at-end=%d\n", *ops, len(live))

	if *debug {
		if err := ralloc.GlobalCheckInvariants(); err != nil {
			fmt.Fprintln(os.Stderr, "ralloc-bench: invariant violation:", err)
			os.Exit(1)
		}
	}
}
