// Command gcbench runs a GCBench-style binary-tree churn benchmark
// against the Immix core, ported from
// original_source/bdwgcvsimmix-bench/benches/gcbench-immix.rs: build one
// long-lived tree, then allocate and discard many short-lived trees of
// increasing depth across several concurrent mutators.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/immixgc/internal/cli"
	"github.com/orizon-lang/immixgc/internal/runtime/gc"
)

// liveRoots holds the precise roots this benchmark keeps reachable
// across an internal collection: the long-lived tree, plus each
// worker's most recently completed churn tree. A real embedder
// typically registers roots at a finer grain (every pending allocation
// site, or a shadow stack); this harness only needs enough rooting to
// demonstrate the RootProvider contract without dragging in a full
// shadow-stack implementation.
var liveRoots struct {
	mu      sync.Mutex
	entries []gc.Address
}

func setLiveRoot(slot int, addr gc.Address) {
	liveRoots.mu.Lock()
	for len(liveRoots.entries) <= slot {
		liveRoots.entries = append(liveRoots.entries, gc.NullAddress)
	}
	liveRoots.entries[slot] = addr
	liveRoots.mu.Unlock()
}

func visitLiveRoots(precise *gc.Tracer, _ *gc.ConservativeTracer) {
	liveRoots.mu.Lock()
	defer liveRoots.mu.Unlock()
	for i := range liveRoots.entries {
		precise.Trace(&liveRoots.entries[i])
	}
}

type treeNode struct {
	left, right gc.Address
}

const nodeSize = 16 // two 8-byte Address fields

var nodeType = gc.RegisterType(&gc.TypeDescriptor{
	HeapSize: func(obj gc.Address) uintptr { return nodeSize },
	VisitReferences: func(obj gc.Address, t *gc.Tracer) {
		n := (*treeNode)(obj.ToPointer())
		t.Trace(&n.left)
		t.Trace(&n.right)
	},
})

func makeTree(h *gc.Heap, m *gc.Mutator, depth int) gc.Address {
	payload, err := h.Alloc(m, nodeSize, nodeType)
	if err != nil {
		cli.ExitWithError("alloc failed: %v", err)
	}
	n := (*treeNode)(payload.ToPointer())
	if depth <= 0 {
		n.left, n.right = gc.NullAddress, gc.NullAddress
		return payload
	}
	n.left = makeTree(h, m, depth-1)
	n.right = makeTree(h, m, depth-1)
	return payload
}

func treeChecksum(payload gc.Address, depth int) int {
	if depth <= 0 {
		return 1
	}
	n := (*treeNode)(payload.ToPointer())
	return 1 + treeChecksum(n.left, depth-1) + treeChecksum(n.right, depth-1)
}

func main() {
	var (
		minDepth    = flag.Int("min-depth", 4, "minimum tree depth")
		maxDepth    = flag.Int("max-depth", 16, "maximum (long-lived) tree depth")
		workers     = flag.Int("workers", 4, "concurrent mutator goroutines churning short-lived trees")
		heapSizeMB  = flag.Int("heap-mb", 512, "initial heap reservation, in MiB")
		moveFinal   = flag.Bool("move-objects", false, "force the final collection to evacuate (collect(move_objects=true))")
		jsonOut     = flag.Bool("json", false, "print a single JSON summary line instead of prose")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		cli.PrintVersion("gcbench", *jsonOut)
		os.Exit(0)
	}

	logger := log.New(os.Stderr, "gcbench: ", log.LstdFlags)
	heap, err := gc.Init(gc.NewConfig(
		gc.WithHeapSize(uintptr(*heapSizeMB)*1024*1024),
		gc.WithLogger(logger),
	))
	if err != nil {
		cli.ExitWithError("heap init failed: %v", err)
	}
	defer heap.Close()

	heap.AddRootProvider(gc.RootProviderFunc(visitLiveRoots))

	rootMutator := heap.RegisterMainThread()
	defer heap.UnregisterThread(rootMutator)

	start := time.Now()

	longLived := makeTree(heap, rootMutator, *maxDepth)
	longLivedSum := treeChecksum(longLived, *maxDepth)
	setLiveRoot(0, longLived)

	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			m := heap.RegisterThread()
			defer heap.UnregisterThread(m)
			for d := *minDepth; d <= *maxDepth; d += 2 {
				iterations := 1 << uint(*maxDepth-d+*minDepth)
				for i := 0; i < iterations; i++ {
					t := makeTree(heap, m, d)
					setLiveRoot(w+1, t)
					if treeChecksum(t, d) == 0 {
						return fmt.Errorf("worker %d: impossible zero checksum", w)
					}
					m.Yieldpoint()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cli.ExitWithError("benchmark worker failed: %v", err)
	}

	elapsed := time.Since(start)
	stats := heap.Collect(rootMutator, *moveFinal)

	if *jsonOut {
		fmt.Printf(`{"elapsed_ms":%d,"long_lived_checksum":%d,"blocks_freed":%d,"blocks_recyclable":%d,"evacuated":%t}`+"\n",
			elapsed.Milliseconds(), longLivedSum, stats.BlocksFreed, stats.BlocksRecyclable, stats.Evacuated)
		return
	}
	fmt.Printf("gcbench: %d workers, depths %d..%d, long-lived checksum %d, elapsed %s\n",
		*workers, *minDepth, *maxDepth, longLivedSum, elapsed)
	fmt.Printf("final collection: freed=%d recyclable=%d unavailable=%d evacuated=%t reclaimed=%dB\n",
		stats.BlocksFreed, stats.BlocksRecyclable, stats.BlocksUnavailable, stats.Evacuated, stats.BytesReclaimed)
}
