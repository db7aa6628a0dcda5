package gc

import (
	"log"
	"sync"
	"sync/atomic"

	gcerrors "github.com/orizon-lang/immixgc/internal/errors"
	"golang.org/x/sync/singleflight"
)

// Heap is the top-level controller spec.md §6 exposes to the embedding
// host: it owns the Immix and large-object spaces, the safepoint
// coordinator, and the registered root providers, and is the single
// entry point for Init/RegisterThread/Alloc/Collect.
type Heap struct {
	immix *ImmixSpace
	large *LargeObjectSpace
	vm    VMProvider
	log   *log.Logger

	safepoint *safepointCoordinator
	collectG  singleflight.Group

	rootsMu sync.Mutex
	roots   []RootProvider

	finalizersMu sync.Mutex
	finalizers   []Address

	currentMark  bool
	bytesSinceGC uint64 // atomic
	threshold    uint64 // atomic

	tunables  *tunables
	stopWatch chan struct{}
}

// Init builds a Heap from cfg (nil selects NewConfig() defaults),
// reserving cfg.HeapSize bytes of address space up front.
func Init(cfg *Config) (*Heap, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	alloc, err := NewBlockAllocator(cfg.VM, cfg.HeapSize, cfg.Logger)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		immix:     NewImmixSpace(alloc, cfg.Logger),
		large:     NewLargeObjectSpace(cfg.VM),
		vm:        cfg.VM,
		log:       cfg.Logger,
		safepoint: newSafepointCoordinator(cfg.VM, cfg.Logger),
		tunables:  cfg.tunables,
		stopWatch: make(chan struct{}),
	}
	h.threshold = uint64(smallHeapBlocks * BlockSize)
	h.immix.EnsureHeadroom()
	cfg.watchFile(cfg.Logger, h.stopWatch)
	return h, nil
}

// Close stops the config file watcher (if any) and releases the
// reserved address space. Only safe once every Mutator has been
// unregistered.
func (h *Heap) Close() error {
	close(h.stopWatch)
	return h.immix.allocator.Release()
}

// AddRootProvider registers p to be consulted at the start of every
// subsequent collection, per spec.md §1's root-callback contract.
func (h *Heap) AddRootProvider(p RootProvider) {
	h.rootsMu.Lock()
	h.roots = append(h.roots, p)
	h.rootsMu.Unlock()
}

func (h *Heap) rootsSnapshot() []RootProvider {
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	out := make([]RootProvider, len(h.roots))
	copy(out, h.roots)
	return out
}

// RegisterMainThread and RegisterThread both create a Mutator bound to
// this heap and register it with the safepoint coordinator; the
// distinction exists only because spec.md §6 names both entry points
// (the main thread typically also owns process-lifetime root
// providers registered once at startup).
func (h *Heap) RegisterMainThread() *Mutator { return h.newMutator() }
func (h *Heap) RegisterThread() *Mutator     { return h.newMutator() }

func (h *Heap) newMutator() *Mutator {
	m := &Mutator{heap: h}
	h.safepoint.register(m)
	return m
}

// UnregisterThread removes m from the safepoint coordinator's thread
// list and retires any blocks it still holds.
func (h *Heap) UnregisterThread(m *Mutator) {
	h.immix.RetireMutator(m)
	h.safepoint.unregister(m)
}

// Alloc services one allocation request, dispatching by size to the
// small/medium Immix fast paths or the large-object space, per spec.md
// §4.3/§4.4. On exhaustion it runs one synchronous non-evacuating
// collection and retries; if that still fails it escalates to spec.md
// §4.7 step 3's emergency evacuating cycle (collect(move_objects=true))
// for one final retry before reporting OutOfMemory.
func (h *Heap) Alloc(m *Mutator, size uintptr, rtti *TypeDescriptor) (Address, error) {
	if size == 0 {
		size = 1
	}
	cell, isLarge := h.tryAlloc(m, size, rtti)
	if cell.IsNull() {
		h.Collect(m, false)
		cell, isLarge = h.tryAlloc(m, size, rtti)
	}
	if cell.IsNull() {
		h.Collect(m, true)
		cell, isLarge = h.tryAlloc(m, size, rtti)
	}
	if cell.IsNull() {
		return NullAddress, gcerrors.OutOfMemory(size, h.heapBytes())
	}
	total := size
	if !isLarge {
		total += headerSize
	}
	atomic.AddUint64(&h.bytesSinceGC, uint64(total))
	if !isLarge && rtti != nil && rtti.NeedsFinalization {
		// Large objects finalize themselves inline in
		// LargeObjectSpace.Sweep, which also unmaps the cell; tracking
		// them here too would run the finalizer twice and then read
		// through released memory.
		h.registerFinalizer(cell)
	}
	if h.shouldCollectNow() {
		// spec.md §4.7 step 2: threshold crossed mid-allocation runs an
		// emergency cycle too, but a non-evacuating one — moveObjects is
		// reserved for the exhaustion retries above.
		h.Collect(m, false)
	}
	return payloadAddress(cell), nil
}

func (h *Heap) tryAlloc(m *Mutator, size uintptr, rtti *TypeDescriptor) (cell Address, isLarge bool) {
	if size >= LargeObjectThreshold {
		return h.large.Alloc(size, rtti), true
	}
	total := headerSize + size
	var addr Address
	if total >= LineSize {
		addr = h.immix.AllocMedium(m, total)
	} else {
		addr = h.immix.AllocSmall(m, total)
	}
	if !addr.IsNull() {
		headerAt(addr).tagged = newHeaderWord(rtti, h.currentMark)
	}
	return addr, false
}

func (h *Heap) registerFinalizer(cell Address) {
	h.finalizersMu.Lock()
	h.finalizers = append(h.finalizers, cell)
	h.finalizersMu.Unlock()
}

// shouldCollectNow implements the byte-counter threshold plus the
// free-block-fraction early trigger: collect either once bytesSinceGC
// crosses the adaptive threshold (see nextThreshold), or as soon as
// available blocks fall below
// thresholdFraction of total capacity, whichever comes first.
func (h *Heap) shouldCollectNow() bool {
	if atomic.LoadUint64(&h.bytesSinceGC) >= atomic.LoadUint64(&h.threshold) {
		return true
	}
	total := h.immix.allocator.TotalBlocks()
	if total == 0 {
		return false
	}
	available := h.immix.allocator.AvailableBlocks()
	return float64(available)/float64(total) < thresholdFraction
}

// Collect runs one stop-the-world cycle, per spec.md §6's
// collect(move_objects: bool): moveObjects requests an evacuating
// cycle unconditionally, overriding the usual hole-histogram heuristic
// (see Collector.run). initiator may be nil for a collection triggered
// outside any registered mutator (e.g. an operator-driven gcctl
// request); concurrent callers are deduplicated through singleflight
// so only one cycle actually runs per "collect" key, on top of (not
// instead of) the safepoint coordinator's own GC_RUNNING CAS, which
// also catches cycles started outside Heap.Collect.
func (h *Heap) Collect(initiator *Mutator, moveObjects bool) CollectionStats {
	v, _, _ := h.collectG.Do("collect", func() (interface{}, error) {
		if !h.safepoint.start() {
			return CollectionStats{}, nil
		}
		defer h.safepoint.end()

		threads := h.safepoint.waitForTheWorld(initiator)
		for _, m := range threads {
			h.immix.RetireMutator(m)
		}
		if initiator != nil {
			h.immix.RetireMutator(initiator)
		}

		c := newCollector(h)
		stats := c.run(h.rootsSnapshot(), moveObjects)

		atomic.StoreUint64(&h.bytesSinceGC, 0)
		live := h.liveBytes(stats)
		atomic.StoreUint64(&h.threshold, uint64(h.nextThreshold(live)))

		return stats, nil
	})
	return v.(CollectionStats)
}

func (h *Heap) liveBytes(stats CollectionStats) uintptr {
	blocks := uintptr(stats.BlocksRecyclable + stats.BlocksUnavailable)
	return blocks*BlockSize + h.large.LiveBytes()
}

// nextThreshold applies the 1.75x growth law of SPEC_FULL.md §10
// (original_source/src/lib.rs's threshold policy), threshold ←
// max(threshold, growth × live), with the grown value floored at a
// fixed small-heap size so a nearly-empty heap doesn't collect on
// every other allocation.
func (h *Heap) nextThreshold(liveBytes uintptr) uintptr {
	_, growth, _ := h.tunables.snapshot()
	next := uintptr(smallHeapBlocks) * BlockSize
	if liveBytes >= smallHeapCutoff {
		next = uintptr(float64(liveBytes) * growth)
		if next < smallHeapThreshold {
			next = smallHeapThreshold
		}
	}
	if cur := uintptr(atomic.LoadUint64(&h.threshold)); next < cur {
		next = cur
	}
	return next
}

// processFinalizers is called by Collector.run after marking and before
// sweep, inside the STW window, once currentMark holds the new polarity:
// any tracked cell whose header is neither forwarded nor marked with the
// new polarity died this cycle and gets its TypeDescriptor.Finalizer
// invoked exactly once.
func (h *Heap) processFinalizers() {
	h.finalizersMu.Lock()
	defer h.finalizersMu.Unlock()
	kept := h.finalizers[:0]
	for _, addr := range h.finalizers {
		hdr := headerAt(addr)
		if hdr.IsForwarded() {
			kept = append(kept, hdr.ForwardingAddress())
			continue
		}
		if hdr.Mark() == h.currentMark {
			kept = append(kept, addr)
			continue
		}
		if rtti := hdr.RTTI(); rtti != nil && rtti.Finalizer != nil {
			rtti.Finalizer(payloadAddress(addr))
		}
	}
	h.finalizers = kept
}

func (h *Heap) heapBytes() uintptr {
	return uintptr(h.immix.allocator.TotalBlocks()) * BlockSize
}
