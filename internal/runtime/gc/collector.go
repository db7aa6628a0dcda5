package gc

import "unsafe"

// Collector drives one collection cycle: root scan, mark (with
// opportunistic evacuation), and sweep/classification, per spec.md §4.5.
// A Collector is created fresh for each cycle by Heap.Collect; it holds
// no state that needs to survive between cycles except what it reads
// from and writes back to the Heap's spaces and blocks.
type Collector struct {
	heap *Heap

	newPolarity bool
	evacuating  bool

	worklist     []Address
	conservative []conservativeRange

	evacCursor    blockCursor
	evacBlocksUsed []*Block

	stats CollectionStats
}

// CollectionStats summarizes one cycle, returned by Heap.Collect for
// logging/tuning (spec.md §8's "observable effect" properties).
type CollectionStats struct {
	BytesReclaimed   uintptr
	BlocksFreed      int
	BlocksRecyclable int
	BlocksUnavailable int
	Evacuated        bool
}

func newCollector(heap *Heap) *Collector {
	return &Collector{heap: heap}
}

// run executes one full cycle. The caller (Heap.Collect) must already
// hold the world stopped (every mutator retired and past the
// safepoint) before calling this. forceEvac is spec.md §6's
// collect(move_objects=true): when set, every block in the universe
// becomes an evacuation candidate unconditionally, mirroring
// original_source/src/collector.rs's prepare_collection "emergency"
// branch, instead of only the blocks the hole histogram selects.
func (c *Collector) run(providers []RootProvider, forceEvac bool) CollectionStats {
	oldPolarity := c.heap.currentMark
	c.newPolarity = !oldPolarity

	universe := c.heap.immix.drainAll()

	evacTrigger, _, evacOn := c.heap.tunables.snapshot()
	c.evacuating = evacOn && (forceEvac || c.shouldEvacuate(universe, evacTrigger))
	switch {
	case c.evacuating && forceEvac:
		for _, b := range universe {
			b.evacuationCandidate = true
		}
	case c.evacuating:
		c.establishHoleThreshold(universe, evacTrigger)
	default:
		for _, b := range universe {
			b.evacuationCandidate = false
		}
	}

	for _, b := range universe {
		b.lines.reset()
	}

	precise := &Tracer{collector: c}
	conservative := &ConservativeTracer{collector: c}
	for _, p := range providers {
		p.VisitRoots(precise, conservative)
	}
	c.scanConservativeRanges()
	c.markLoop()

	// Finalizers run before sweep, while every dead cell's memory is still
	// committed and its header still readable.
	c.heap.currentMark = c.newPolarity
	c.heap.processFinalizers()

	if c.evacCursor.block != nil {
		c.evacBlocksUsed = append(c.evacBlocksUsed, c.evacCursor.block)
		c.evacCursor = blockCursor{}
	}
	universe = append(universe, c.evacBlocksUsed...)

	reclaimedLarge := c.heap.large.Sweep(c.newPolarity)

	stats := c.sweepBlocks(universe)
	stats.BytesReclaimed += reclaimedLarge
	stats.Evacuated = c.evacuating

	c.heap.large.currentLiveMark = c.newPolarity

	c.heap.immix.EnsureHeadroom()
	c.heap.immix.releaseExcessHeadroom()

	c.stats = stats
	return stats
}

// shouldEvacuate implements spec.md §4.5's trigger: evacuate when the
// fraction of available (unmarked) lines across the blocks of this
// cycle's universe falls below EVAC_TRIGGER_THRESHHOLD, i.e. the heap is fragmented enough that
// bump allocation alone will thrash on tiny holes.
func (c *Collector) shouldEvacuate(universe []*Block, evacTrigger float64) bool {
	if len(universe) == 0 {
		return false
	}
	totalLines := 0
	availableLines := 0
	for _, b := range universe {
		_, available := b.CountHolesAndAvailableLines()
		totalLines += LinesPerBlock - 1
		availableLines += available
	}
	if totalLines == 0 {
		return false
	}
	return float64(availableLines)/float64(totalLines) < evacTrigger
}

// establishHoleThreshold implements spec.md §4.5's hole-histogram scan:
// bucket blocks by their (cached, pre-reset) hole count, then walk the
// histogram from most- to least-fragmented, accumulating available lines
// until the running total covers EVAC_TRIGGER_THRESHHOLD of the space's
// total available lines. Every block at or above the resulting hole
// count becomes an evacuation candidate for this cycle's mark pass.
func (c *Collector) establishHoleThreshold(universe []*Block, evacTrigger float64) {
	histogram := make(map[int]int) // holeCount -> available lines
	totalAvailable := 0
	maxHoles := 0
	for _, b := range universe {
		holes, available := b.CountHolesAndAvailableLines()
		histogram[holes] += available
		totalAvailable += available
		if holes > maxHoles {
			maxHoles = holes
		}
	}
	if totalAvailable == 0 {
		return
	}
	target := int(float64(totalAvailable) * evacTrigger)
	threshold := 0
	accumulated := 0
	for holes := maxHoles; holes >= 1; holes-- {
		if accumulated >= target {
			threshold = holes + 1
			break
		}
		accumulated += histogram[holes]
		threshold = holes
	}
	for _, b := range universe {
		b.evacuationCandidate = b.holeCount >= threshold && b.holeCount > 0 && !b.IsFull()
	}
}

// push adds addr to the mark worklist. Deduplication happens lazily at
// pop time by checking the header's mark bit against newPolarity, per
// spec.md §4.5 step 1 — this avoids a separate "already visited" set.
func (c *Collector) push(addr Address) {
	c.worklist = append(c.worklist, addr)
}

// markLoop drains the worklist, implementing spec.md §4.5 steps 1-3:
// skip already-marked headers, set the mark bit and the owning block's
// line marks, then invoke the type descriptor's reference visitor to
// push every outgoing slot (after evacuating it, if eligible).
func (c *Collector) markLoop() {
	for len(c.worklist) > 0 {
		n := len(c.worklist)
		addr := c.worklist[n-1]
		c.worklist = c.worklist[:n-1]

		h := headerAt(addr)
		if h.IsForwarded() {
			continue
		}
		if h.Mark() == c.newPolarity {
			continue
		}
		h.SetMark(c.newPolarity)

		if c.heap.immix.FilterFast(addr) {
			c.heap.immix.bitmap.Set(addr)
			if blk, ok := c.heap.immix.BlockFor(addr); ok {
				size := headerSize
				if rtti := h.RTTI(); rtti != nil {
					size += rtti.HeapSize(payloadAddress(addr))
				}
				blk.MarkObject(addr, size)
			}
		}

		if rtti := h.RTTI(); rtti != nil && rtti.VisitReferences != nil {
			rtti.VisitReferences(payloadAddress(addr), &Tracer{collector: c})
		}
	}
}

// traceSlot implements spec.md §4.5's per-slot logic: follow an existing
// forwarding pointer, opportunistically evacuate a reference into an
// evacuation-candidate block, or else just enqueue the target.
func (c *Collector) traceSlot(slot *Address) {
	target := *slot
	if target.IsNull() {
		return
	}
	h := headerAt(target)
	if h.IsForwarded() {
		*slot = h.ForwardingAddress()
		return
	}
	if c.evacuating && !h.Pinned() && !IsPreciseAllocation(target) {
		if blk, ok := c.heap.immix.BlockFor(target); ok && blk.evacuationCandidate {
			if dst, ok := c.evacuateObject(target, h); ok {
				*slot = dst
				c.push(dst)
				return
			}
		}
	}
	c.push(target)
}

// evacuateObject copies the object at oldAddr into a fresh headroom
// block and installs a forwarding pointer, per spec.md §4.5's relocation
// step. Returns ok=false (leaving the object in place) if headroom is
// exhausted, matching the "evacuation degrades to marking in place when
// out of to-space" fallback original_source/src/collector.rs documents.
func (c *Collector) evacuateObject(oldAddr Address, h *objectHeader) (Address, bool) {
	rtti := h.RTTI()
	if rtti == nil {
		return NullAddress, false
	}
	size := headerSize + rtti.HeapSize(payloadAddress(oldAddr))
	dst := c.allocateEvac(size)
	if dst.IsNull() {
		return NullAddress, false
	}
	copyBytes(dst, oldAddr, size)
	h.Forward(dst)
	c.heap.immix.bitmap.Set(dst)
	return dst, true
}

// allocateEvac bump-allocates size bytes from the collector's own
// headroom cursor, pulling fresh blocks from ImmixSpace's headroom
// reserve as needed.
func (c *Collector) allocateEvac(size uintptr) Address {
	size = alignUsize(size, objectAlignment)
	for {
		if c.evacCursor.block != nil && c.evacCursor.cursor.Add(size) <= c.evacCursor.limit.Add(1) {
			addr := c.evacCursor.cursor
			c.evacCursor.cursor = addr.Add(size)
			return addr
		}
		if c.evacCursor.block != nil {
			offset := uintptr(c.evacCursor.cursor.Diff(c.evacCursor.block.Base))
			if low, high, ok := c.evacCursor.block.ScanHole(offset); ok {
				c.evacCursor.cursor, c.evacCursor.limit = low, high
				continue
			}
			c.evacBlocksUsed = append(c.evacBlocksUsed, c.evacCursor.block)
			c.evacCursor = blockCursor{}
		}
		blk, ok := c.heap.immix.AcquireHeadroomBlock()
		if !ok {
			return NullAddress
		}
		low, high, ok2 := blk.ScanHole(0)
		if !ok2 {
			c.evacBlocksUsed = append(c.evacBlocksUsed, blk)
			continue
		}
		c.evacCursor.block, c.evacCursor.cursor, c.evacCursor.limit = blk, low, high
	}
}

// sweepBlocks recounts holes on every block that was part of this
// cycle's universe and classifies it free/recyclable/unavailable, per
// spec.md §4.5's final step.
func (c *Collector) sweepBlocks(universe []*Block) CollectionStats {
	var stats CollectionStats
	for _, b := range universe {
		holes := b.CountHoles()
		switch {
		case !b.HasMarkedLines():
			stats.BlocksFreed++
			stats.BytesReclaimed += BlockSize
			c.heap.immix.reclassifyFree(b)
		case holes == 0:
			stats.BlocksUnavailable++
			c.heap.immix.reclassifyUnavailable(b)
		default:
			stats.BlocksRecyclable++
			c.heap.immix.reclassifyRecyclable(b)
		}
	}
	return stats
}

func copyBytes(dst, src Address, n uintptr) {
	d := unsafe.Slice((*byte)(dst.ToPointer()), n)
	s := unsafe.Slice((*byte)(src.ToPointer()), n)
	copy(d, s)
}
