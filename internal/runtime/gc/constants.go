package gc

// Tuning constants, compile-time in the original source; kept as typed
// constants here so call sites read the way spec.md §6 names them.
const (
	// BlockSize is the size, in bytes, of an Immix block, and its required
	// alignment.
	BlockSize = 32 * 1024

	// LineSize is the granularity of line marking within a block. The
	// specification allows 128/256/512/1024; 256 matches the original
	// source's default build and keeps the per-block bitmap a convenient
	// 128 bits (BlockSize/LineSize).
	LineSize = 256

	// LinesPerBlock is the number of lines in one block.
	LinesPerBlock = BlockSize / LineSize

	// LargeObjectThreshold is the minimum size, in bytes, handled by the
	// large-object space instead of the Immix space.
	LargeObjectThreshold = 8192

	// EvacHeadroom is the number of blocks held back from the mutator as
	// relocation destinations for an evacuating cycle.
	EvacHeadroom = 5

	// EvacTriggerThreshold is the fraction of available (unmarked) lines,
	// across the blocks a cycle collects, below which that cycle evacuates
	// (Collector.shouldEvacuate); it is also the share of available lines
	// establishHoleThreshold gathers. Free blocks still in the block
	// allocator and the headroom reserve are not counted.
	EvacTriggerThreshold = 0.25

	// UseEvacuation enables opportunistic evacuation at all; when false
	// every cycle is mark-only regardless of fragmentation.
	UseEvacuation = true

	// objectAlignment is the minimum alignment of any allocated cell;
	// spec.md §4.7 step 3 rounds every request up to this.
	objectAlignment = 16

	// smallHeapBlocks*BlockSize is the collection threshold Init starts
	// with and the one nextThreshold picks while live bytes stay below
	// smallHeapCutoff; smallHeapThreshold floors the grown threshold;
	// thresholdFraction is the free-block fraction below which
	// shouldCollectNow triggers a cycle. Init neither scales the threshold
	// to the heap size nor changes the configured heap size.
	smallHeapCutoff    = 512 * 1024
	smallHeapBlocks    = 16
	smallHeapThreshold = 100 * 1024
	thresholdFraction  = 0.30
	thresholdGrowth    = 1.75
)
