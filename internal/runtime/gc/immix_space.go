package gc

import (
	"log"
	"sync"
)

// blockCursor is a bump-pointer position within a block's current hole,
// shared by the small and medium allocation fast paths (spec.md §4.3).
type blockCursor struct {
	block  *Block
	cursor Address
	limit  Address // last usable byte (inclusive) of the current hole
}

// ImmixSpace is the mutator allocator of spec.md §4.3: a block allocator,
// a recyclable-block pool, an evacuation-headroom reserve, and the
// space-wide object-start bitmap used to filter arbitrary pointers.
type ImmixSpace struct {
	allocator *BlockAllocator
	bitmap    *spaceBitmap

	mu          sync.Mutex
	recyclable  []*Block
	allBlocks   []*Block
	headroom    []*Block
	unavailable []*Block // fully-marked blocks: no holes to allocate into, but still live and must be reswept
	blockIndex  map[Address]*Block // base -> block, for the collector's address->block lookup

	log *log.Logger
}

// NewImmixSpace wraps a BlockAllocator with the hole-based mutator
// allocation policy.
func NewImmixSpace(allocator *BlockAllocator, logger *log.Logger) *ImmixSpace {
	if logger == nil {
		logger = log.Default()
	}
	return &ImmixSpace{
		allocator:  allocator,
		bitmap:     newSpaceBitmap(BlockSize, objectAlignment),
		blockIndex: make(map[Address]*Block),
		log:        logger,
	}
}

// BlockFor looks up the Block containing addr, for the collector's
// mark-time line-accounting and evacuation-candidate checks.
func (s *ImmixSpace) BlockFor(addr Address) (*Block, bool) {
	base := addr.AlignedDown(BlockSize)
	s.mu.Lock()
	b, ok := s.blockIndex[base]
	s.mu.Unlock()
	return b, ok
}

func (s *ImmixSpace) registerBlock(b *Block) {
	s.mu.Lock()
	s.blockIndex[b.Base] = b
	s.mu.Unlock()
}

func (s *ImmixSpace) acquireBlock() (*Block, bool) {
	s.mu.Lock()
	if n := len(s.recyclable); n > 0 {
		b := s.recyclable[n-1]
		s.recyclable = s.recyclable[:n-1]
		s.mu.Unlock()
		return b, true
	}
	s.mu.Unlock()
	blk, ok := s.allocator.GetBlock()
	if ok {
		s.registerBlock(blk)
	}
	return blk, ok
}

func (s *ImmixSpace) retireBlock(b *Block) {
	s.mu.Lock()
	s.allBlocks = append(s.allBlocks, b)
	s.mu.Unlock()
}

// allocFrom implements the shared small/medium fast path: bump-allocate
// while the cursor fits the current hole; otherwise rescan the current
// block for the next hole; otherwise retire the block and acquire a new
// one (recyclable first, then fresh from the block allocator).
func (s *ImmixSpace) allocFrom(c *blockCursor, size uintptr) Address {
	size = alignUsize(size, objectAlignment)
	for {
		if c.block != nil && c.cursor.Add(size) <= c.limit.Add(1) {
			addr := c.cursor
			c.cursor = addr.Add(size)
			s.bitmap.Set(addr)
			return addr
		}
		if c.block != nil {
			offset := uintptr(c.cursor.Diff(c.block.Base))
			if low, high, ok := c.block.ScanHole(offset); ok {
				c.cursor, c.limit = low, high
				continue
			}
			s.retireBlock(c.block)
			c.block = nil
		}
		blk, ok := s.acquireBlock()
		if !ok {
			return NullAddress
		}
		low, high, ok2 := blk.ScanHole(0)
		if !ok2 {
			// A fresh/recycled block with no usable hole at all; retire it
			// (it will be reset and reclassified on the next sweep) and
			// keep looking.
			s.retireBlock(blk)
			continue
		}
		c.block, c.cursor, c.limit = blk, low, high
	}
}

// AllocSmall serves size < LineSize requests from the mutator's current
// block.
func (s *ImmixSpace) AllocSmall(m *Mutator, size uintptr) Address {
	return s.allocFrom(&m.small, size)
}

// AllocMedium serves LineSize <= size < LargeObjectThreshold requests
// from a separate overflow block, so a medium allocation never consumes a
// block that could still serve many small allocations (spec.md §4.3).
func (s *ImmixSpace) AllocMedium(m *Mutator, size uintptr) Address {
	return s.allocFrom(&m.overflow, size)
}

// RetireMutator pushes a suspended mutator's current and overflow blocks
// into allBlocks so sweep can see them, per the start-of-GC protocol step
// 4 (spec.md §4.6).
func (s *ImmixSpace) RetireMutator(m *Mutator) {
	if m.small.block != nil {
		s.retireBlock(m.small.block)
		m.small = blockCursor{}
	}
	if m.overflow.block != nil {
		s.retireBlock(m.overflow.block)
		m.overflow = blockCursor{}
	}
}

// FilterFast tests only region containment, for use on the mark path
// where the pointer is already known to be an object header.
func (s *ImmixSpace) FilterFast(addr Address) bool {
	return s.allocator.IsInSpace(addr)
}

// Filter tests whether addr points into this space within the 16-byte
// granule of a known object-start address (or addr-headerSize does, to
// tolerate an interior pointer naming the payload), per spec.md §4.3,
// and returns that object-start address.
func (s *ImmixSpace) Filter(addr Address) (Address, bool) {
	if !s.allocator.IsInSpace(addr) {
		return NullAddress, false
	}
	if s.bitmap.Test(addr) {
		return addr.AlignedDown(objectAlignment), true
	}
	if alt := addr.Sub(headerSize); s.bitmap.Test(alt) {
		return alt.AlignedDown(objectAlignment), true
	}
	return NullAddress, false
}

// drainAll returns and clears every block this space currently knows
// about that is eligible for resweep — retired-this-cycle and recyclable
// alike — so the collector's sweep pass can recount holes across the
// whole lived-in universe of blocks (a recyclable block untouched by any
// mutator this cycle can still have gained new holes, since objects
// inside it may have died). The headroom reserve is excluded: untouched
// headroom blocks hold nothing and stay reserved; blocks the evacuator
// actually consumed from headroom this cycle are tracked separately by
// the collector and fed back in alongside this list.
func (s *ImmixSpace) drainAll() []*Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Block, 0, len(s.allBlocks)+len(s.recyclable)+len(s.unavailable))
	all = append(all, s.allBlocks...)
	all = append(all, s.recyclable...)
	all = append(all, s.unavailable...)
	s.allBlocks, s.recyclable, s.unavailable = nil, nil, nil
	return all
}

func (s *ImmixSpace) reclassifyUnavailable(b *Block) {
	s.mu.Lock()
	s.unavailable = append(s.unavailable, b)
	s.mu.Unlock()
}

// reclassifyFree, reclassifyRecyclable and reclassifyUnavailable are
// called by the collector once per block after sweep, classifying it as
// free (returned to the allocator), recyclable (kept here for reuse), or
// unavailable (kept in the unavailable list, which drainAll hands to the
// next cycle's sweep).
func (s *ImmixSpace) reclassifyFree(b *Block) {
	s.bitmap.ClearBlock(b.Base)
	b.Reset()
	s.allocator.ReturnBlocks([]*Block{b})
}

func (s *ImmixSpace) reclassifyRecyclable(b *Block) {
	s.mu.Lock()
	s.recyclable = append(s.recyclable, b)
	s.mu.Unlock()
}

// EnsureHeadroom tops the evacuation-headroom reserve up to EvacHeadroom
// blocks, pulling fresh blocks from the allocator.
func (s *ImmixSpace) EnsureHeadroom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.headroom) < EvacHeadroom {
		blk, ok := s.allocator.GetBlock()
		if !ok {
			return
		}
		s.blockIndex[blk.Base] = blk // s.mu is already held; registerBlock would relock it
		s.headroom = append(s.headroom, blk)
	}
}

// AcquireHeadroomBlock pops a relocation destination block from the
// reserve for the evacuator.
func (s *ImmixSpace) AcquireHeadroomBlock() (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.headroom)
	if n == 0 {
		return nil, false
	}
	b := s.headroom[n-1]
	s.headroom = s.headroom[:n-1]
	return b, true
}

// releaseExcessHeadroom returns blocks beyond EvacHeadroom capacity back
// to the block allocator, called after sweep replenishes the reserve from
// freed blocks.
func (s *ImmixSpace) releaseExcessHeadroom() {
	s.mu.Lock()
	var excess []*Block
	for len(s.headroom) > EvacHeadroom {
		n := len(s.headroom)
		excess = append(excess, s.headroom[n-1])
		s.headroom = s.headroom[:n-1]
	}
	s.mu.Unlock()
	if len(excess) > 0 {
		s.allocator.ReturnBlocks(excess)
	}
}
