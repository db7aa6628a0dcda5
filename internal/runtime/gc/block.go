package gc

// Block is a BlockSize-aligned region split into fixed-size lines, per
// spec.md §3/§4.1. Line 0 sits over the block's metadata header and is
// permanently excluded from hole scanning; the allocator only ever hands
// out bytes from line 1 onward. Unlike original_source/src/block.rs,
// which embeds this header inline in the mmap'd bytes, the Go port keeps
// Block as a side struct addressed by the block's Base — the payload
// region is still reserved to start one line in, so the byte-level
// invariants of spec.md §4.1 hold exactly.
type Block struct {
	Base                Address
	lines               lineBitmap
	allocated           bool
	holeCount           int
	evacuationCandidate bool
}

// NewBlock wraps a freshly committed BlockSize-aligned region.
func NewBlock(base Address) *Block {
	return &Block{Base: base}
}

// Reset clears a block for reuse in the free pool, matching the
// "unavailable/recyclable → free" transition of spec.md §3's lifecycle.
func (b *Block) Reset() {
	b.lines.reset()
	b.allocated = false
	b.evacuationCandidate = false
	b.holeCount = 0
}

func (b *Block) lineIndex(addr Address) int {
	return int(uintptr(addr.Diff(b.Base))) / LineSize
}

// MarkLine marks the line containing addr as live.
func (b *Block) MarkLine(addr Address) {
	line := b.lineIndex(addr)
	if line >= 0 && line < LinesPerBlock {
		b.lines.set(line)
	}
}

// MarkObject marks every line an object of size bytes at addr intersects,
// plus one trailing line, per spec.md §4.1's "conservative implicit
// small-object overflow" rule.
func (b *Block) MarkObject(addr Address, size uintptr) {
	start := b.lineIndex(addr)
	end := b.lineIndex(addr.Add(size))
	if end >= LinesPerBlock {
		end = LinesPerBlock - 1
	}
	trailing := end + 1
	if trailing >= LinesPerBlock {
		trailing = LinesPerBlock - 1
	}
	if start < 0 {
		start = 0
	}
	for l := start; l <= trailing; l++ {
		b.lines.set(l)
	}
}

// ScanHole returns the next (low, high) hole at or after startOffset bytes
// into the block, implementing spec.md §4.1's hole-scan procedure exactly:
// advance past marked lines, collect a run of unmarked lines, align low up
// to 16 bytes, and skip (retrying from the following line) a hole too
// narrow to hold any 16-byte-aligned address.
func (b *Block) ScanHole(startOffset uintptr) (low, high Address, ok bool) {
	line := int(startOffset / LineSize)
	if line < 1 {
		line = 1
	}
	for line < LinesPerBlock {
		for line < LinesPerBlock && b.lines.get(line) {
			line++
		}
		if line >= LinesPerBlock {
			return 0, 0, false
		}
		runStart := line
		for line < LinesPerBlock && !b.lines.get(line) {
			line++
		}
		runEnd := line // exclusive

		lowByte := uintptr(runStart) * LineSize
		highByte := uintptr(runEnd)*LineSize - 1
		lowAligned := alignUsize(lowByte, objectAlignment)
		if lowAligned <= highByte {
			return b.Base.Add(lowAligned), b.Base.Add(highByte), true
		}
		// Hole too narrow for any 16-byte-aligned start; retry past it.
	}
	return 0, 0, false
}

// CountHoles recomputes and caches hole_count by one linear pass over the
// line bitmap (lines 1..LinesPerBlock-1).
func (b *Block) CountHoles() int {
	holes := 0
	inHole := false
	for line := 1; line < LinesPerBlock; line++ {
		if !b.lines.get(line) {
			if !inHole {
				holes++
				inHole = true
			}
		} else {
			inHole = false
		}
	}
	b.holeCount = holes
	return holes
}

// CountHolesAndMarkedLines returns the cached hole_count and a fresh tally
// of marked lines.
func (b *Block) CountHolesAndMarkedLines() (holes, marked int) {
	marked = b.lines.popcount()
	return b.holeCount, marked
}

// CountHolesAndAvailableLines returns the cached hole_count and the number
// of unmarked (available) lines.
func (b *Block) CountHolesAndAvailableLines() (holes, available int) {
	marked := b.lines.popcount()
	available = (LinesPerBlock - 1) - marked
	return b.holeCount, available
}

// HasMarkedLines reports whether any line is marked, used by sweep to
// decide between "return to free pool" and "recount holes".
func (b *Block) HasMarkedLines() bool { return b.lines.anySet() }

// IsFull reports whether the hole count cached by the last CountHoles is
// zero, i.e. every usable line was marked at that count (the
// "unavailable" classification of spec.md §4.5). A block whose holes
// were never counted reports true.
func (b *Block) IsFull() bool { return b.holeCount == 0 }
