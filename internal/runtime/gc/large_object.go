package gc

import (
	"sort"
	"unsafe"
)

const halfAlignment = objectAlignment / 2 // 8

// preciseAllocation is the per-object header preceding a large-object
// cell, grounded on original_source/src/large_object_space.rs's
// PreciseAllocation. Its own liveness is tracked through the cell's
// ordinary object header (one mark-polarity check works uniformly across
// the Immix and large-object spaces); this struct only keeps the
// bookkeeping spec.md §3 lists: cell_size, adjusted_alignment,
// has_valid_cell, index_in_space.
type preciseAllocation struct {
	base               Address // the raw VM allocation, for Release
	cellSize           uintptr
	adjustedAlignment  bool
	hasValidCell       bool
	indexInSpace       int
}

func preciseHeaderSize() uintptr {
	sz := unsafe.Sizeof(preciseAllocation{})
	return (alignUsize(sz, halfAlignment)) | halfAlignment
}

// cell returns the address of the object header, which is guaranteed to
// be HALF_ALIGNMENT-aligned but not ALIGNMENT-aligned — the bit test
// spec.md §3/§4.4 uses to distinguish a large-object pointer from an
// Immix-space pointer.
func (p *preciseAllocation) cell() Address {
	return AddressOf(unsafe.Pointer(p)).Add(preciseHeaderSize())
}

// IsPreciseAllocation reports whether addr (an object header address) was
// produced by the large-object space, per spec.md §4.4's single-bit test.
func IsPreciseAllocation(addr Address) bool {
	return uintptr(addr)&halfAlignment != 0
}

func preciseFromCell(cellAddr Address) *preciseAllocation {
	raw := cellAddr.Sub(preciseHeaderSize())
	return (*preciseAllocation)(raw.ToPointer())
}

func (p *preciseAllocation) aboveLowerBound(addr Address) bool {
	return addr >= p.cell()
}

func (p *preciseAllocation) belowUpperBound(addr Address) bool {
	end := p.cell().Add(p.cellSize)
	return addr <= end.Add(8)
}

func (p *preciseAllocation) contains(addr Address) bool {
	return p.aboveLowerBound(addr) && p.belowUpperBound(addr)
}

// LargeObjectSpace holds one VM allocation per object, each at least
// LargeObjectThreshold bytes, kept in an address-sorted slice for
// binary-search membership tests, per spec.md §4.4.
type LargeObjectSpace struct {
	vm              VMProvider
	allocations     []*preciseAllocation
	currentLiveMark bool
}

// NewLargeObjectSpace creates an empty space backed by vm.
func NewLargeObjectSpace(vm VMProvider) *LargeObjectSpace {
	return &LargeObjectSpace{vm: vm}
}

// Alloc allocates a size-byte large object tagged with rtti, returning its
// header address, or NullAddress if the underlying VM allocation failed.
func (s *LargeObjectSpace) Alloc(size uintptr, rtti *TypeDescriptor) Address {
	headerSize := preciseHeaderSize()
	total := headerSize + size + halfAlignment

	base, err := s.vm.Reserve(total)
	if err != nil {
		return NullAddress
	}
	if err := s.vm.Commit(base, total); err != nil {
		_ = s.vm.Release(base, total)
		return NullAddress
	}

	space := base
	adjusted := false
	if uintptr(space)&(objectAlignment-1) != 0 {
		space = space.Add(halfAlignment)
		adjusted = true
	}

	p := (*preciseAllocation)(space.ToPointer())
	*p = preciseAllocation{
		base:              base,
		cellSize:          size,
		adjustedAlignment: adjusted,
		hasValidCell:      true,
		indexInSpace:      len(s.allocations),
	}

	cellAddr := p.cell()
	h := headerAt(cellAddr)
	h.tagged = newHeaderWord(rtti, s.currentLiveMark)

	s.allocations = append(s.allocations, p)
	if len(s.allocations) > 1 && s.allocations[len(s.allocations)-1].cell() < s.allocations[len(s.allocations)-2].cell() {
		s.sort()
	}
	return cellAddr
}

func (s *LargeObjectSpace) sort() {
	sort.Slice(s.allocations, func(i, j int) bool {
		return s.allocations[i].cell() < s.allocations[j].cell()
	})
}

// Contains reports whether p names a live cell in this space.
func (s *LargeObjectSpace) Contains(p Address) bool {
	if len(s.allocations) == 0 {
		return false
	}
	if !s.allocations[0].aboveLowerBound(p) || !s.allocations[len(s.allocations)-1].belowUpperBound(p) {
		return false
	}
	target := preciseFromCell(p)
	idx := sort.Search(len(s.allocations), func(i int) bool {
		return s.allocations[i].cell() >= target.cell()
	})
	return idx < len(s.allocations) && s.allocations[idx] == target
}

// Sweep destroys every cell whose header mark bit does not equal
// currentLiveMark's new polarity, invoking its finalizer first, and
// returns the number of bytes reclaimed. Surviving cells keep their slot;
// the slice stays sorted since destruction never reorders the remainder.
func (s *LargeObjectSpace) Sweep(newPolarity bool) (reclaimed uintptr) {
	kept := s.allocations[:0]
	for _, p := range s.allocations {
		cellAddr := p.cell()
		h := headerAt(cellAddr)
		live := p.hasValidCell && h.Mark() == newPolarity
		if live {
			kept = append(kept, p)
			continue
		}
		if p.hasValidCell {
			if rtti := safeRTTI(h); rtti != nil && rtti.Finalizer != nil {
				rtti.Finalizer(payloadAddress(cellAddr))
			}
			p.hasValidCell = false
			total := preciseHeaderSize() + p.cellSize + halfAlignment
			_ = s.vm.Release(p.base, total)
			reclaimed += p.cellSize
		}
	}
	s.allocations = kept
	for i, p := range s.allocations {
		p.indexInSpace = i
	}
	return reclaimed
}

// LiveBytes sums the cell sizes of every live allocation, used by the
// heap's threshold-growth policy (SPEC_FULL.md §10).
func (s *LargeObjectSpace) LiveBytes() uintptr {
	var total uintptr
	for _, p := range s.allocations {
		if p.hasValidCell {
			total += p.cellSize
		}
	}
	return total
}

func safeRTTI(h *objectHeader) *TypeDescriptor {
	if h.IsForwarded() {
		return nil
	}
	return h.RTTI()
}
