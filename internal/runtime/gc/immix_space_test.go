//go:build unix

package gc

import "testing"

func newTestImmixSpace(t *testing.T, blocks int) *ImmixSpace {
	t.Helper()
	a, err := NewBlockAllocator(UnixVM{}, uintptr(blocks)*BlockSize, nil)
	if err != nil {
		t.Fatalf("NewBlockAllocator: %v", err)
	}
	t.Cleanup(func() { _ = a.Release() })
	return NewImmixSpace(a, nil)
}

func TestImmixSpaceAllocSmall(t *testing.T) {
	s := newTestImmixSpace(t, 2)
	m := &Mutator{}

	a1 := s.AllocSmall(m, 32)
	a2 := s.AllocSmall(m, 32)
	if a1.IsNull() || a2.IsNull() {
		t.Fatal("AllocSmall should succeed on a fresh space")
	}
	if a2 != a1.Add(32) {
		t.Errorf("second allocation should bump-allocate right after the first: a1=0x%x a2=0x%x", uintptr(a1), uintptr(a2))
	}
	if !s.bitmap.Test(a1) || !s.bitmap.Test(a2) {
		t.Error("every allocation should set its object-start bit")
	}
}

func TestImmixSpaceAllocMediumSeparateFromSmall(t *testing.T) {
	s := newTestImmixSpace(t, 2)
	m := &Mutator{}

	small := s.AllocSmall(m, 32)
	medium := s.AllocMedium(m, 512)
	if small.IsNull() || medium.IsNull() {
		t.Fatal("both allocations should succeed")
	}
	if m.small.block == m.overflow.block {
		t.Error("small and medium allocations should use distinct cursors/blocks")
	}
}

func TestImmixSpaceFilter(t *testing.T) {
	s := newTestImmixSpace(t, 1)
	m := &Mutator{}
	addr := s.AllocSmall(m, 32)

	t.Run("ExactHit", func(t *testing.T) {
		start, ok := s.Filter(addr)
		if !ok || start != addr {
			t.Errorf("Filter(%x) = %x, %v; want %x, true", uintptr(addr), uintptr(start), ok, uintptr(addr))
		}
	})

	t.Run("InteriorPointerFallback", func(t *testing.T) {
		interior := addr.Add(headerSize + 4)
		start, ok := s.Filter(interior)
		if !ok || start != addr {
			t.Errorf("Filter(interior) = %x, %v; want %x, true", uintptr(start), ok, uintptr(addr))
		}
	})

	t.Run("OutOfSpace", func(t *testing.T) {
		if _, ok := s.Filter(Address(0xdeadbeef)); ok {
			t.Error("an address outside the reservation must not pass Filter")
		}
	})
}

func TestImmixSpaceRetireMutatorAndBlockFor(t *testing.T) {
	s := newTestImmixSpace(t, 1)
	m := &Mutator{}
	addr := s.AllocSmall(m, 32)

	blk, ok := s.BlockFor(addr)
	if !ok {
		t.Fatal("BlockFor should find the block backing a known address")
	}
	if blk != m.small.block {
		t.Error("BlockFor should return the same block the mutator is bump-allocating into")
	}

	s.RetireMutator(m)
	if m.small.block != nil {
		t.Error("RetireMutator should clear the mutator's cursor")
	}

	universe := s.drainAll()
	found := false
	for _, b := range universe {
		if b == blk {
			found = true
		}
	}
	if !found {
		t.Error("a retired block should appear in drainAll's universe")
	}
}

func TestImmixSpaceHeadroom(t *testing.T) {
	s := newTestImmixSpace(t, EvacHeadroom+2)
	s.EnsureHeadroom()
	if len(s.headroom) != EvacHeadroom {
		t.Fatalf("headroom = %d, want %d", len(s.headroom), EvacHeadroom)
	}
	blk, ok := s.AcquireHeadroomBlock()
	if !ok {
		t.Fatal("AcquireHeadroomBlock should succeed while headroom is non-empty")
	}
	if len(s.headroom) != EvacHeadroom-1 {
		t.Error("AcquireHeadroomBlock should remove one block from the reserve")
	}
	_ = blk
}
