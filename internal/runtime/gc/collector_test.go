package gc

import (
	"testing"
	"unsafe"
)

func markLines(b *Block, from, to int) {
	for l := from; l < to; l++ {
		b.lines.set(l)
	}
	b.CountHoles()
}

func TestCollectorShouldEvacuate(t *testing.T) {
	c := &Collector{}

	t.Run("FragmentedHeapTriggersEvacuation", func(t *testing.T) {
		var blocks []*Block
		for i := 0; i < 4; i++ {
			b := NewBlock(Address(uintptr(i+1) * BlockSize))
			markLines(b, 1, LinesPerBlock-2) // almost entirely full
			blocks = append(blocks, b)
		}
		if !c.shouldEvacuate(blocks, EvacTriggerThreshold) {
			t.Error("a heap with almost no available lines should trigger evacuation")
		}
	})

	t.Run("SpaciousHeapDoesNotEvacuate", func(t *testing.T) {
		var blocks []*Block
		for i := 0; i < 4; i++ {
			b := NewBlock(Address(uintptr(i+10) * BlockSize))
			markLines(b, 1, 3) // only a couple lines used
			blocks = append(blocks, b)
		}
		if c.shouldEvacuate(blocks, EvacTriggerThreshold) {
			t.Error("a mostly-empty heap should not trigger evacuation")
		}
	})

	t.Run("EmptyUniverse", func(t *testing.T) {
		if c.shouldEvacuate(nil, EvacTriggerThreshold) {
			t.Error("an empty universe should never trigger evacuation")
		}
	})
}

func TestCollectorEstablishHoleThreshold(t *testing.T) {
	c := &Collector{}

	fragmented := NewBlock(Address(100 * BlockSize))
	for l := 1; l < LinesPerBlock; l += 2 {
		fragmented.lines.set(l) // alternating lines: maximally fragmented
	}
	fragmented.CountHoles()

	tidy := NewBlock(Address(101 * BlockSize))
	markLines(tidy, 1, LinesPerBlock-1) // one giant marked run, tiny hole

	c.establishHoleThreshold([]*Block{fragmented, tidy}, EvacTriggerThreshold)

	if !fragmented.evacuationCandidate {
		t.Error("the most fragmented block should be chosen as an evacuation candidate")
	}
}

func TestCollectorTraceSlotFollowsForwarding(t *testing.T) {
	c := &Collector{heap: &Heap{}}
	rtti := RegisterType(&TypeDescriptor{HeapSize: func(Address) uintptr { return 8 }})

	var word uintptr
	h := (*objectHeader)(unsafe.Pointer(&word))
	h.tagged = newHeaderWord(rtti, false)

	dst := Address(0x99990)
	h.Forward(dst)

	slot := AddressOf(unsafe.Pointer(&word))
	c.traceSlot(&slot)

	if slot != dst {
		t.Errorf("traceSlot should rewrite the slot to the forwarding address: got 0x%x, want 0x%x", uintptr(slot), uintptr(dst))
	}
}

func TestCollectorTraceSlotPushesUnforwardedTarget(t *testing.T) {
	c := &Collector{heap: &Heap{}}
	rtti := RegisterType(&TypeDescriptor{HeapSize: func(Address) uintptr { return 8 }})

	var word uintptr
	h := (*objectHeader)(unsafe.Pointer(&word))
	h.tagged = newHeaderWord(rtti, false)

	target := AddressOf(unsafe.Pointer(&word))
	slot := target
	c.traceSlot(&slot)

	if slot != target {
		t.Error("traceSlot should leave an unforwarded, non-evacuating target's slot unchanged")
	}
	if len(c.worklist) != 1 || c.worklist[0] != target {
		t.Error("traceSlot should push the target onto the worklist")
	}
}
