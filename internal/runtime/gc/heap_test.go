//go:build unix

package gc

import (
	"testing"
	"unsafe"
)

type listNode struct {
	next Address
}

var listNodeType = RegisterType(&TypeDescriptor{
	HeapSize: func(Address) uintptr { return unsafe.Sizeof(listNode{}) },
	VisitReferences: func(obj Address, t *Tracer) {
		n := (*listNode)(obj.ToPointer())
		t.Trace(&n.next)
	},
})

func newTestHeap(t *testing.T, blocks int) *Heap {
	t.Helper()
	h, err := Init(NewConfig(
		WithHeapSize(uintptr(blocks)*BlockSize),
		WithVM(UnixVM{}),
	))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHeapAllocReturnsUsablePayload(t *testing.T) {
	h := newTestHeap(t, 9)
	m := h.RegisterMainThread()
	defer h.UnregisterThread(m)

	payload, err := h.Alloc(m, unsafe.Sizeof(listNode{}), listNodeType)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	n := (*listNode)(payload.ToPointer())
	n.next = NullAddress // must not fault

	hdr := headerAt(headerFromPayload(payload))
	if hdr.RTTI() != listNodeType {
		t.Error("the allocated cell's header should carry the type descriptor passed to Alloc")
	}
}

func TestHeapCollectReclaimsUnreachableKeepsRooted(t *testing.T) {
	h := newTestHeap(t, 9)
	m := h.RegisterMainThread()
	defer h.UnregisterThread(m)

	root, err := h.Alloc(m, unsafe.Sizeof(listNode{}), listNodeType)
	if err != nil {
		t.Fatalf("Alloc(root): %v", err)
	}
	(*listNode)(root.ToPointer()).next = NullAddress

	garbage, err := h.Alloc(m, unsafe.Sizeof(listNode{}), listNodeType)
	if err != nil {
		t.Fatalf("Alloc(garbage): %v", err)
	}
	(*listNode)(garbage.ToPointer()).next = NullAddress

	h.AddRootProvider(RootProviderFunc(func(precise *Tracer, _ *ConservativeTracer) {
		precise.Trace(&root)
	}))

	h.Collect(m, false)

	rootHeader := headerAt(headerFromPayload(root))
	if rootHeader.Mark() != h.currentMark {
		t.Error("a rooted object must carry the new mark polarity after collection")
	}

	garbageHeader := headerAt(headerFromPayload(garbage))
	if garbageHeader.Mark() == h.currentMark {
		t.Error("an unreachable object must not carry the new mark polarity after collection")
	}
}

func TestHeapCollectFollowsChainOfReferences(t *testing.T) {
	h := newTestHeap(t, 9)
	m := h.RegisterMainThread()
	defer h.UnregisterThread(m)

	tail, err := h.Alloc(m, unsafe.Sizeof(listNode{}), listNodeType)
	if err != nil {
		t.Fatal(err)
	}
	(*listNode)(tail.ToPointer()).next = NullAddress

	head, err := h.Alloc(m, unsafe.Sizeof(listNode{}), listNodeType)
	if err != nil {
		t.Fatal(err)
	}
	(*listNode)(head.ToPointer()).next = tail

	h.AddRootProvider(RootProviderFunc(func(precise *Tracer, _ *ConservativeTracer) {
		precise.Trace(&head)
	}))

	h.Collect(m, false)

	headHdr := headerAt(headerFromPayload(head))
	tailHdr := headerAt(headerFromPayload((*listNode)(head.ToPointer()).next))
	if headHdr.Mark() != h.currentMark {
		t.Error("head should survive as a direct root")
	}
	if tailHdr.Mark() != h.currentMark {
		t.Error("tail should survive transitively, reached only through head.next")
	}
}

func TestHeapFinalizerRunsOnDeath(t *testing.T) {
	h := newTestHeap(t, 9)
	m := h.RegisterMainThread()
	defer h.UnregisterThread(m)

	finalized := make(chan Address, 1)
	finType := RegisterType(&TypeDescriptor{
		HeapSize:          func(Address) uintptr { return 8 },
		NeedsFinalization: true,
		Finalizer:         func(obj Address) { finalized <- obj },
	})

	_, err := h.Alloc(m, 8, finType)
	if err != nil {
		t.Fatal(err)
	}

	h.Collect(m, false) // nothing rooted: the object should die and be finalized

	select {
	case <-finalized:
	default:
		t.Error("an unreachable finalizable object should be finalized during collection")
	}
}

type boxNode struct {
	value int64
}

var boxType = RegisterType(&TypeDescriptor{
	HeapSize: func(Address) uintptr { return unsafe.Sizeof(boxNode{}) },
})

// TestHeapForcedEvacuationRelocatesAndRewritesRoot is spec.md §8 scenario
// 2 ("primitive box survival"): a rooted object is moved by a forced
// collect(move_objects=true) and the root slot is rewritten to the new
// address, end to end through Heap.Collect rather than just the
// collector's block-selection heuristic.
func TestHeapForcedEvacuationRelocatesAndRewritesRoot(t *testing.T) {
	h := newTestHeap(t, 9)
	m := h.RegisterMainThread()
	defer h.UnregisterThread(m)

	box1, err := h.Alloc(m, unsafe.Sizeof(boxNode{}), boxType)
	if err != nil {
		t.Fatal(err)
	}
	(*boxNode)(box1.ToPointer()).value = 42
	before := box1

	h.AddRootProvider(RootProviderFunc(func(precise *Tracer, _ *ConservativeTracer) {
		precise.Trace(&box1)
	}))

	stats := h.Collect(m, true)
	if !stats.Evacuated {
		t.Fatal("collect(move_objects=true) should report Evacuated")
	}
	if box1 == before {
		t.Fatal("a forced evacuating cycle should have relocated the only live object in its block")
	}
	if (*boxNode)(box1.ToPointer()).value != 42 {
		t.Errorf("box1.value after evacuation = %d, want 42", (*boxNode)(box1.ToPointer()).value)
	}

	box2, err := h.Alloc(m, unsafe.Sizeof(boxNode{}), boxType)
	if err != nil {
		t.Fatal(err)
	}
	(*boxNode)(box2.ToPointer()).value = 3

	if (*boxNode)(box1.ToPointer()).value != 42 {
		t.Errorf("box1.value after a further allocation = %d, want 42", (*boxNode)(box1.ToPointer()).value)
	}
	if (*boxNode)(box2.ToPointer()).value != 3 {
		t.Errorf("box2.value = %d, want 3", (*boxNode)(box2.ToPointer()).value)
	}
}

// TestHeapArraySmashSurvivesRepeatedForcedEvacuation is spec.md §8
// scenario 3 ("array smash"): 7,000 small cells, a forced evacuating
// collection every 3,000 allocations, then a final forced collection;
// every cell must still read back its original (or deliberately
// mutated) value afterwards.
func TestHeapArraySmashSurvivesRepeatedForcedEvacuation(t *testing.T) {
	h := newTestHeap(t, 16)
	m := h.RegisterMainThread()
	defer h.UnregisterThread(m)

	const n = 7000
	cells := make([]Address, n)

	h.AddRootProvider(RootProviderFunc(func(precise *Tracer, _ *ConservativeTracer) {
		for i := range cells {
			if !cells[i].IsNull() {
				precise.Trace(&cells[i])
			}
		}
	}))

	for i := 0; i < n; i++ {
		addr, err := h.Alloc(m, unsafe.Sizeof(boxNode{}), boxType)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", i, err)
		}
		(*boxNode)(addr.ToPointer()).value = int64(i)
		cells[i] = addr
		if (i+1)%3000 == 0 {
			h.Collect(m, true)
		}
	}

	(*boxNode)(cells[10].ToPointer()).value = -1
	(*boxNode)(cells[n-1].ToPointer()).value = -2

	h.Collect(m, true)

	for i, addr := range cells {
		want := int64(i)
		switch i {
		case 10:
			want = -1
		case n - 1:
			want = -2
		}
		if got := (*boxNode)(addr.ToPointer()).value; got != want {
			t.Fatalf("cells[%d].value = %d, want %d", i, got, want)
		}
	}
}
