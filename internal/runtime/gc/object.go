package gc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// typeRegistry keeps every registered TypeDescriptor permanently reachable
// from Go's own GC roots. Object headers store a *TypeDescriptor as a bare
// uintptr (see newHeaderWord) so that its tag bits can share the low three
// bits of the word; without this registry Go's garbage collector would be
// free to reclaim a descriptor that is only "referenced" from inside
// VM-provided memory it never scans.
var typeRegistry = struct {
	mu   sync.Mutex
	keep []*TypeDescriptor
}{}

// RegisterType records rtti as process-lifetime and returns it. Every
// TypeDescriptor passed to Heap.Alloc must have gone through this
// function exactly once, typically at program init.
func RegisterType(rtti *TypeDescriptor) *TypeDescriptor {
	typeRegistry.mu.Lock()
	defer typeRegistry.mu.Unlock()
	typeRegistry.keep = append(typeRegistry.keep, rtti)
	return rtti
}

const (
	headerMarkBit      = uintptr(1) << 0
	headerForwardedBit = uintptr(1) << 1
	headerPinnedBit    = uintptr(1) << 2
	headerTagMask      = headerMarkBit | headerForwardedBit | headerPinnedBit
)

// TypeDescriptor is the host-supplied per-type RTTI record spec.md §3/§6
// requires: size, field tracing and an optional finalizer. It must be
// allocated so that its address is a multiple of 8 (true of any Go struct
// containing a pointer field, on every architecture this package targets),
// since the header packs tag bits into the descriptor pointer's low bits.
type TypeDescriptor struct {
	// HeapSize returns the payload size in bytes of the object whose
	// payload (not header) address is obj — the same Address Heap.Alloc
	// handed back to the caller.
	HeapSize func(obj Address) uintptr

	// VisitReferences invokes tracer.Trace(slot) for every outgoing
	// reference slot inside the object at payload address obj. Each
	// slot is expected to hold a payload Address (or NullAddress),
	// exactly the form the embedder received from Heap.Alloc and
	// presumably stored in its own fields.
	VisitReferences func(obj Address, tracer *Tracer)

	// NeedsFinalization, if true, causes newly-allocated cells using this
	// descriptor to be pushed onto the heap's finalizer queue.
	NeedsFinalization bool

	// Finalizer is invoked at most once per cell, either by large-object
	// sweep or by the heap's post-mark finalizer pass.
	Finalizer func(obj Address)
}

// objectHeader is the single tagged word preceding every heap object,
// exactly as spec.md §3 describes. It is never itself a Go pointer type:
// the memory it lives in is host/VM-provided, not GC-tracked by Go.
type objectHeader struct {
	tagged uintptr
}

func headerAt(a Address) *objectHeader {
	return (*objectHeader)(a.ToPointer())
}

// newHeaderWord packs a type-descriptor pointer and the live-mark polarity
// into one tagged word.
func newHeaderWord(rtti *TypeDescriptor, mark bool) uintptr {
	w := uintptr(unsafe.Pointer(rtti))
	if mark {
		w |= headerMarkBit
	}
	return w
}

func (h *objectHeader) atomic() *atomic.Uintptr {
	return (*atomic.Uintptr)(unsafe.Pointer(&h.tagged))
}

func (h *objectHeader) load() uintptr { return h.atomic().Load() }

// Mark reports the header's current mark bit.
func (h *objectHeader) Mark() bool { return h.load()&headerMarkBit != 0 }

// SetMark sets the mark bit to v, preserving forwarded/pinned bits and the
// descriptor pointer.
func (h *objectHeader) SetMark(v bool) {
	for {
		old := h.load()
		var next uintptr
		if v {
			next = old | headerMarkBit
		} else {
			next = old &^ headerMarkBit
		}
		if next == old || h.atomic().CompareAndSwap(old, next) {
			return
		}
	}
}

// Pinned reports whether a conservative scan has pinned this object. The
// bit is not cleared at the end of a cycle: it stays set until the cell
// is re-initialised by a later allocation.
func (h *objectHeader) Pinned() bool { return h.load()&headerPinnedBit != 0 }

// Pin sets the pinned bit; only the header re-initialisation of a new
// allocation in the same cell clears it.
func (h *objectHeader) Pin() {
	for {
		old := h.load()
		next := old | headerPinnedBit
		if next == old || h.atomic().CompareAndSwap(old, next) {
			return
		}
	}
}

// IsForwarded reports whether this header now holds a forwarding address
// instead of a descriptor pointer.
func (h *objectHeader) IsForwarded() bool { return h.load()&headerForwardedBit != 0 }

// Forward installs a forwarding pointer to dst, setting the forwarded bit.
// Per spec.md §4.5 this is idempotent: tracing an already-evacuated object
// must return the same new address.
func (h *objectHeader) Forward(dst Address) {
	h.atomic().Store(uintptr(dst) | headerForwardedBit)
}

// ForwardingAddress returns the relocated address; valid only if
// IsForwarded() is true.
func (h *objectHeader) ForwardingAddress() Address {
	return Address(h.load() &^ headerTagMask)
}

// RTTI returns the type descriptor; valid only if !IsForwarded().
func (h *objectHeader) RTTI() *TypeDescriptor {
	return (*TypeDescriptor)(unsafe.Pointer(h.load() &^ headerTagMask))
}

const headerSize = unsafe.Sizeof(objectHeader{})

// payloadAddress returns the address of the user payload following the
// header at cellAddr.
func payloadAddress(cellAddr Address) Address { return cellAddr.Add(headerSize) }

// headerFromPayload recovers the header address given a payload address.
func headerFromPayload(payload Address) Address { return payload.Sub(headerSize) }

// Tracer is passed to TypeDescriptor.VisitReferences during marking. It
// implements spec.md §4.5's slot-rewriting mark loop: forwarded targets
// are followed, evacuation-candidate targets are relocated, everything
// else is simply pushed onto the worklist.
type Tracer struct {
	collector *Collector
}

// Trace visits *slot, which must currently hold the payload Address of a
// live (or about-to-be-proven-live) object, or NullAddress, possibly
// rewriting *slot in place if the target is forwarded or gets evacuated
// by this call. Internally the collector tracks objects by header
// address; Trace converts at this boundary so the embedder only ever
// sees the payload addresses it allocated.
func (t *Tracer) Trace(slot *Address) {
	payload := *slot
	if payload.IsNull() {
		return
	}
	header := headerFromPayload(payload)
	t.collector.traceSlot(&header)
	*slot = payloadAddress(header)
}

// ConservativeTracer receives memory ranges to be scanned word-by-word for
// possible interior pointers, per spec.md §1/§9: "(ii) a root-enumeration
// callback that yields precise roots and conservative memory regions."
// This is also how this port implements conservative stack scanning (see
// SPEC_FULL.md §4.8): the embedder supplies the ranges, since Go exposes
// no stable raw goroutine stack memory to scan directly.
type ConservativeTracer struct {
	collector *Collector
}

// Add registers [begin, end) as a conservative region for the current
// cycle.
func (c *ConservativeTracer) Add(begin, end Address) {
	c.collector.addConservativeRange(begin, end)
}
