package gc

import "unsafe"

// RootProvider is the embedder hook spec.md §1/§6 calls the
// root-enumeration callback: the host language runtime is the only party
// that knows where its roots live (globals, VM value stacks, registers
// spilled to memory), so the collector asks for them through this
// interface instead of walking anything itself.
//
// VisitRoots is invoked once per registered provider at the start of
// every collection, strictly while every mutator is stopped at a
// safepoint (spec.md §4.6 step 3). It must report every precise root
// through precise.Trace and every conservative memory range through
// conservative.Add; spec.md §4.8/SPEC_FULL.md §4.8 rely on providers
// supplying the registers and stack regions of all of their own
// execution contexts, since this port does not scan raw goroutine
// stacks itself (Go exposes no stable, scannable byte range for them).
type RootProvider interface {
	VisitRoots(precise *Tracer, conservative *ConservativeTracer)
}

// RootProviderFunc adapts a plain function to RootProvider, matching the
// functional style of the teacher's internal/cli command-table helpers.
type RootProviderFunc func(precise *Tracer, conservative *ConservativeTracer)

func (f RootProviderFunc) VisitRoots(precise *Tracer, conservative *ConservativeTracer) {
	f(precise, conservative)
}

// conservativeRange is one [begin, end) byte range registered by a
// RootProvider for word-by-word interior-pointer scanning.
type conservativeRange struct {
	begin, end Address
}

// addConservativeRange records a region for the current cycle's
// conservative scan pass (step 2 of spec.md §4.5's mark procedure, run
// once roots are collected and before the worklist drains).
func (c *Collector) addConservativeRange(begin, end Address) {
	c.conservative = append(c.conservative, conservativeRange{begin: begin, end: end})
}

// scanConservativeRanges walks every registered range one word at a
// time, treating each aligned word as a possible interior or exact
// pointer and conservatively pinning + tracing anything that resolves to
// a live object start, per spec.md §4.8's conservative-scanning
// contract: a false positive merely keeps an object alive an extra
// cycle, so the scan never filters beyond "does this look like one of
// our pointers."
func (c *Collector) scanConservativeRanges() {
	const wordSize = uintptr(unsafe.Sizeof(Address(0)))
	for _, r := range c.conservative {
		for addr := r.begin; addr.Add(wordSize) <= r.end; addr = addr.Add(wordSize) {
			word := *(*Address)(addr.ToPointer())
			c.considerConservativeWord(word)
		}
	}
}

// considerConservativeWord tests whether word is a payload or header
// address naming a live object in either space, pinning it so the
// evacuator never relocates an object only reachable through an
// ambiguous reference, then pushes its header address for tracing. Since
// a raw stack/register word found by the conservative scan is always the
// payload address the embedder itself stored (never a header address),
// this also tries word-headerSize before giving up, mirroring
// ImmixSpace.Filter's own interior-pointer fallback.
func (c *Collector) considerConservativeWord(word Address) {
	if word.IsNull() {
		return
	}
	if header, ok := c.resolveLargeHeader(word); ok {
		headerAt(header).Pin()
		c.push(header)
		return
	}
	if start, ok := c.heap.immix.Filter(word); ok {
		headerAt(start).Pin()
		c.push(start)
	}
}

func (c *Collector) resolveLargeHeader(word Address) (Address, bool) {
	if IsPreciseAllocation(word) && c.heap.large.Contains(word) {
		return word, true
	}
	if candidate := word.Sub(headerSize); IsPreciseAllocation(candidate) && c.heap.large.Contains(candidate) {
		return candidate, true
	}
	return NullAddress, false
}
