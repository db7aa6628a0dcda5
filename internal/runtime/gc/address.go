// Package gc implements an Immix-style mark-region garbage collector core:
// a block/line allocator with a bump-pointer fast path, a large-object
// space, a tracing marker with opportunistic evacuation, a hole-histogram
// driven sweep/recycling policy, and a safepoint/stop-the-world protocol.
//
// The package consumes three host-provided collaborators rather than
// reimplementing them: TypeDescriptor (per-object-type RTTI), RootProvider
// (root enumeration) and VMProvider (virtual-memory primitives).
package gc

import "unsafe"

// Address is a raw machine-word pointer into heap memory managed by this
// package. It is deliberately a uintptr rather than unsafe.Pointer: every
// byte it addresses lives in memory obtained from a VMProvider, outside
// the Go runtime's own heap, so tagging its low bits is safe and the Go
// garbage collector never attempts to interpret it as a pointer.
type Address uintptr

// NullAddress is the zero address; every API in this package treats it as
// "no value" rather than a valid heap location.
const NullAddress Address = 0

// AddressOf returns the Address of the memory an unsafe.Pointer refers to.
func AddressOf(p unsafe.Pointer) Address { return Address(uintptr(p)) }

// ToPointer converts back to an unsafe.Pointer for dereferencing.
func (a Address) ToPointer() unsafe.Pointer { return unsafe.Pointer(uintptr(a)) }

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool { return a == NullAddress }

// Offset returns a+delta, where delta may be negative.
func (a Address) Offset(delta int) Address { return Address(int(a) + delta) }

// Add returns a+n for an unsigned byte count.
func (a Address) Add(n uintptr) Address { return a + Address(n) }

// Sub returns a-n for an unsigned byte count.
func (a Address) Sub(n uintptr) Address { return a - Address(n) }

// Diff returns a-b as a signed byte distance.
func (a Address) Diff(b Address) int { return int(a) - int(b) }

// AlignedDown rounds a down to the nearest multiple of align (a power of two).
func (a Address) AlignedDown(align uintptr) Address {
	return Address(uintptr(a) &^ (align - 1))
}

// AlignedUp rounds a up to the nearest multiple of align (a power of two).
func (a Address) AlignedUp(align uintptr) Address {
	return Address((uintptr(a) + align - 1) &^ (align - 1))
}

// IsAligned reports whether a is a multiple of align (a power of two).
func (a Address) IsAligned(align uintptr) bool {
	return uintptr(a)&(align-1) == 0
}

// alignUsize rounds size up to the nearest multiple of align, mirroring
// original_source/src/util.rs's align_usize.
func alignUsize(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}
