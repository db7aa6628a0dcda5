package gc

// ProtectMode selects the page protection applied by VMProvider.Protect.
type ProtectMode int

const (
	ProtectNone      ProtectMode = iota // no access; used to arm a safepoint trap
	ProtectReadWrite                    // normal mutator access
)

// VMProvider is the virtual-memory collaborator spec.md §1 lists as
// out-of-scope for the core: reserve/commit/decommit/protect. Its
// consumers are the block allocator, the large-object space (one
// reservation per object) and the safepoint page.
type VMProvider interface {
	// Reserve reserves (but does not necessarily commit) size bytes of
	// address space, aligned to BlockSize, returning its base address.
	Reserve(size uintptr) (Address, error)

	// Commit makes [addr, addr+size) backed by physical memory.
	Commit(addr Address, size uintptr) error

	// Decommit releases the physical backing of [addr, addr+size) without
	// releasing the address-space reservation, matching spec.md §4.2's
	// "decommits returned blocks".
	Decommit(addr Address, size uintptr) error

	// Protect changes the access mode of [addr, addr+size). Used by the
	// safepoint page (spec.md §4.6) to arm/disarm the page-protection trap.
	Protect(addr Address, size uintptr, mode ProtectMode) error

	// Release gives back a whole address-space reservation made by
	// Reserve: the block allocator's region on Heap.Close, or a large
	// object's reservation when the large-object space frees it.
	Release(addr Address, size uintptr) error
}
