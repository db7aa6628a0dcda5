//go:build unix

package gc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UnixVM is the default VMProvider on Linux/Darwin/BSD, grounded on
// original_source/src/block_allocator.rs's Mmap and
// original_source/src/safepoint.rs's mmap/mprotect usage, ported from the
// teacher's golang.org/x/sys/unix usage in internal/runtime/asyncio's
// poller code (epoll/kqueue syscalls) to mmap/mprotect/madvise instead.
type UnixVM struct{}

var _ VMProvider = UnixVM{}

// reservations maps each base returned by Reserve to the whole mapping it
// was carved from, so Release can unmap exactly that mapping.
var reservations sync.Map // Address -> []byte

func (UnixVM) Reserve(size uintptr) (Address, error) {
	// Map one extra block so a BlockSize-aligned base always fits inside.
	data, err := unix.Mmap(-1, 0, int(size+BlockSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return NullAddress, err
	}
	base := AddressOf(unsafe.Pointer(&data[0])).AlignedUp(BlockSize)
	reservations.Store(base, data)
	return base, nil
}

func (UnixVM) Commit(addr Address, size uintptr) error {
	return unix.Mprotect(bytesAt(addr, size), unix.PROT_READ|unix.PROT_WRITE)
}

func (UnixVM) Decommit(addr Address, size uintptr) error {
	b := bytesAt(addr, size)
	// MADV_DONTNEED drops the physical backing while keeping the mapping,
	// matching spec.md §4.2's "decommits returned blocks" hint to the OS.
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func (UnixVM) Protect(addr Address, size uintptr, mode ProtectMode) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if mode == ProtectNone {
		prot = unix.PROT_NONE
	}
	return unix.Mprotect(bytesAt(addr, size), prot)
}

func (UnixVM) Release(addr Address, size uintptr) error {
	if data, ok := reservations.LoadAndDelete(addr); ok {
		return unix.Munmap(data.([]byte))
	}
	return unix.Munmap(bytesAt(addr, size))
}

// bytesAt builds a []byte header over a VM-provided region without
// copying; callers never retain it past the call into the unix package.
func bytesAt(addr Address, size uintptr) []byte {
	return unsafe.Slice((*byte)(addr.ToPointer()), size)
}
