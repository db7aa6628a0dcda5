package gc

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Per-thread gc_state values, per spec.md §3/§4.6.
const (
	GCStateRunning int8 = 0
	GCStateWaiting int8 = 1
	GCStateSafe    int8 = 2
)

// Mutator is the per-thread state spec.md §3 calls TLSState: the
// mutator's current/overflow block cursors, its gc_state, and (for
// diagnostics only — see SPEC_FULL.md §4.8) its last-recorded stack_end.
// One Mutator is created per call to Heap.RegisterThread and is intended
// to be used from a single goroutine at a time, exactly like the
// original's one-TLSState-per-OS-thread model.
type Mutator struct {
	heap *Heap

	gcState int32 // atomic, one of GCState*

	stackEnd Address // diagnostic leaf-frame marker, updated at each yieldpoint

	small    blockCursor
	overflow blockCursor
}

func (m *Mutator) loadState() int8  { return int8(atomic.LoadInt32(&m.gcState)) }
func (m *Mutator) storeState(s int8) { atomic.StoreInt32(&m.gcState, int32(s)) }

// setState stores newState and, if the transition is "leaving a
// suspend-eligible state back into RUNNING", runs a yieldpoint —
// mirroring original_source/src/threading.rs's gc_state_set exactly:
// leaving SAFE or WAITING back to RUNNING must pass through a yieldpoint
// so a pending collection can still suspend the thread.
func (m *Mutator) setState(newState, oldState int8) int8 {
	m.storeState(newState)
	if oldState != GCStateRunning && newState == GCStateRunning {
		m.Yieldpoint()
	}
	return oldState
}

func (m *Mutator) saveAndSet(newState int8) int8 {
	return m.setState(newState, m.loadState())
}

// Yieldpoint must be called periodically by the mutator in long-running
// loops (spec.md §6). This port implements the cooperative discipline
// documented as spec.md §4.6's alternative (see DESIGN.md
// open-safepoint-discipline): an atomic check of GC_RUNNING, not a
// trapping read through the protected page, since Go cannot resume
// execution after a trapped SIGSEGV without a cgo trampoline.
func (m *Mutator) Yieldpoint() {
	var probe byte
	m.stackEnd = AddressOf(unsafe.Pointer(&probe))
	if m.heap.safepoint.running.Load() {
		m.heap.safepoint.waitForGCEnd(m)
	}
}

// SafeEnter marks the thread as safe for the collector to proceed without
// waiting on it (e.g. around a blocking syscall), returning the previous
// state to restore later.
func (m *Mutator) SafeEnter() int8 { return m.saveAndSet(GCStateSafe) }

// SafeLeave restores prev, yieldpointing if that transition re-enters
// RUNNING.
func (m *Mutator) SafeLeave(prev int8) { m.setState(prev, GCStateSafe) }

// UnsafeEnter marks the thread RUNNING: the collector must wait for it to
// reach a yieldpoint before scanning its stack.
func (m *Mutator) UnsafeEnter() int8 { return m.saveAndSet(GCStateRunning) }

// UnsafeLeave restores prev from a RUNNING state.
func (m *Mutator) UnsafeLeave(prev int8) { m.setState(prev, GCStateRunning) }

// safepointCoordinator is the process-wide safepoint/STW state of
// spec.md §4.6: the protected page, GC_RUNNING, and the thread list.
type safepointCoordinator struct {
	vm       VMProvider
	pageOnce sync.Once
	page     Address
	pageSize uintptr

	mu      sync.Mutex // guards the start/end-of-GC protocol, == SAFEPOINT_LOCK
	running atomic.Bool

	threadsMu sync.Mutex
	threads   []*Mutator

	log *log.Logger
}

func newSafepointCoordinator(vm VMProvider, logger *log.Logger) *safepointCoordinator {
	return &safepointCoordinator{vm: vm, pageSize: 4096, log: logger}
}

// ensurePage lazily allocates and arms the (diagnostic) safepoint page, on
// first use — grounded on original_source/src/lib.rs's lazy PAGESIZE
// init, now applied to the page itself.
func (sp *safepointCoordinator) ensurePage() {
	sp.pageOnce.Do(func() {
		addr, err := sp.vm.Reserve(sp.pageSize)
		if err != nil {
			sp.log.Printf("gc: safepoint page reservation failed (diagnostics only): %v", err)
			return
		}
		if err := sp.vm.Commit(addr, sp.pageSize); err != nil {
			sp.log.Printf("gc: safepoint page commit failed (diagnostics only): %v", err)
			return
		}
		sp.page = addr
	})
}

// AddrInSafepoint reports whether addr is the armed safepoint page,
// matching original_source/src/safepoint.rs's addr_in_safepoint. Purely
// diagnostic in the cooperative discipline this port implements.
func (sp *safepointCoordinator) AddrInSafepoint(addr Address) bool {
	return !sp.page.IsNull() && addr == sp.page
}

func (sp *safepointCoordinator) register(m *Mutator) {
	sp.ensurePage()
	sp.threadsMu.Lock()
	sp.threads = append(sp.threads, m)
	sp.threadsMu.Unlock()
}

func (sp *safepointCoordinator) unregister(m *Mutator) {
	sp.threadsMu.Lock()
	defer sp.threadsMu.Unlock()
	for i, t := range sp.threads {
		if t == m {
			sp.threads = append(sp.threads[:i], sp.threads[i+1:]...)
			return
		}
	}
}

// start implements spec.md §4.6's start-of-GC protocol steps 1-2. It
// returns ok=false when another thread is already collecting: the caller
// joined that in-flight cycle (waited for it) and must not start a new
// one, the "Reentrant collection" recovery of spec.md §7.
func (sp *safepointCoordinator) start() (ok bool) {
	sp.mu.Lock()
	if !sp.running.CompareAndSwap(false, true) {
		sp.mu.Unlock()
		sp.waitGC()
		return false
	}
	sp.arm()
	sp.mu.Unlock()
	return true
}

func (sp *safepointCoordinator) arm() {
	if !sp.page.IsNull() {
		if err := sp.vm.Protect(sp.page, sp.pageSize, ProtectNone); err != nil {
			sp.log.Printf("gc: arming safepoint page failed (diagnostics only): %v", err)
		}
	}
}

func (sp *safepointCoordinator) disarm() {
	if !sp.page.IsNull() {
		if err := sp.vm.Protect(sp.page, sp.pageSize, ProtectReadWrite); err != nil {
			sp.log.Printf("gc: disarming safepoint page failed: %v", err)
		}
	}
}

// waitForTheWorld implements step 3: spin until every other registered
// thread has left RUNNING.
func (sp *safepointCoordinator) waitForTheWorld(initiator *Mutator) []*Mutator {
	sp.threadsMu.Lock()
	defer sp.threadsMu.Unlock()
	for _, t := range sp.threads {
		if t == initiator {
			continue
		}
		for t.loadState() == GCStateRunning {
			runtime.Gosched()
		}
	}
	snapshot := make([]*Mutator, len(sp.threads))
	copy(snapshot, sp.threads)
	return snapshot
}

// end implements the end-of-GC protocol: disarm, clear GC_RUNNING,
// release the mutex.
func (sp *safepointCoordinator) end() {
	sp.mu.Lock()
	sp.disarm()
	sp.running.Store(false)
	sp.mu.Unlock()
}

// waitGC spins until the in-flight cycle ends, yielding the OS thread
// periodically, mirroring original_source/src/safepoint.rs's
// safepoint_wait_gc.
func (sp *safepointCoordinator) waitGC() {
	for i := 0; sp.running.Load(); i++ {
		if i%50 == 0 {
			runtime.Gosched()
		}
	}
}

// waitForGCEnd is invoked from a running mutator's Yieldpoint when
// GC_RUNNING is observed true: transition to WAITING and block until the
// cycle ends, then restore the previous state.
func (sp *safepointCoordinator) waitForGCEnd(m *Mutator) {
	prev := m.loadState()
	m.storeState(GCStateWaiting)
	sp.waitGC()
	m.storeState(prev)
}
