//go:build unix

package gc

import (
	"testing"
	"time"
)

func TestMutatorStateTransitions(t *testing.T) {
	h := &Heap{safepoint: newSafepointCoordinator(UnixVM{}, nil)}
	m := &Mutator{heap: h}
	h.safepoint.register(m)
	t.Cleanup(func() { h.safepoint.unregister(m) })

	if m.loadState() != GCStateRunning {
		t.Fatal("a fresh mutator should start RUNNING")
	}

	prev := m.SafeEnter()
	if prev != GCStateRunning {
		t.Errorf("SafeEnter should return the prior state RUNNING, got %d", prev)
	}
	if m.loadState() != GCStateSafe {
		t.Error("SafeEnter should move the mutator to SAFE")
	}

	m.SafeLeave(prev)
	if m.loadState() != GCStateRunning {
		t.Error("SafeLeave should restore RUNNING")
	}
}

func TestSafepointCoordinatorStartEnd(t *testing.T) {
	sp := newSafepointCoordinator(UnixVM{}, nil)

	if !sp.start() {
		t.Fatal("start should succeed when no cycle is running")
	}
	if !sp.running.Load() {
		t.Error("GC_RUNNING should be true after start")
	}
	sp.end()
	if sp.running.Load() {
		t.Error("GC_RUNNING should be false after end")
	}
}

func TestSafepointReentrantCollectionJoinsInFlightCycle(t *testing.T) {
	sp := newSafepointCoordinator(UnixVM{}, nil)
	if !sp.start() {
		t.Fatal("first start should succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- sp.start()
	}()

	select {
	case <-done:
		t.Fatal("a concurrent start should wait while the first cycle is still running")
	case <-time.After(50 * time.Millisecond):
	}

	sp.end()

	select {
	case ok := <-done:
		if ok {
			t.Error("a concurrent start while a cycle is running should return false")
		}
	case <-time.After(time.Second):
		t.Error("the second start should have returned once the in-flight cycle ended")
	}
}

func TestSafepointWaitForTheWorld(t *testing.T) {
	sp := newSafepointCoordinator(UnixVM{}, nil)
	h := &Heap{safepoint: sp}
	initiator := &Mutator{heap: h}
	other := &Mutator{heap: h}
	sp.register(initiator)
	sp.register(other)
	t.Cleanup(func() { sp.unregister(initiator); sp.unregister(other) })

	other.storeState(GCStateSafe)

	done := make(chan []*Mutator, 1)
	go func() { done <- sp.waitForTheWorld(initiator) }()

	select {
	case threads := <-done:
		if len(threads) != 2 {
			t.Errorf("waitForTheWorld should snapshot both registered threads, got %d", len(threads))
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waitForTheWorld should return immediately once the other thread is SAFE")
	}
}
