package gc

import "testing"

func TestBlockScanHole(t *testing.T) {
	b := NewBlock(Address(0x100000))

	t.Run("FreshBlockIsOneHole", func(t *testing.T) {
		low, high, ok := b.ScanHole(0)
		if !ok {
			t.Fatal("fresh block should have one big hole")
		}
		wantLow := b.Base.Add(LineSize) // line 0 is excluded
		if low != wantLow {
			t.Errorf("low = 0x%x, want 0x%x", uintptr(low), uintptr(wantLow))
		}
		wantHigh := b.Base.Add(BlockSize - 1)
		if high != wantHigh {
			t.Errorf("high = 0x%x, want 0x%x", uintptr(high), uintptr(wantHigh))
		}
	})

	t.Run("MarkedLineSplitsHole", func(t *testing.T) {
		b := NewBlock(Address(0x200000))
		b.MarkLine(b.Base.Add(5 * LineSize))
		low, high, ok := b.ScanHole(0)
		if !ok {
			t.Fatal("expected a hole before the marked line")
		}
		if high >= b.Base.Add(5*LineSize) {
			t.Errorf("hole should stop before the marked line, got high=0x%x", uintptr(high))
		}

		low2, _, ok2 := b.ScanHole(6 * LineSize)
		if !ok2 {
			t.Fatal("expected a second hole after the marked line")
		}
		if low2 < b.Base.Add(6*LineSize) {
			t.Errorf("second hole should start at/after line 6, got 0x%x", uintptr(low2))
		}
	})

	t.Run("FullyMarkedBlockHasNoHole", func(t *testing.T) {
		b := NewBlock(Address(0x300000))
		for l := 0; l < LinesPerBlock; l++ {
			b.lines.set(l)
		}
		if _, _, ok := b.ScanHole(0); ok {
			t.Error("fully marked block should report no hole")
		}
	})
}

func TestBlockMarkObject(t *testing.T) {
	b := NewBlock(Address(0x400000))
	obj := b.Base.Add(LineSize) // first usable line
	b.MarkObject(obj, LineSize/2)

	if !b.lines.get(1) {
		t.Error("line containing the object should be marked")
	}
	if !b.lines.get(2) {
		t.Error("the trailing line should also be marked, per the conservative overflow rule")
	}
	if b.lines.get(3) {
		t.Error("lines beyond the trailing one should stay unmarked")
	}
}

func TestBlockCountHolesAndLines(t *testing.T) {
	b := NewBlock(Address(0x500000))
	b.MarkLine(b.Base.Add(1 * LineSize))
	b.MarkLine(b.Base.Add(2 * LineSize))
	b.MarkLine(b.Base.Add(10 * LineSize))

	holes := b.CountHoles()
	if holes != 2 {
		t.Errorf("CountHoles = %d, want 2 (before and after the marked runs)", holes)
	}
	if b.IsFull() {
		t.Error("block with holes should not report IsFull")
	}
	if !b.HasMarkedLines() {
		t.Error("block with marked lines should report HasMarkedLines")
	}

	gotHoles, marked := b.CountHolesAndMarkedLines()
	if gotHoles != holes {
		t.Errorf("cached hole count mismatch: %d vs %d", gotHoles, holes)
	}
	if marked != 3 {
		t.Errorf("marked lines = %d, want 3", marked)
	}
}

func TestBlockReset(t *testing.T) {
	b := NewBlock(Address(0x600000))
	b.MarkLine(b.Base.Add(LineSize))
	b.evacuationCandidate = true
	b.CountHoles()

	b.Reset()

	if b.HasMarkedLines() {
		t.Error("Reset should clear all line marks")
	}
	if b.evacuationCandidate {
		t.Error("Reset should clear the evacuation-candidate flag")
	}
	if b.holeCount != 0 {
		t.Error("Reset should clear the cached hole count")
	}
}
