package timeoutlist

import (
	"testing"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
)

func TestInsertRemoveBasic(t *testing.T) {
	l := New()
	base := time.Now()
	l.Insert(0, cancommand.OpPingFPU, base.Add(10*time.Millisecond))
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	if _, ok := l.Remove(0, cancommand.OpPingFPU); !ok {
		t.Fatalf("expected removal to succeed")
	}
	if l.Len() != 0 {
		t.Fatalf("expected 0 entries after removal, got %d", l.Len())
	}
}

func TestQuantizationCollapsesNearbyDeadlines(t *testing.T) {
	l := New()
	base := time.Now().Truncate(Quantum)
	l.Insert(0, cancommand.OpPingFPU, base.Add(1*time.Millisecond))
	l.Insert(1, cancommand.OpPingFPU, base.Add(4*time.Millisecond)) // 3ms apart, same 5ms bucket

	d0, ok0 := l.GetNextDeadline()
	if !ok0 {
		t.Fatal("expected a minimum deadline")
	}
	if !d0.Equal(base) {
		t.Fatalf("expected both entries to collapse into bucket %v, got %v", base, d0)
	}
}

func TestPopReturnsEarliestFirst(t *testing.T) {
	l := New()
	now := time.Now()
	l.Insert(0, cancommand.OpPingFPU, now.Add(50*time.Millisecond))
	l.Insert(1, cancommand.OpFindDatum, now.Add(10*time.Millisecond))
	l.Insert(2, cancommand.OpExecuteMotion, now.Add(30*time.Millisecond))

	e, ok := l.Pop()
	if !ok || e.FPUID != 1 {
		t.Fatalf("expected FPU 1 (earliest) popped first, got %+v ok=%v", e, ok)
	}
	e2, ok := l.Pop()
	if !ok || e2.FPUID != 2 {
		t.Fatalf("expected FPU 2 popped second, got %+v", e2)
	}
}

func TestMultiplicityThenRescan(t *testing.T) {
	l := New()
	base := time.Now().Truncate(Quantum)
	l.Insert(0, cancommand.OpPingFPU, base)
	l.Insert(1, cancommand.OpPingFPU, base)
	l.Insert(2, cancommand.OpFindDatum, base.Add(100*time.Millisecond))

	if _, ok := l.Remove(0, cancommand.OpPingFPU); !ok {
		t.Fatal("expected removal")
	}
	// bucket still has FPU 1 at the minimum
	d, ok := l.GetNextDeadline()
	if !ok || !d.Equal(base) {
		t.Fatalf("expected minimum to remain at base, got %v ok=%v", d, ok)
	}
	if _, ok := l.Remove(1, cancommand.OpPingFPU); !ok {
		t.Fatal("expected removal")
	}
	// now the minimum must rescan to the remaining FPU 2 entry
	d2, ok := l.GetNextDeadline()
	if !ok || d2.Before(base) {
		t.Fatalf("expected rescanned minimum after bucket emptied, got %v ok=%v", d2, ok)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", l.Len())
	}
}

func TestDueReturnsExpiredOnly(t *testing.T) {
	l := New()
	now := time.Now()
	l.Insert(0, cancommand.OpPingFPU, now.Add(-10*time.Millisecond))
	l.Insert(1, cancommand.OpFindDatum, now.Add(time.Hour))

	due := l.Due(now)
	if len(due) != 1 || due[0].FPUID != 0 {
		t.Fatalf("expected only FPU 0 due, got %+v", due)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", l.Len())
	}
}
