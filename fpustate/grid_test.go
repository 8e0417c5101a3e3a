package fpustate

import (
	"testing"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/timeoutlist"
)

func TestGridSummaryLeastCommonDenominator(t *testing.T) {
	a := NewArray(1000, timeoutlist.New())
	for i := 0; i < 950; i++ {
		a.fpus[i].State = StateReadyForward
	}
	for i := 950; i < 995; i++ {
		a.fpus[i].State = StateLoading
	}
	for i := 995; i < 1000; i++ {
		a.fpus[i].State = StateUninitialized
	}
	a.recomputeCountsLocked()

	g := a.GetGridState()
	if got := g.Summary(); got != StateUninitialized {
		t.Fatalf("expected UNINITIALIZED to dominate, got %v", got)
	}
}

func TestGridSummaryObstacleErrorIsTerminal(t *testing.T) {
	a := NewArray(10, timeoutlist.New())
	for i := range a.fpus {
		a.fpus[i].State = StateMoving
	}
	a.fpus[3].State = StateObstacleError
	a.recomputeCountsLocked()

	if got := a.GetGridState().Summary(); got != StateObstacleError {
		t.Fatalf("expected OBSTACLE_ERROR to win, got %v", got)
	}
}

func TestWaitForStateWakesOnMatch(t *testing.T) {
	a := NewArray(1, timeoutlist.New())
	done := make(chan State, 1)
	go func() {
		g, ok := a.WaitForState(MaskAtDatum, time.Second)
		if !ok {
			done <- StateUnknown
			return
		}
		done <- g.Summary()
	}()

	time.Sleep(20 * time.Millisecond)
	a.mu.Lock()
	a.fpus[0].State = StateAtDatum
	a.signalLocked()
	a.mu.Unlock()

	select {
	case s := <-done:
		if s != StateAtDatum {
			t.Fatalf("expected AT_DATUM, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForState did not wake")
	}
}

func TestWaitForStateTimesOut(t *testing.T) {
	a := NewArray(1, timeoutlist.New())
	start := time.Now()
	_, ok := a.WaitForState(MaskAtDatum, 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout, got satisfied mask")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("returned too early")
	}
}

func TestWaitForStateWakesOnAssertionFailure(t *testing.T) {
	a := NewArray(1, timeoutlist.New())
	done := make(chan bool, 1)
	go func() {
		_, ok := a.WaitForState(MaskAtDatum, time.Second)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	a.SetInterfaceState(InterfaceAssertionFailed)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected assertion failure to satisfy the wait")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForState did not wake on assertion failure")
	}
}

func TestSetPendingCommandInsertsTimeout(t *testing.T) {
	tl := timeoutlist.New()
	a := NewArray(2, tl)
	a.SetPendingCommand(0, cancommand.OpPingFPU, time.Now().Add(time.Second))

	if tl.Len() != 1 {
		t.Fatalf("expected timeout list to have 1 entry, got %d", tl.Len())
	}
	g := a.GetGridState()
	if g.CountPending != 1 {
		t.Fatalf("expected 1 pending, got %d", g.CountPending)
	}
}

func TestProcessTimeoutsAbortsExecuteMotion(t *testing.T) {
	tl := timeoutlist.New()
	a := NewArray(1, tl)
	a.fpus[0].State = StateMoving
	a.SetPendingCommand(0, cancommand.OpExecuteMotion, time.Now().Add(-time.Millisecond))

	n := a.ProcessTimeouts(time.Now())
	if n != 1 {
		t.Fatalf("expected 1 timeout processed, got %d", n)
	}
	g := a.GetGridState()
	if g.FPUs[0].State != StateAborted {
		t.Fatalf("expected ABORTED after EXECUTE_MOTION timeout, got %v", g.FPUs[0].State)
	}
	if g.FPUs[0].TimeoutCount != 1 {
		t.Fatalf("expected timeout count 1, got %d", g.FPUs[0].TimeoutCount)
	}
	if g.CountPending != 0 {
		t.Fatalf("expected pending count cleared, got %d", g.CountPending)
	}
}

func TestProcessTimeoutsIgnoresNotYetDue(t *testing.T) {
	tl := timeoutlist.New()
	a := NewArray(1, tl)
	a.SetPendingCommand(0, cancommand.OpPingFPU, time.Now().Add(time.Hour))

	if n := a.ProcessTimeouts(time.Now()); n != 0 {
		t.Fatalf("expected 0 timeouts processed, got %d", n)
	}
}
