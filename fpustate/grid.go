package fpustate

import (
	"sync"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/timeoutlist"
)

// Array is the mutex-protected grid state mirror of spec §4.6, paired with
// the C5 timeout list it clears entries from on every response (spec §4.7).
// Callers must respect the fixed lock order documented on Timeouts: acquire
// Array's mutex first, then call into Timeouts from within a locked method —
// never the reverse.
type Array struct {
	mu   sync.Mutex
	cond *sync.Cond

	fpus  []FPURecord
	state GridState // running totals mirrored from fpus; FPUs left nil until snapshot

	Timeouts *timeoutlist.List
}

// NewArray allocates a grid of numFPUs records, all initially UNINITIALIZED.
func NewArray(numFPUs int, timeouts *timeoutlist.List) *Array {
	a := &Array{
		fpus:     make([]FPURecord, numFPUs),
		Timeouts: timeouts,
	}
	a.cond = sync.NewCond(&a.mu)
	for i := range a.fpus {
		a.fpus[i].State = StateUninitialized
	}
	a.recomputeCountsLocked()
	a.state.InterfaceState = InterfaceUninitialized
	return a
}

func (a *Array) recomputeCountsLocked() {
	var counts [stateCount]int
	pending := 0
	for i := range a.fpus {
		counts[a.fpus[i].State]++
		pending += a.fpus[i].pendingCount()
	}
	a.state.Counts = counts
	a.state.CountPending = pending
}

// GetGridState returns a snapshot of the grid (spec §4.6). The returned
// value owns its own copy of the FPU slice; mutating it has no effect on the
// live array.
func (a *Array) GetGridState() GridState {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.state
	snap.FPUs = make([]FPURecord, len(a.fpus))
	copy(snap.FPUs, a.fpus)
	if a.Timeouts != nil {
		snap.NumQueued = a.Timeouts.Len()
	}
	return snap
}

// SetInterfaceState updates the driver-wide connection state and wakes any
// waiter, since ASSERTION_FAILED can satisfy (or abort) a pending wait
// regardless of the requested mask.
func (a *Array) SetInterfaceState(s InterfaceState) {
	a.mu.Lock()
	a.state.InterfaceState = s
	a.mu.Unlock()
	a.cond.Broadcast()
}

// SetPendingCommand records that opcode is outstanding for fpuID, inserting
// its deadline into the shared timeout list (spec §4.6's count_pending /
// C5 interplay).
func (a *Array) SetPendingCommand(fpuID int, opcode cancommand.Opcode, deadline time.Time) {
	a.mu.Lock()
	f := &a.fpus[fpuID]
	wasPending := f.isPending(opcode)
	f.setPending(opcode)
	f.LastCommand = opcode
	f.LastUpdated = deadline
	if !wasPending {
		a.state.CountPending++
	}
	a.mu.Unlock()

	if a.Timeouts != nil {
		a.Timeouts.Insert(fpuID, opcode, deadline)
	}
}

// clearPendingLocked removes the bookkeeping for an outstanding opcode
// without necessarily having a response in hand (used by timeout handling).
func (a *Array) clearPendingLocked(fpuID int, opcode cancommand.Opcode) {
	f := &a.fpus[fpuID]
	if f.isPending(opcode) {
		f.clearPending(opcode)
		if a.state.CountPending > 0 {
			a.state.CountPending--
		}
	}
}

// WaitForState blocks until the grid summary state satisfies mask, an
// interface assertion failure occurs, or timeout elapses (spec §4.6). It
// returns the satisfying snapshot and true, or the latest snapshot and false
// on timeout.
func (a *Array) WaitForState(mask StateMask, timeout time.Duration) (GridState, bool) {
	deadline := time.Now().Add(timeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		if a.state.InterfaceState == InterfaceAssertionFailed || mask.has(a.summaryLocked()) {
			return a.snapshotLocked(), true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return a.snapshotLocked(), false
		}
		timer := time.AfterFunc(remaining, a.cond.Broadcast)
		a.cond.Wait()
		timer.Stop()
	}
}

func (a *Array) summaryLocked() State {
	g := a.state
	return g.Summary()
}

func (a *Array) snapshotLocked() GridState {
	snap := a.state
	snap.FPUs = make([]FPURecord, len(a.fpus))
	copy(snap.FPUs, a.fpus)
	if a.Timeouts != nil {
		snap.NumQueued = a.Timeouts.Len()
	}
	return snap
}

// signalLocked wakes every WaitForState waiter after a state-affecting
// mutation. Called with a.mu held.
func (a *Array) signalLocked() {
	a.recomputeCountsLocked()
	a.cond.Broadcast()
}

// ProcessTimeouts pops every due entry from the shared timeout list and
// applies the per-opcode timeout action of spec §4.7's table (e.g.
// EXECUTE_MOTION timeout -> ABORTED; PING_FPU timeout -> just clears
// pending and counts it). now is the caller's notion of "now", passed in
// rather than read here so tests can drive it deterministically.
func (a *Array) ProcessTimeouts(now time.Time) int {
	if a.Timeouts == nil {
		return 0
	}
	due := a.Timeouts.Due(now)
	if len(due) == 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range due {
		if e.FPUID < 0 || e.FPUID >= len(a.fpus) {
			continue
		}
		f := &a.fpus[e.FPUID]
		a.clearPendingLocked(e.FPUID, e.Opcode)
		f.TimeoutCount++
		a.state.CountTimeout++
		applyTimeout(f, e.Opcode)
	}
	a.signalLocked()
	return len(due)
}

// applyTimeout is the timeout-column of spec §4.7's response table.
func applyTimeout(f *FPURecord, opcode cancommand.Opcode) {
	switch opcode {
	case cancommand.OpExecuteMotion, cancommand.OpRepeatMotion, cancommand.OpReverseMotion:
		f.State = StateAborted
	case cancommand.OpFindDatum:
		f.State = StateAborted
	case cancommand.OpConfigMotion:
		f.State = StateResting
		f.WaveformValid = false
	default:
		// routine/engineering opcodes: leave state untouched, the caller
		// will retry or surface the timeout count via GetGridState.
	}
}
