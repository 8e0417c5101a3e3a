// Package fpustate implements C6 (the thread-safe mirror of grid state, plus
// its condition-variable observation API) and C7 (response dispatch, which
// mutates that mirror as CAN responses and spontaneous messages arrive).
// See spec §3, §4.6, §4.7.
package fpustate

import (
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
)

// State is the canonical per-FPU state enum (spec §9 open question (a)).
// It is a superset of spec §3's listed values: ABOVE_DATUM and
// LEAVING_DATUM appear only as bits inside the wait masks of spec §4.6, but
// those masks are explicitly "logical OR of grid states" — i.e. they share
// this same State domain, not a separate one — so both are first-class
// members here.
type State int

const (
	StateUnknown State = iota
	StateUninitialized
	StateLocked
	StateDatumSearch
	StateAtDatum
	StateAboveDatum
	StateLeavingDatum
	StateLoading
	StateReadyForward
	StateReadyReverse
	StateMoving
	StateResting
	StateAborted
	StateObstacleError

	stateCount
)

var stateNames = [...]string{
	"UNKNOWN", "UNINITIALIZED", "LOCKED", "DATUM_SEARCH", "AT_DATUM",
	"ABOVE_DATUM", "LEAVING_DATUM", "LOADING", "READY_FORWARD",
	"READY_REVERSE", "MOVING", "RESTING", "ABORTED", "OBSTACLE_ERROR",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Direction is the per-arm last/current rotation direction (spec §3). The
// RESTING_* variants record "last direction before stop".
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionClockwise
	DirectionAntiClockwise
	DirectionRestingLastCW
	DirectionRestingLastACW
)

// InterfaceState is the driver-wide connection/assertion state (spec §3).
type InterfaceState int

const (
	InterfaceUninitialized InterfaceState = iota
	InterfaceUnconnected
	InterfaceConnected
	InterfaceAssertionFailed
)

// StateMask is a bitmask over State, used by WaitForState (spec §4.6).
type StateMask uint32

func maskOf(states ...State) StateMask {
	var m StateMask
	for _, s := range states {
		m |= 1 << uint(s)
	}
	return m
}

func (m StateMask) has(s State) bool {
	return m&(1<<uint(s)) != 0
}

// The fixed target masks of spec §4.6.
var (
	MaskAboveDatum = maskOf(StateAboveDatum, StateUnknown, StateObstacleError, StateAborted)
	MaskAtDatum    = maskOf(StateAtDatum, StateLeavingDatum, StateUnknown, StateObstacleError, StateAborted)
	MaskReadyToMove = maskOf(StateReadyForward, StateReadyReverse, StateAtDatum, StateDatumSearch,
		StateUninitialized, StateObstacleError, StateAborted)
	// MOVEMENT_FINISHED's "FINISHED" member is StateResting: the per-FPU
	// state a motion transitions into on ordinary completion (the
	// FINISHED_MOTION handler sets RESTING when the response carries no
	// error code).
	MaskMovementFinished = maskOf(StateResting, StateObstacleError, StateAborted)
	MaskAnyChange        = StateMask((1 << uint(stateCount)) - 1)
)

// progressOrder lists every non-terminal State from least to most advanced,
// used by GridState.Summary's "least common denominator" rule (spec §4.6).
var progressOrder = []State{
	StateUnknown, StateUninitialized, StateLocked, StateDatumSearch,
	StateAtDatum, StateAboveDatum, StateLeavingDatum, StateLoading,
	StateReadyForward, StateReadyReverse, StateMoving, StateResting,
}

// FPURecord is the per-FPU state mirror (spec §3).
type FPURecord struct {
	State State
	// PreLockState is the state saved when LOCK_UNIT drives State to
	// StateLocked, restored on UNLOCK_UNIT (spec §4.7: "LOCKED state <->
	// previous state").
	PreLockState State

	AlphaSteps int32
	BetaSteps  int32

	AlphaDeviation int32
	BetaDeviation  int32

	AlphaWasReferenced bool
	BetaWasReferenced  bool

	IsLocked              bool
	AlphaDatumSwitchActive bool
	BetaDatumSwitchActive  bool
	BetaCollision          bool
	AtAlphaLimit           bool
	WaveformValid          bool
	WaveformReady          bool
	WaveformReversed       bool
	PingOK                 bool
	MovementComplete       bool

	DirectionAlpha Direction
	DirectionBeta  Direction

	NumWaveformSegments int
	WaveformStatus      uint8
	LastCommand         cancommand.Opcode
	LastStatus          uint8
	SequenceNumber      uint8

	// PendingCommandSet is a bitmap over opcodes awaiting a response
	// (spec §3's "pending set"). Deadlines themselves live in the shared
	// timeoutlist.List, not duplicated here.
	PendingCommandSet uint64

	TimeoutCount        uint32
	StepTimingErrCount  uint32
	CANOverflowErrCount uint32

	FirmwareVersion [3]uint8
	CRC             uint32
	SerialNumber    [5]byte

	LastUpdated time.Time
}

func (f *FPURecord) pendingBit(op cancommand.Opcode) uint64 { return 1 << uint(op) }

func (f *FPURecord) setPending(op cancommand.Opcode)   { f.PendingCommandSet |= f.pendingBit(op) }
func (f *FPURecord) clearPending(op cancommand.Opcode) { f.PendingCommandSet &^= f.pendingBit(op) }
func (f *FPURecord) isPending(op cancommand.Opcode) bool {
	return f.PendingCommandSet&f.pendingBit(op) != 0
}

func (f *FPURecord) pendingCount() int {
	n := 0
	bits := f.PendingCommandSet
	for bits != 0 {
		bits &= bits - 1
		n++
	}
	return n
}

// GridState is an immutable snapshot of the grid (spec §3), returned by
// GetGridState.
type GridState struct {
	FPUs  []FPURecord
	Counts [stateCount]int

	CountPending     int
	CountTimeout     uint32
	CountCANOverflow uint32
	NumQueued        int

	InterfaceState InterfaceState
}

// Summary computes the grid-level "least common denominator" state (spec
// §4.6): OBSTACLE_ERROR and ABORTED are terminal and take priority over
// everything else; otherwise the least-advanced state with any FPU in it
// wins.
func (g *GridState) Summary() State {
	if g.Counts[StateObstacleError] > 0 {
		return StateObstacleError
	}
	if g.Counts[StateAborted] > 0 {
		return StateAborted
	}
	for _, s := range progressOrder {
		if g.Counts[s] > 0 {
			return s
		}
	}
	return StateUnknown
}
