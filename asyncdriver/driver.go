// Package asyncdriver implements C9: the one-method-per-operation client
// surface spec §4.9 describes, built on top of gateway's TX/RX thread pair.
// Every method follows the same three-step shape the spec lays out:
// validate per-FPU preconditions against the live grid state, fan out one CAN
// command per addressed FPU (or one broadcast per gateway), then either
// return immediately or block on a terminal grid-state mask via
// fpustate.Array.WaitForState.
package asyncdriver

import (
	"context"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
	"github.com/ukatc/fpu-driver-sub001/fpuid"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
	"github.com/ukatc/fpu-driver-sub001/gateway"
)

// Driver is the client-facing async driver. It owns no state of its own
// beyond a reference to the connected gateway.Driver: every observation goes
// straight through to C6, every command straight through to C4/C3.
type Driver struct {
	gw *gateway.Driver
}

// New wraps an already-constructed gateway.Driver.
func New(gw *gateway.Driver) *Driver {
	return &Driver{gw: gw}
}

// Connect opens the gateway sockets and starts the TX/RX threads.
func (d *Driver) Connect(ctx context.Context) error {
	return d.gw.Connect(ctx)
}

// Disconnect stops the TX/RX threads and closes every gateway socket.
func (d *Driver) Disconnect() error {
	return d.gw.Disconnect()
}

// GetGridState returns a point-in-time snapshot of the grid (spec §4.6).
func (d *Driver) GetGridState() fpustate.GridState {
	return d.gw.Grid.GetGridState()
}

// WaitForState blocks until the grid summary satisfies mask or timeout
// elapses (spec §4.6).
func (d *Driver) WaitForState(mask fpustate.StateMask, timeout time.Duration) (fpustate.GridState, bool) {
	return d.gw.Grid.WaitForState(mask, timeout)
}

// Grid exposes the underlying grid-state mirror for registration with a
// metrics.GridCollector; nothing in asyncdriver itself reads it.
func (d *Driver) Grid() *fpustate.Array {
	return d.gw.Grid
}

// dispatchOne provides one pooled Command for op addressed at fpuID,
// lets configure fill in the opcode-specific fields, and enqueues it on the
// FPU's gateway FIFO (spec §4.9 step 2's "one CAN command per addressed
// FPU").
func (d *Driver) dispatchOne(fpuID int, op cancommand.Opcode, configure func(*cancommand.Command)) {
	cmd := d.gw.Pool.ProvideInstance(op)
	cmd.FPUID = fpuID
	if configure != nil {
		configure(cmd)
	}
	addr := fpuid.FromLogicalID(fpuID)
	d.gw.Queue.Enqueue(addr.Gateway, cmd)
}

// dispatchMany fans a command out to every fpuID in ids, validating each
// against validate first; the whole batch is rejected (spec §4.9 step 1) if
// any FPU fails its precondition.
func (d *Driver) dispatchMany(ids []int, op cancommand.Opcode, validate func(fpustate.FPURecord) error, configure func(int, *cancommand.Command)) error {
	if len(ids) == 0 {
		return fpuerrors.New(fpuerrors.KindInvalidParameter, "no FPUs addressed")
	}
	if validate != nil {
		snap := d.gw.Grid.GetGridState()
		for _, id := range ids {
			if id < 0 || id >= len(snap.FPUs) {
				return fpuerrors.ForFPU(fpuerrors.KindInvalidFPUID, id, "fpu id out of range")
			}
			if err := validate(snap.FPUs[id]); err != nil {
				return err
			}
		}
	}
	for _, id := range ids {
		d.dispatchOne(id, op, func(cmd *cancommand.Command) {
			if configure != nil {
				configure(id, cmd)
			}
		})
	}
	return nil
}

// Ping sends PING_FPU to every id in ids. It returns once the commands are
// queued and does not wait for the replies.
func (d *Driver) Ping(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpPingFPU, nil, nil)
}

// ResetFPU sends RESET_FPU, which firmware answers by re-initializing the
// FPU record.
func (d *Driver) ResetFPU(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpResetFPU, nil, nil)
}

// StartFindDatum validates that every addressed FPU is ready to search (not
// locked, not already mid-motion) and dispatches FIND_DATUM (spec §4.9).
func (d *Driver) StartFindDatum(ids []int, mode cancommand.DatumMode, arm cancommand.Arm) error {
	validate := func(f fpustate.FPURecord) error {
		if f.IsLocked {
			return fpuerrors.New(fpuerrors.KindFPUsLocked, "fpu is locked")
		}
		if f.State == fpustate.StateMoving || f.State == fpustate.StateDatumSearch {
			return fpuerrors.New(fpuerrors.KindStillBusy, "fpu is already moving")
		}
		return nil
	}
	return d.dispatchMany(ids, cancommand.OpFindDatum, validate, func(_ int, cmd *cancommand.Command) {
		cmd.DatumMode = mode
		cmd.DatumArm = arm
	})
}

// WaitFindDatum blocks for the AT_DATUM mask (spec §4.6).
func (d *Driver) WaitFindDatum(timeout time.Duration) (fpustate.GridState, bool) {
	return d.gw.Grid.WaitForState(fpustate.MaskAtDatum, timeout)
}

// FindDatum is StartFindDatum followed by WaitFindDatum.
func (d *Driver) FindDatum(ids []int, mode cancommand.DatumMode, arm cancommand.Arm, timeout time.Duration) (fpustate.GridState, error) {
	if err := d.StartFindDatum(ids, mode, arm); err != nil {
		return fpustate.GridState{}, err
	}
	snap, ok := d.WaitFindDatum(timeout)
	if !ok {
		return snap, fpuerrors.New(fpuerrors.KindWaitTimeout, "find datum: wait timeout")
	}
	return snap, nil
}

// StartExecuteMotion validates that every addressed FPU has a ready,
// validated waveform and dispatches EXECUTE_MOTION.
func (d *Driver) StartExecuteMotion(ids []int) error {
	validate := func(f fpustate.FPURecord) error {
		if f.IsLocked {
			return fpuerrors.New(fpuerrors.KindFPUsLocked, "fpu is locked")
		}
		if !f.WaveformReady || !f.WaveformValid {
			return fpuerrors.New(fpuerrors.KindWaveformNotReady, "waveform not ready")
		}
		if f.State != fpustate.StateReadyForward && f.State != fpustate.StateReadyReverse {
			return fpuerrors.New(fpuerrors.KindInvalidForCurrentState, "fpu not in a ready-to-move state")
		}
		return nil
	}
	return d.dispatchMany(ids, cancommand.OpExecuteMotion, validate, nil)
}

// WaitExecuteMotion blocks for the MOVEMENT_FINISHED mask (spec §4.6).
func (d *Driver) WaitExecuteMotion(timeout time.Duration) (fpustate.GridState, bool) {
	return d.gw.Grid.WaitForState(fpustate.MaskMovementFinished, timeout)
}

// ExecuteMotion is StartExecuteMotion followed by WaitExecuteMotion.
func (d *Driver) ExecuteMotion(ids []int, timeout time.Duration) (fpustate.GridState, error) {
	if err := d.StartExecuteMotion(ids); err != nil {
		return fpustate.GridState{}, err
	}
	snap, ok := d.WaitExecuteMotion(timeout)
	if !ok {
		return snap, fpuerrors.New(fpuerrors.KindWaitTimeout, "execute motion: wait timeout")
	}
	return snap, nil
}

// AbortMotion broadcasts ABORT_MOTION with high priority to every gateway
// (spec §4.9's explicit carve-out), then waits until the grid summary is in
// MaskMovementFinished (RESTING, ABORTED or OBSTACLE_ERROR). It does not
// check each FPU: the wait can end while some FPUs are still MOVING or
// DATUM_SEARCH.
func (d *Driver) AbortMotion(timeout time.Duration) (fpustate.GridState, error) {
	n := d.gw.NumGateways()
	for gw := 0; gw < n; gw++ {
		cmd := d.gw.Pool.ProvideInstance(cancommand.OpAbortMotion)
		cmd.Gateway = gw
		// Broadcast frames carry CAN identifier 0 regardless of bus; the
		// wire bus byte is sent as 0 and ignored by gateway hardware for a
		// broadcast frame.
		cmd.Bus = 0
		d.gw.Queue.Enqueue(gw, cmd)
	}
	// Summary() returns ABORTED as soon as any FPU reaches it (it takes
	// priority over progressOrder), so this wait is satisfied by the first
	// aborted FPU; the other FPUs in the returned snapshot may still be
	// MOVING or DATUM_SEARCH.
	snap, ok := d.gw.Grid.WaitForState(fpustate.MaskMovementFinished, timeout)
	if !ok {
		return snap, fpuerrors.New(fpuerrors.KindWaitTimeout, "abort motion: wait timeout")
	}
	return snap, nil
}

// RepeatMotion re-dispatches the last uploaded waveform from its start.
func (d *Driver) RepeatMotion(ids []int) error {
	validate := func(f fpustate.FPURecord) error {
		if f.State != fpustate.StateResting {
			return fpuerrors.New(fpuerrors.KindInvalidForCurrentState, "fpu not resting")
		}
		return nil
	}
	return d.dispatchMany(ids, cancommand.OpRepeatMotion, validate, nil)
}

// ReverseMotion re-dispatches the last uploaded waveform in reverse.
func (d *Driver) ReverseMotion(ids []int) error {
	validate := func(f fpustate.FPURecord) error {
		if f.State != fpustate.StateResting {
			return fpuerrors.New(fpuerrors.KindInvalidForCurrentState, "fpu not resting")
		}
		return nil
	}
	return d.dispatchMany(ids, cancommand.OpReverseMotion, validate, nil)
}

// ReadSerialNumbers sends READ_SERIAL_NUMBER to every id; the reply updates
// FPURecord.SerialNumber via dispatch (C7).
func (d *Driver) ReadSerialNumbers(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpReadSerialNumber, nil, nil)
}

// WriteSerialNumber programs a single FPU's serial number.
func (d *Driver) WriteSerialNumber(id int, serial [5]byte) error {
	return d.dispatchMany([]int{id}, cancommand.OpWriteSerialNumber, nil, func(_ int, cmd *cancommand.Command) {
		cmd.SerialNumber = serial
	})
}

// Lock sends LOCK_UNIT, rejected under protocol v1 (cancommand.Serialize
// already enforces this; the error surfaces once the command reaches the
// gateway's send path).
func (d *Driver) Lock(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpLockUnit, nil, nil)
}

// Unlock sends UNLOCK_UNIT.
func (d *Driver) Unlock(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpUnlockUnit, nil, nil)
}

// EnableBetaCollisionProtection re-arms the beta collision detector after a
// FreeBetaCollision recovery move.
func (d *Driver) EnableBetaCollisionProtection(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpEnableBetaCollisionProtection, nil, nil)
}

// FreeBetaCollision allows limited recovery motion out of a beta collision.
func (d *Driver) FreeBetaCollision(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpFreeBetaCollision, nil, nil)
}

// EnableAlphaLimitProtection re-arms the alpha limit switch after recovery.
func (d *Driver) EnableAlphaLimitProtection(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpEnableAlphaLimitProtection, nil, nil)
}

// FreeAlphaLimitBreach allows limited recovery motion out of an alpha limit
// breach.
func (d *Driver) FreeAlphaLimitBreach(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpFreeAlphaLimitBreach, nil, nil)
}

// SetUStepLevel sets the microstepping level used for every subsequent move.
func (d *Driver) SetUStepLevel(ids []int, level uint8) error {
	return d.dispatchMany(ids, cancommand.OpSetUStepLevel, nil, func(_ int, cmd *cancommand.Command) {
		cmd.UStepLevel = level
	})
}

// GetFirmwareVersion requests the firmware version; the reply updates
// FPURecord.FirmwareVersion.
func (d *Driver) GetFirmwareVersion(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpGetFirmwareVersion, nil, nil)
}

// GetMinFirmwareVersion returns the lowest firmware version reported across
// ids in the current grid snapshot (spec §4.9). Callers must have already
// run GetFirmwareVersion and waited for the replies.
func (d *Driver) GetMinFirmwareVersion(ids []int) [3]uint8 {
	snap := d.gw.Grid.GetGridState()
	var min [3]uint8
	first := true
	for _, id := range ids {
		if id < 0 || id >= len(snap.FPUs) {
			continue
		}
		v := snap.FPUs[id].FirmwareVersion
		if first || lessVersion(v, min) {
			min = v
			first = false
		}
	}
	return min
}

func lessVersion(a, b [3]uint8) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CheckIntegrity requests the firmware's CRC self-check.
func (d *Driver) CheckIntegrity(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpCheckIntegrity, nil, nil)
}

// ResetStepCounter zeroes an FPU's step counters (engineering use only).
func (d *Driver) ResetStepCounter(ids []int) error {
	return d.dispatchMany(ids, cancommand.OpResetStepCounter, nil, nil)
}

// SetTicksPerSegment configures the firmware's waveform segment tick width.
func (d *Driver) SetTicksPerSegment(ids []int, ticks uint16) error {
	return d.dispatchMany(ids, cancommand.OpSetTicksPerSegment, nil, func(_ int, cmd *cancommand.Command) {
		cmd.TicksPerSegment = ticks
	})
}

// SetStepsPerSegment configures the firmware's waveform segment step width.
func (d *Driver) SetStepsPerSegment(ids []int, steps uint16) error {
	return d.dispatchMany(ids, cancommand.OpSetStepsPerSegment, nil, func(_ int, cmd *cancommand.Command) {
		cmd.StepsPerSegment = steps
	})
}
