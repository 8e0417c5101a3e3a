package fpustate

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/fpuid"
)

// ErrorCode is the single-byte response error field (spec §4.7).
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrInvalidParameter
	ErrWaveformNotReady
	ErrCollision
	ErrLimitBreach
	ErrDatumOnLimitSwitch
	ErrAutoDatumUninitialized
	ErrDatumTimeout
	ErrStepTimingError
	ErrCANOverflow
)

// Response is a parsed CAN response frame. The wire layout (spec §6) packs
// everything into the 8-byte CAN data field:
//
//	byte 0    wire opcode
//	byte 1    sequence number (protocol v2; 0 under v1)
//	byte 2    status bits (see statusBit* below)
//	byte 3    error code
//	byte 4-5  primary 16-bit field (opcode-dependent: alpha steps/deviation)
//	byte 6-7  secondary 16-bit field (opcode-dependent: beta steps/deviation)
//
// CONFIG_MOTION responses repurpose bit 0 of the primary field as the
// last-entry flag instead of a step count, since a waveform segment
// confirmation carries no step data of its own.
type Response struct {
	Opcode         cancommand.Opcode
	SequenceNumber uint8
	Status         statusBits
	Error          ErrorCode
	Primary        uint16
	Secondary      uint16
}

type statusBits uint8

const (
	statusCollision statusBits = 1 << iota
	statusAtAlphaLimit
	statusLocked
	statusAlphaReferenced
	statusBetaReferenced
	statusWaveformValid
	statusWaveformReady
	statusWaveformReversed
)

func (s statusBits) has(b statusBits) bool { return s&b != 0 }

// parseResponse decodes payload's data bytes (payload[3:], after the bus id
// and 2-byte CAN id header spec §4.1 prepends) into a Response.
func parseResponse(data []byte) (Response, error) {
	if len(data) < 1 {
		return Response{}, fmt.Errorf("fpustate: empty response payload")
	}
	op, ok := cancommand.FromWireValue(data[0])
	if !ok {
		return Response{}, fmt.Errorf("fpustate: unknown wire opcode %d", data[0])
	}
	r := Response{Opcode: op}
	get := func(i int) byte {
		if i < len(data) {
			return data[i]
		}
		return 0
	}
	r.SequenceNumber = get(1)
	r.Status = statusBits(get(2))
	r.Error = ErrorCode(get(3))
	r.Primary = binary.LittleEndian.Uint16([]byte{get(4), get(5)})
	r.Secondary = binary.LittleEndian.Uint16([]byte{get(6), get(7)})
	return r, nil
}

// GatewayDispatcher adapts Array to canframe.ResponseHandler for one
// gateway's socket loop, pairing it with the address map needed to resolve
// incoming frames to logical FPU ids.
type GatewayDispatcher struct {
	Array *Array
	Addrs *fpuid.AddressMap
}

// HandleFrame implements canframe.ResponseHandler.
func (d *GatewayDispatcher) HandleFrame(gatewayIndex int, payload []byte) error {
	return d.Array.HandleFrame(gatewayIndex, payload, d.Addrs)
}

// HandleFrame resolves the physical address carried by payload to a logical
// FPU id, parses the response, and applies the matching row of spec §4.7's
// response table.
func (a *Array) HandleFrame(gatewayIndex int, payload []byte, addrs *fpuid.AddressMap) error {
	if len(payload) < 3 {
		return fmt.Errorf("fpustate: short frame from gateway %d", gatewayIndex)
	}
	bus := int(payload[0])
	canID := binary.LittleEndian.Uint16(payload[1:3])
	fpuID, ok := addrs.LogicalID(fpuid.Address{Gateway: gatewayIndex, Bus: bus, CANID: canID})
	if !ok {
		return fmt.Errorf("fpustate: no FPU configured at gateway=%d bus=%d can_id=%d", gatewayIndex, bus, canID)
	}

	resp, err := parseResponse(payload[3:])
	if err != nil {
		return err
	}
	a.Dispatch(fpuID, resp)
	return nil
}

// pendingClearTargets returns which opcode(s) a response's arrival retires
// from pending_command_set / the timeout list. Most responses retire their
// own opcode; spontaneous messages retire the motion opcode whose outcome
// they report (spec §4.7).
func pendingClearTargets(op cancommand.Opcode) []cancommand.Opcode {
	switch op {
	case cancommand.OpFinishedMotion, cancommand.OpWarnCollisionBeta, cancommand.OpWarnLimitAlpha:
		return []cancommand.Opcode{cancommand.OpExecuteMotion}
	case cancommand.OpFinishedDatum, cancommand.OpWarnTimeoutDatum:
		return []cancommand.Opcode{cancommand.OpFindDatum}
	case cancommand.OpWarnCANOverflow:
		return []cancommand.Opcode{cancommand.OpConfigMotion}
	case cancommand.OpAbortMotion:
		return []cancommand.Opcode{cancommand.OpExecuteMotion, cancommand.OpFindDatum}
	default:
		return []cancommand.Opcode{op}
	}
}

// Dispatch applies one parsed response to fpuID's record, clearing its
// pending-timeout bookkeeping and mutating state per spec §4.7's table. It
// is exported separately from HandleFrame so tests (and protocol-replay
// tooling) can drive it without a real address map.
func (a *Array) Dispatch(fpuID int, resp Response) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fpuID < 0 || fpuID >= len(a.fpus) {
		return
	}
	f := &a.fpus[fpuID]

	for _, op := range pendingClearTargets(resp.Opcode) {
		a.clearPendingLocked(fpuID, op)
		if a.Timeouts != nil {
			a.Timeouts.Remove(fpuID, op)
		}
	}

	f.SequenceNumber = resp.SequenceNumber
	f.LastStatus = uint8(resp.Status)
	applyStatusBits(f, resp.Status)

	switch resp.Opcode {
	case cancommand.OpFinishedDatum:
		handleFinishedDatum(f, resp)
	case cancommand.OpFinishedMotion:
		handleFinishedMotion(f, resp)
	case cancommand.OpExecuteMotion:
		handleExecuteMotionAck(f, resp)
		if resp.Error == ErrNone {
			a.reinsertPendingLocked(fpuID, cancommand.OpExecuteMotion)
		}
	case cancommand.OpAbortMotion:
		handleAbortMotionAck(f, resp)
	case cancommand.OpFindDatum:
		handleFindDatumAck(f, resp)
		if resp.Error == ErrNone {
			a.reinsertPendingLocked(fpuID, cancommand.OpFindDatum)
		}
	case cancommand.OpConfigMotion:
		handleConfigMotionAck(f, resp)
	case cancommand.OpRepeatMotion, cancommand.OpReverseMotion:
		handleRepeatReverseAck(f, resp)
	case cancommand.OpLockUnit:
		f.PreLockState = f.State
		f.IsLocked = true
		f.State = StateLocked
	case cancommand.OpUnlockUnit:
		f.IsLocked = false
		f.State = f.PreLockState
	case cancommand.OpResetFPU:
		a.clearAllPendingLocked(fpuID)
		resetRecord(f)
	case cancommand.OpFreeBetaCollision:
		handleFreeCollision(f, resp)
	case cancommand.OpFreeAlphaLimitBreach:
		handleFreeLimit(f, resp)
	case cancommand.OpEnableBetaCollisionProtection:
		if resp.Error == ErrNone {
			f.BetaCollision = false
			f.State = StateResting
		} else {
			f.State = StateObstacleError
		}
	case cancommand.OpEnableAlphaLimitProtection:
		if resp.Error == ErrNone {
			f.AtAlphaLimit = false
			f.State = StateResting
		} else {
			f.State = StateObstacleError
		}
	case cancommand.OpPingFPU:
		handlePing(f, resp)
	case cancommand.OpResetStepCounter:
		f.AlphaSteps, f.BetaSteps = 0, 0
	case cancommand.OpGetFirmwareVersion:
		f.FirmwareVersion = [3]uint8{byte(resp.Primary), byte(resp.Primary >> 8), byte(resp.Secondary)}
	case cancommand.OpReadSerialNumber:
		// the serial number payload doesn't fit the generic primary/secondary
		// fields; the gateway layer's raw frame log carries the full bytes
		// when a caller needs them.
	case cancommand.OpWarnCollisionBeta:
		f.BetaCollision = true
		f.State = StateObstacleError
		f.AlphaWasReferenced, f.BetaWasReferenced = false, false
	case cancommand.OpWarnLimitAlpha:
		f.AtAlphaLimit = true
		f.State = StateObstacleError
		f.AlphaWasReferenced, f.BetaWasReferenced = false, false
	case cancommand.OpWarnTimeoutDatum:
		f.State = StateAborted
	case cancommand.OpWarnCANOverflow:
		f.CANOverflowErrCount++
		a.state.CountCANOverflow++
		if f.State == StateLoading {
			f.State = StateResting
		}
	}

	if resp.Error == ErrStepTimingError {
		f.StepTimingErrCount++
	}

	a.signalLocked()
}

// reinsertPendingLocked re-establishes a fresh pending/timeout entry for an
// opcode whose ack just cleared it but whose underlying operation is still
// in flight (spec §4.7: EXECUTE_MOTION and FIND_DATUM start acks "keep
// pending" pending the later spontaneous completion message).
func (a *Array) reinsertPendingLocked(fpuID int, opcode cancommand.Opcode) {
	f := &a.fpus[fpuID]
	if f.isPending(opcode) {
		return
	}
	f.setPending(opcode)
	a.state.CountPending++
	if a.Timeouts != nil {
		deadline := time.Now().Add(cancommand.MetadataFor(opcode, 2).Timeout)
		a.Timeouts.Insert(fpuID, opcode, deadline)
	}
}

// clearAllPendingLocked removes every outstanding (opcode, deadline) entry
// for fpuID, as RESET_FPU requires (spec §4.7).
func (a *Array) clearAllPendingLocked(fpuID int) {
	f := &a.fpus[fpuID]
	remaining := f.PendingCommandSet
	for remaining != 0 {
		idx := bits.TrailingZeros64(remaining)
		remaining &= remaining - 1
		if a.Timeouts != nil {
			a.Timeouts.Remove(fpuID, cancommand.Opcode(idx))
		}
	}
	if a.state.CountPending >= f.pendingCount() {
		a.state.CountPending -= f.pendingCount()
	} else {
		a.state.CountPending = 0
	}
	f.PendingCommandSet = 0
}

func applyStatusBits(f *FPURecord, s statusBits) {
	f.BetaCollision = s.has(statusCollision)
	f.AtAlphaLimit = s.has(statusAtAlphaLimit)
	f.IsLocked = s.has(statusLocked)
	f.WaveformValid = s.has(statusWaveformValid)
	f.WaveformReady = s.has(statusWaveformReady)
	f.WaveformReversed = s.has(statusWaveformReversed)
	if s.has(statusAlphaReferenced) {
		f.AlphaWasReferenced = true
	}
	if s.has(statusBetaReferenced) {
		f.BetaWasReferenced = true
	}
}

func handleFinishedDatum(f *FPURecord, resp Response) {
	switch resp.Error {
	case ErrNone:
	case ErrCollision, ErrLimitBreach:
		f.State = StateObstacleError
		return
	case ErrDatumTimeout:
		f.State = StateAborted
		return
	default:
		f.State = StateAborted
		return
	}
	f.AlphaDeviation = cancommand.UnfoldBetaSteps(resp.Primary) // deviations are symmetric, small-magnitude
	f.BetaDeviation = cancommand.UnfoldBetaSteps(resp.Secondary)
	if f.AlphaWasReferenced {
		f.AlphaSteps = 0
	}
	if f.BetaWasReferenced {
		f.BetaSteps = 0
	}
	if f.AlphaWasReferenced && f.BetaWasReferenced {
		f.State = StateAtDatum
	} else {
		f.State = StateUninitialized
	}
}

func handleFinishedMotion(f *FPURecord, resp Response) {
	f.AlphaSteps += cancommand.UnfoldAlphaSteps(resp.Primary)
	f.BetaSteps += cancommand.UnfoldBetaSteps(resp.Secondary)
	if resp.Error != ErrNone {
		f.State = StateObstacleError
		f.WaveformValid = false
		f.AlphaWasReferenced, f.BetaWasReferenced = false, false
		return
	}
	f.MovementComplete = true
	f.State = StateResting
}

func handleExecuteMotionAck(f *FPURecord, resp Response) {
	switch resp.Error {
	case ErrNone:
		f.MovementComplete = false
		f.State = StateMoving
	case ErrInvalidParameter, ErrWaveformNotReady:
		f.WaveformValid = false
	case ErrCollision, ErrLimitBreach:
		f.State = StateObstacleError
	default:
		f.State = StateObstacleError
	}
}

func handleAbortMotionAck(f *FPURecord, resp Response) {
	if f.State != StateObstacleError {
		f.State = StateAborted
	}
}

func handleFindDatumAck(f *FPURecord, resp Response) {
	if resp.Error == ErrDatumOnLimitSwitch || resp.Error == ErrAutoDatumUninitialized {
		f.AlphaWasReferenced, f.BetaWasReferenced = false, false
		f.State = StateObstacleError
		return
	}
	if resp.Error != ErrNone {
		f.State = StateObstacleError
		return
	}
	f.State = StateDatumSearch
}

func handleConfigMotionAck(f *FPURecord, resp Response) {
	if resp.Error == ErrWaveformNotReady || resp.Error == ErrInvalidParameter {
		if f.State == StateLoading {
			f.State = StateResting
		}
		f.WaveformValid = false
		f.WaveformStatus = byte(resp.Error)
		return
	}
	f.NumWaveformSegments++
	lastEntry := resp.Primary&0x1 != 0
	if lastEntry {
		f.State = StateReadyForward
		f.WaveformReady = true
		f.WaveformValid = true
	} else {
		f.State = StateLoading
	}
}

func handleRepeatReverseAck(f *FPURecord, resp Response) {
	if resp.Error != ErrNone {
		f.State = StateObstacleError
		return
	}
	f.State = StateReadyForward
}

func handleFreeCollision(f *FPURecord, resp Response) {
	f.AlphaSteps += cancommand.UnfoldAlphaSteps(resp.Primary)
	f.BetaSteps += cancommand.UnfoldBetaSteps(resp.Secondary)
	if resp.Error == ErrNone {
		f.BetaCollision = false
		f.State = StateResting
	}
}

func handleFreeLimit(f *FPURecord, resp Response) {
	f.AlphaSteps += cancommand.UnfoldAlphaSteps(resp.Primary)
	f.BetaSteps += cancommand.UnfoldBetaSteps(resp.Secondary)
	if resp.Error == ErrNone {
		f.AtAlphaLimit = false
		f.State = StateResting
	}
}

func handlePing(f *FPURecord, resp Response) {
	f.PingOK = resp.Error == ErrNone
	f.AlphaSteps = cancommand.UnfoldAlphaSteps(resp.Primary)
	f.BetaSteps = cancommand.UnfoldBetaSteps(resp.Secondary)
	if f.PingOK && f.State == StateUnknown {
		f.State = StateUninitialized
	}
}

func resetRecord(f *FPURecord) {
	serial := f.SerialNumber
	fw := f.FirmwareVersion
	*f = FPURecord{State: StateUninitialized}
	f.SerialNumber = serial
	f.FirmwareVersion = fw
}
