// Package cancommand implements the polymorphic per-opcode CAN command
// objects of spec §4.2: serialization, the priority/timeout/broadcast
// metadata table, and the step-count folding used by CONFIG_MOTION and the
// step-count unfolding used to interpret FPU state reports.
package cancommand

import "time"

// Opcode is the canonical, protocol-version-independent operation tag
// (spec §9 open question (a): "choose one canonical enum and map on
// ingress"). Wire numbering differences between protocol v1 and v2 are
// handled by WireValue/FromWireValue, not by this enum.
type Opcode uint8

const (
	OpConfigMotion Opcode = iota
	OpExecuteMotion
	OpAbortMotion
	OpFindDatum
	OpLockUnit
	OpUnlockUnit
	OpResetFPU
	OpRepeatMotion
	OpReverseMotion
	OpFreeBetaCollision
	OpEnableBetaCollisionProtection
	OpFreeAlphaLimitBreach
	OpEnableAlphaLimitProtection
	OpSetUStepLevel
	OpResetStepCounter
	OpSetTicksPerSegment
	OpSetStepsPerSegment
	OpEnableMove
	OpReadRegister
	OpReadSerialNumber
	OpWriteSerialNumber
	OpPingFPU
	OpGetFirmwareVersion
	OpCheckIntegrity

	// Spontaneous / response-only opcodes (spec §6): these never appear as
	// outbound commands but are dispatched by the same tag.
	OpFinishedMotion
	OpFinishedDatum
	OpWarnCollisionBeta
	OpWarnLimitAlpha
	OpWarnTimeoutDatum
	OpWarnCANOverflow

	opcodeCount
)

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "UNKNOWN_OPCODE"
}

var opcodeNames = map[Opcode]string{
	OpConfigMotion:                  "CONFIG_MOTION",
	OpExecuteMotion:                 "EXECUTE_MOTION",
	OpAbortMotion:                   "ABORT_MOTION",
	OpFindDatum:                     "FIND_DATUM",
	OpLockUnit:                      "LOCK_UNIT",
	OpUnlockUnit:                    "UNLOCK_UNIT",
	OpResetFPU:                      "RESET_FPU",
	OpRepeatMotion:                  "REPEAT_MOTION",
	OpReverseMotion:                 "REVERSE_MOTION",
	OpFreeBetaCollision:             "FREE_BETA_COLLISION",
	OpEnableBetaCollisionProtection: "ENABLE_BETA_COLLISION_PROTECTION",
	OpFreeAlphaLimitBreach:          "FREE_ALPHA_LIMIT_BREACH",
	OpEnableAlphaLimitProtection:    "ENABLE_ALPHA_LIMIT_PROTECTION",
	OpSetUStepLevel:                 "SET_USTEP_LEVEL",
	OpResetStepCounter:              "RESET_STEP_COUNTER",
	OpSetTicksPerSegment:            "SET_TICKS_PER_SEGMENT",
	OpSetStepsPerSegment:            "SET_STEPS_PER_SEGMENT",
	OpEnableMove:                    "ENABLE_MOVE",
	OpReadRegister:                  "READ_REGISTER",
	OpReadSerialNumber:              "READ_SERIAL_NUMBER",
	OpWriteSerialNumber:             "WRITE_SERIAL_NUMBER",
	OpPingFPU:                       "PING_FPU",
	OpGetFirmwareVersion:            "GET_FIRMWARE_VERSION",
	OpCheckIntegrity:                "CHECK_INTEGRITY",
	OpFinishedMotion:                "FINISHED_MOTION",
	OpFinishedDatum:                 "FINISHED_DATUM",
	OpWarnCollisionBeta:             "WARN_COLLISION_BETA",
	OpWarnLimitAlpha:                "WARN_LIMIT_ALPHA",
	OpWarnTimeoutDatum:              "WARN_TIMEOUT_DATUM",
	OpWarnCANOverflow:               "WARN_CANOVERFLOW",
}

// Metadata is the fixed per-opcode table: priority, default timeout,
// whether the opcode addresses every FPU on a gateway via a single
// broadcast frame, and whether the sender should expect a response frame
// at all (spec §4.2, §4.3, §5).
type Metadata struct {
	Priority        int
	Timeout         time.Duration
	Broadcast       bool
	ExpectsResponse bool
}

// priority groups exactly as spec §4.2 defines them.
const (
	priorityMotion    = 3 // abort/execute/findDatum
	priorityLockFree  = 4 // lock/unlock/free-collision/free-limit
	priorityEngineer  = 5 // reset/enable-protection/check-integrity/enable-move
	priorityRoutine   = 6 // config-motion/repeat/reverse/ping/read-register/set-ustep/serial
)

var metadata = map[Opcode]Metadata{
	OpConfigMotion:                  {priorityRoutine, 500 * time.Millisecond, false, true}, // per-segment, see TimeoutForConfigMotion
	OpExecuteMotion:                 {priorityMotion, 40 * time.Second, false, true},
	OpAbortMotion:                   {priorityMotion, 2 * time.Second, true, true},
	OpFindDatum:                     {priorityMotion, 60 * time.Second, false, true},
	OpLockUnit:                      {priorityLockFree, 2 * time.Second, false, true},
	OpUnlockUnit:                    {priorityLockFree, 2 * time.Second, false, true},
	OpResetFPU:                      {priorityEngineer, 2 * time.Second, false, true},
	OpRepeatMotion:                  {priorityRoutine, 2 * time.Second, false, true},
	OpReverseMotion:                 {priorityRoutine, 2 * time.Second, false, true},
	OpFreeBetaCollision:             {priorityLockFree, 5 * time.Second, false, true},
	OpEnableBetaCollisionProtection: {priorityEngineer, 2 * time.Second, false, true},
	OpFreeAlphaLimitBreach:          {priorityLockFree, 5 * time.Second, false, true},
	OpEnableAlphaLimitProtection:    {priorityEngineer, 2 * time.Second, false, true},
	OpSetUStepLevel:                 {priorityRoutine, 2 * time.Second, false, true},
	OpResetStepCounter:              {priorityEngineer, 2 * time.Second, false, true},
	OpSetTicksPerSegment:            {priorityEngineer, 2 * time.Second, false, true},
	OpSetStepsPerSegment:            {priorityEngineer, 2 * time.Second, false, true},
	OpEnableMove:                    {priorityEngineer, 2 * time.Second, false, true},
	OpReadRegister:                  {priorityRoutine, 500 * time.Millisecond, false, true},
	OpReadSerialNumber:               {priorityRoutine, 2 * time.Second, false, true},
	OpWriteSerialNumber:             {priorityRoutine, 2 * time.Second, false, true},
	OpPingFPU:                       {priorityRoutine, 500 * time.Millisecond, false, true},
	OpGetFirmwareVersion:            {priorityEngineer, 2 * time.Second, false, true},
	OpCheckIntegrity:                {priorityEngineer, 20 * time.Second, false, true},
}

// MetadataFor returns the fixed metadata for opcode. When protocolVersion is
// 1, priority is forced to 0 for every opcode (spec §4.2, §9 open question
// (c)): protocol v1 doesn't carry a meaningful priority field.
func MetadataFor(op Opcode, protocolVersion int) Metadata {
	m := metadata[op]
	if protocolVersion == 1 {
		m.Priority = 0
	}
	return m
}

// TimeoutForConfigMotion returns the timeout for one CONFIG_MOTION segment
// confirmation: 0.5s per confirmed segment (spec §4.2).
func TimeoutForConfigMotion(confirmedSegments int) time.Duration {
	if confirmedSegments < 1 {
		confirmedSegments = 1
	}
	return time.Duration(confirmedSegments) * 500 * time.Millisecond
}

// CANIdentifier computes the CAN identifier field of the frame: (priority
// << 7) | can_id for unicast, 0 for broadcast (spec §4.2, §6).
func CANIdentifier(priority int, canID uint16, broadcast bool) uint16 {
	if broadcast {
		return 0
	}
	return uint16(priority<<7) | (canID & 0x7f)
}
