package cancommand

import (
	"encoding/binary"
	"time"

	"github.com/rs/xid"
)

// DatumMode selects how FIND_DATUM searches for the reference switch.
type DatumMode uint8

const (
	DatumModeAuto DatumMode = iota
	DatumModeManual
)

// Arm selects which arm(s) an operation addresses.
type Arm uint8

const (
	ArmAlpha Arm = iota
	ArmBeta
	ArmBoth
)

// wireOpcode is the 5-bit opcode value placed in byte 0 of every frame
// (spec §4.2, §6). Protocol v1 and v2 share this numbering in this driver;
// the one documented divergence (v1 lacks LOCK_UNIT/UNLOCK_UNIT, using those
// slots for legacy GET_STEPS_* opcodes this driver does not implement) is
// resolved by rejecting OpLockUnit/OpUnlockUnit under protocol v1 rather
// than emitting an ambiguous wire value.
var wireOpcode = map[Opcode]uint8{
	OpConfigMotion:                  0,
	OpExecuteMotion:                 1,
	OpAbortMotion:                   2,
	OpFindDatum:                     3,
	OpLockUnit:                      4,
	OpUnlockUnit:                    5,
	OpResetFPU:                      6,
	OpRepeatMotion:                  7,
	OpReverseMotion:                 8,
	OpFreeBetaCollision:             9,
	OpEnableBetaCollisionProtection: 10,
	OpFreeAlphaLimitBreach:          11,
	OpEnableAlphaLimitProtection:    12,
	OpSetUStepLevel:                 13,
	OpResetStepCounter:              14,
	OpSetTicksPerSegment:            15,
	OpSetStepsPerSegment:            16,
	OpEnableMove:                    17,
	OpReadRegister:                  18,
	OpReadSerialNumber:              19,
	OpWriteSerialNumber:             20,
	OpPingFPU:                       21,
	OpGetFirmwareVersion:            22,
	OpCheckIntegrity:                23,
	OpFinishedMotion:                24,
	OpFinishedDatum:                 25,
	OpWarnCollisionBeta:             26,
	OpWarnLimitAlpha:                27,
	OpWarnTimeoutDatum:              28,
	OpWarnCANOverflow:               29,
}

// WireValue returns the 5-bit wire opcode for op. ok is false for an op with
// no wire representation.
func WireValue(op Opcode) (byte, bool) {
	v, ok := wireOpcode[op]
	return v, ok
}

var wireOpcodeRev = func() map[byte]Opcode {
	m := make(map[byte]Opcode, len(wireOpcode))
	for op, v := range wireOpcode {
		m[v] = op
	}
	return m
}()

// FromWireValue is the inverse of WireValue, used by response dispatch
// (spec §4.7) to recover the canonical Opcode from an inbound frame's first
// byte.
func FromWireValue(v byte) (Opcode, bool) {
	op, ok := wireOpcodeRev[v]
	return op, ok
}

// Command is the tagged-union command object of spec §4.2: one concrete
// struct carrying every opcode's parameters, dispatched by Opcode. This is
// the Go rendering of the source's polymorphic per-opcode classes (spec §9
// design note: "represent as a sum type over opcodes with an associated
// serializer; dispatch is by tag").
type Command struct {
	Opcode         Opcode
	FPUID          int
	SequenceNumber uint8  // protocol v2 wire correlation byte
	CorrelationID  string // process-local log correlation id (xid), independent of SequenceNumber

	// Gateway/Bus address a broadcast command directly (spec §4.9:
	// abortMotion "must broadcast ... to every gateway"): a broadcast frame
	// has no single addressed FPU, so it cannot be resolved through
	// fpuid.FromLogicalID(FPUID) the way every unicast command is. Unused
	// for non-broadcast opcodes.
	Gateway int
	Bus     int

	// Timeout overrides the opcode's table timeout (MetadataFor) for this
	// specific command instance, zero meaning "use the table value". Set by
	// configMotion for CONFIG_MOTION sub-commands, whose correct timeout
	// grows with segment index (cancommand.TimeoutForConfigMotion).
	Timeout time.Duration

	// CONFIG_MOTION: one sub-command per waveform segment.
	AlphaSteps int32
	BetaSteps  int32
	Pause      bool
	FirstEntry bool
	LastEntry  bool

	// FIND_DATUM
	DatumMode DatumMode
	DatumArm  Arm

	// engineering opcodes
	RegisterAddress uint16
	RegisterValue   uint8
	SerialNumber    [5]byte
	UStepLevel      uint8
	TicksPerSegment uint16
	StepsPerSegment uint16
}

// New builds a Command for opcode addressed at fpuID, stamping a fresh
// correlation id.
func New(op Opcode, fpuID int) *Command {
	return &Command{Opcode: op, FPUID: fpuID, CorrelationID: xid.New().String()}
}

// Reset clears a recycled Command back to its zero opcode-specific fields
// while keeping the struct allocation (C3's pool reuses these; see
// commandpool.Pool).
func (c *Command) Reset() {
	id := c.CorrelationID
	*c = Command{}
	c.CorrelationID = id
}

// Serialize renders the opcode-specific CAN data bytes (spec §4.2): byte 0
// is always the wire opcode; subsequent bytes are opcode-specific. The
// result never exceeds 8 bytes (the CAN data field width).
func (c *Command) Serialize(protocolVersion int) ([]byte, error) {
	op, ok := wireOpcode[c.Opcode]
	if !ok {
		return nil, errUnserializableOpcode(c.Opcode)
	}
	if protocolVersion == 1 && (c.Opcode == OpLockUnit || c.Opcode == OpUnlockUnit) {
		return nil, errUnserializableOpcode(c.Opcode)
	}

	switch c.Opcode {
	case OpConfigMotion:
		buf := make([]byte, 6)
		buf[0] = op
		var flags byte
		if c.FirstEntry {
			flags |= 0x01
		}
		if c.LastEntry {
			flags |= 0x02
		}
		buf[1] = flags
		binary.LittleEndian.PutUint16(buf[2:4], foldSegmentSteps(c.AlphaSteps, c.Pause))
		binary.LittleEndian.PutUint16(buf[4:6], foldSegmentSteps(c.BetaSteps, c.Pause))
		return buf, nil

	case OpFindDatum:
		return []byte{op, byte(c.DatumMode), byte(c.DatumArm)}, nil

	case OpReadRegister:
		buf := make([]byte, 3)
		buf[0] = op
		binary.LittleEndian.PutUint16(buf[1:3], c.RegisterAddress)
		return buf, nil

	case OpWriteSerialNumber:
		buf := make([]byte, 1+len(c.SerialNumber))
		buf[0] = op
		copy(buf[1:], c.SerialNumber[:])
		return buf, nil

	case OpSetUStepLevel:
		return []byte{op, c.UStepLevel}, nil

	case OpSetTicksPerSegment:
		buf := make([]byte, 3)
		buf[0] = op
		binary.LittleEndian.PutUint16(buf[1:3], c.TicksPerSegment)
		return buf, nil

	case OpSetStepsPerSegment:
		buf := make([]byte, 3)
		buf[0] = op
		binary.LittleEndian.PutUint16(buf[1:3], c.StepsPerSegment)
		return buf, nil

	default:
		// most opcodes (abort, execute, ping, reset, lock/unlock, free/enable
		// protection, repeat/reverse, enable-move, read-serial, get-firmware,
		// check-integrity, reset-step-counter) carry no parameters.
		return []byte{op}, nil
	}
}

type errUnserializableOpcode Opcode

func (e errUnserializableOpcode) Error() string {
	return "cancommand: opcode " + Opcode(e).String() + " cannot be serialized under this protocol version"
}
