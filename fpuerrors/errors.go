// Package fpuerrors defines the driver's error taxonomy (see spec §7).
// Every leaf condition the driver can surface to a caller is a distinct,
// testable Kind rather than a string or panic.
package fpuerrors

import "fmt"

// Kind identifies one leaf of the error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota

	// Setup
	KindAlreadyInitialized
	KindNeverInitialized
	KindInvalidConfig
	KindTooFewGateways

	// Connection
	KindCannotOpenSocket
	KindNoConnection
	KindCommandTimeout
	KindCANBufferOverflow
	KindSocketFailure

	// Parameter
	KindInvalidFPUID
	KindInvalidParameter
	KindDuplicateSerialNumber

	// Waveform
	KindWaveformTooManySections
	KindWaveformRagged
	KindWaveformStepCountTooLarge
	KindWaveformInvalidSpeedChange
	KindWaveformInvalidTail
	KindWaveformNotReady

	// FPU state
	KindStillBusy
	KindFPUNotInitialized
	KindFPUsLocked
	KindAbortedState
	KindInvalidForCurrentState

	// Movement
	KindCollision
	KindAlphaLimitBreach
	KindFirmwareDatumTimeout
	KindStepTimingError
	KindAborted
	KindInconsistentStepCounter

	// Protection
	KindEnvelopeBreach

	// System
	KindOutOfMemory
	KindResourceError
	KindAssertionFailed
	KindFirmwareUnimplemented

	// Wait (soft, not an error at the interface boundary)
	KindWaitTimeout
)

var names = map[Kind]string{
	KindUnknown:                    "unknown",
	KindAlreadyInitialized:         "already_initialized",
	KindNeverInitialized:           "never_initialized",
	KindInvalidConfig:              "invalid_config",
	KindTooFewGateways:             "too_few_gateways",
	KindCannotOpenSocket:           "cannot_open_socket",
	KindNoConnection:               "no_connection",
	KindCommandTimeout:             "command_timeout",
	KindCANBufferOverflow:          "can_buffer_overflow",
	KindSocketFailure:              "socket_failure",
	KindInvalidFPUID:               "invalid_fpu_id",
	KindInvalidParameter:           "invalid_parameter",
	KindDuplicateSerialNumber:      "duplicate_serial_number",
	KindWaveformTooManySections:    "waveform_too_many_sections",
	KindWaveformRagged:             "waveform_ragged",
	KindWaveformStepCountTooLarge:  "waveform_step_count_too_large",
	KindWaveformInvalidSpeedChange: "waveform_invalid_speed_change",
	KindWaveformInvalidTail:        "waveform_invalid_tail",
	KindWaveformNotReady:           "waveform_not_ready",
	KindStillBusy:                  "still_busy",
	KindFPUNotInitialized:          "fpu_not_initialized",
	KindFPUsLocked:                 "fpus_locked",
	KindAbortedState:               "aborted_state",
	KindInvalidForCurrentState:     "invalid_for_current_state",
	KindCollision:                  "collision",
	KindAlphaLimitBreach:           "alpha_limit_breach",
	KindFirmwareDatumTimeout:       "firmware_datum_timeout",
	KindStepTimingError:            "step_timing_error",
	KindAborted:                    "aborted",
	KindInconsistentStepCounter:    "inconsistent_step_counter",
	KindEnvelopeBreach:             "envelope_breach",
	KindOutOfMemory:                "out_of_memory",
	KindResourceError:              "resource_error",
	KindAssertionFailed:            "assertion_failed",
	KindFirmwareUnimplemented:      "firmware_unimplemented",
	KindWaitTimeout:                "wait_timeout",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown"
}

// DriverError wraps a Kind with an optional FPU id and underlying cause.
type DriverError struct {
	Kind  Kind
	FPUID int // -1 if not FPU-specific
	Msg   string
	Cause error
}

func (e *DriverError) Error() string {
	if e.FPUID >= 0 {
		if e.Cause != nil {
			return fmt.Sprintf("fpu %d: %s: %s: %v", e.FPUID, e.Kind, e.Msg, e.Cause)
		}
		return fmt.Sprintf("fpu %d: %s: %s", e.FPUID, e.Kind, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// Is reports whether target is a *DriverError with the same Kind, so callers
// can write errors.Is(err, fpuerrors.New(KindWaveformRagged, "")).
func (e *DriverError) Is(target error) bool {
	t, ok := target.(*DriverError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a grid-wide (non-FPU-specific) DriverError.
func New(kind Kind, msg string) *DriverError {
	return &DriverError{Kind: kind, FPUID: -1, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *DriverError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap builds a grid-wide DriverError around a cause.
func Wrap(kind Kind, msg string, cause error) *DriverError {
	return &DriverError{Kind: kind, FPUID: -1, Msg: msg, Cause: cause}
}

// ForFPU builds an FPU-specific DriverError.
func ForFPU(kind Kind, fpuID int, msg string) *DriverError {
	return &DriverError{Kind: kind, FPUID: fpuID, Msg: msg}
}

// ForFPUf is ForFPU with formatting.
func ForFPUf(kind Kind, fpuID int, format string, args ...any) *DriverError {
	return ForFPU(kind, fpuID, fmt.Sprintf(format, args...))
}
