package asyncdriver

import (
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/commandpool"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
)

// Segment is one waveform step for a single FPU's two arms (spec §3's wtab
// entries).
type Segment struct {
	AlphaSteps int32
	BetaSteps  int32
	Pause      bool
}

// Waveform maps logical FPU id to its ordered segment list.
type Waveform map[int][]Segment

// MaxNumSections bounds the number of CONFIG_MOTION segments per FPU (spec
// §4.9's MAX_NUM_SECTIONS), grounded on C3's MaxSubCommands: the command
// pool only ever pre-allocates that many CONFIG_MOTION sub-commands per FPU,
// so a longer waveform could never be dispatched anyway.
const MaxNumSections = commandpool.MaxSubCommands

// MaxSegmentSteps bounds a single segment's step magnitude (spec §4.9's
// MAX_STEPS): the wire format folds a segment's step count into a 14-bit
// magnitude field (cancommand.foldSegmentSteps), so 0x3FFF is the hard
// ceiling regardless of any configured limit.
const MaxSegmentSteps = 0x3fff

// MinSegmentStartSteps is the floor on the first non-pause segment's
// magnitude (spec §4.9's MIN_STEPS): below this the motor cannot reliably
// start or stop without stalling.
const MinSegmentStartSteps = 1

// validateWaveform implements spec §4.9's waveform validation, executed in
// full before configMotion dispatches a single CAN frame. It returns the
// first violation it finds; since it runs before dispatch, a rejected
// waveform sends nothing.
func validateWaveform(cfg config.Config, wf Waveform) error {
	if len(wf) == 0 {
		return fpuerrors.New(fpuerrors.KindInvalidParameter, "waveform addresses no FPUs")
	}

	startCeiling := int32(cfg.MotorMaxStartFrequency)
	if startCeiling < MinSegmentStartSteps {
		startCeiling = MinSegmentStartSteps
	}

	wantLen := -1
	for id, segs := range wf {
		if len(segs) == 0 {
			return fpuerrors.ForFPU(fpuerrors.KindWaveformRagged, id, "empty segment list")
		}
		if wantLen == -1 {
			wantLen = len(segs)
		} else if len(segs) != wantLen {
			return fpuerrors.ForFPU(fpuerrors.KindWaveformRagged, id, "segment count differs from other FPUs in this waveform")
		}
		if len(segs) > MaxNumSections {
			return fpuerrors.ForFPUf(fpuerrors.KindWaveformTooManySections, id, "%d segments exceeds MAX_NUM_SECTIONS=%d", len(segs), MaxNumSections)
		}

		var prevAlpha, prevBeta int32
		havePrev := false
		for i, s := range segs {
			if abs32(s.AlphaSteps) > MaxSegmentSteps || abs32(s.BetaSteps) > MaxSegmentSteps {
				return fpuerrors.ForFPUf(fpuerrors.KindWaveformStepCountTooLarge, id, "segment %d exceeds MAX_STEPS=%d", i, MaxSegmentSteps)
			}

			if s.Pause {
				continue
			}

			if !havePrev {
				if abs32(s.AlphaSteps) > 0 && abs32(s.AlphaSteps) < MinSegmentStartSteps ||
					abs32(s.BetaSteps) > 0 && abs32(s.BetaSteps) < MinSegmentStartSteps {
					return fpuerrors.ForFPUf(fpuerrors.KindWaveformInvalidSpeedChange, id, "first segment below MIN_STEPS=%d", MinSegmentStartSteps)
				}
				if abs32(s.AlphaSteps) > startCeiling || abs32(s.BetaSteps) > startCeiling {
					return fpuerrors.ForFPUf(fpuerrors.KindWaveformInvalidSpeedChange, id, "first segment exceeds motor_max_start_frequency bound %d", startCeiling)
				}
			} else {
				if exceedsIncrease(prevAlpha, s.AlphaSteps, cfg.MotorMaxRelIncrease) ||
					exceedsIncrease(prevBeta, s.BetaSteps, cfg.MotorMaxRelIncrease) {
					return fpuerrors.ForFPUf(fpuerrors.KindWaveformInvalidSpeedChange, id, "segment %d increases |steps| by more than %.2fx", i, cfg.MotorMaxRelIncrease)
				}
			}
			prevAlpha, prevBeta = s.AlphaSteps, s.BetaSteps
			havePrev = true

			if i == len(segs)-1 {
				if abs32(s.AlphaSteps) > startCeiling || abs32(s.BetaSteps) > startCeiling {
					return fpuerrors.ForFPUf(fpuerrors.KindWaveformInvalidTail, id, "final segment exceeds motor_max_start_frequency bound %d", startCeiling)
				}
			}
		}
	}
	return nil
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// exceedsIncrease reports whether next's magnitude increases over prev's by
// more than factor, only meaningful once prev is established (non-zero
// magnitude); a prev of exactly zero never triggers (nothing to compare the
// ratio against).
func exceedsIncrease(prev, next int32, factor float64) bool {
	p, n := abs32(prev), abs32(next)
	if p == 0 {
		return false
	}
	return float64(n) > float64(p)*factor
}

// ConfigMotion validates wf (spec §4.9) and, only if every rule passes,
// dispatches one CONFIG_MOTION sub-command per segment per FPU, first-entry
// and last-entry flagged so C7 knows when to mark the waveform ready. On
// validation failure, zero frames are dispatched.
func (d *Driver) ConfigMotion(cfg config.Config, wf Waveform) error {
	if err := validateWaveform(cfg, wf); err != nil {
		return err
	}

	snap := d.gw.Grid.GetGridState()
	for id := range wf {
		if id < 0 || id >= len(snap.FPUs) {
			return fpuerrors.ForFPU(fpuerrors.KindInvalidFPUID, id, "fpu id out of range")
		}
		if snap.FPUs[id].IsLocked {
			return fpuerrors.ForFPU(fpuerrors.KindFPUsLocked, id, "fpu is locked")
		}
	}

	for id, segs := range wf {
		for i, s := range segs {
			seg, idx := s, i
			d.dispatchOne(id, cancommand.OpConfigMotion, func(cmd *cancommand.Command) {
				cmd.AlphaSteps = seg.AlphaSteps
				cmd.BetaSteps = seg.BetaSteps
				cmd.Pause = seg.Pause
				cmd.FirstEntry = idx == 0
				cmd.LastEntry = idx == len(segs)-1
				cmd.Timeout = cancommand.TimeoutForConfigMotion(idx + 1)
			})
		}
	}
	return nil
}

// WaitConfigMotion blocks for READY_TO_MOVE, the mask configMotion's
// last-entry confirmation satisfies (spec §4.6, §4.7).
func (d *Driver) WaitConfigMotion(timeout time.Duration) (fpustate.GridState, bool) {
	return d.gw.Grid.WaitForState(fpustate.MaskReadyToMove, timeout)
}
