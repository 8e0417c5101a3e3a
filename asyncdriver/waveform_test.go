package asyncdriver

import (
	"testing"

	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NumFPUs = 2
	cfg.GatewayAddresses = []string{"127.0.0.1:4700"}
	cfg.MotorMaxStartFrequency = 100
	cfg.MotorMaxRelIncrease = 1.4
	return cfg
}

func kindOf(t *testing.T, err error) fpuerrors.Kind {
	t.Helper()
	de, ok := err.(*fpuerrors.DriverError)
	if !ok {
		t.Fatalf("expected *fpuerrors.DriverError, got %T (%v)", err, err)
	}
	return de.Kind
}

func TestValidateWaveformRejectsEmpty(t *testing.T) {
	if err := validateWaveform(testConfig(), Waveform{}); err == nil {
		t.Fatal("expected error for empty waveform")
	}
}

func TestValidateWaveformRejectsRagged(t *testing.T) {
	wf := Waveform{
		0: {{AlphaSteps: 50, BetaSteps: 0}, {AlphaSteps: 50, BetaSteps: 0}},
		1: {{AlphaSteps: 50, BetaSteps: 0}},
	}
	err := validateWaveform(testConfig(), wf)
	if err == nil {
		t.Fatal("expected ragged waveform to be rejected")
	}
	if kindOf(t, err) != fpuerrors.KindWaveformRagged {
		t.Fatalf("expected KindWaveformRagged, got %v", kindOf(t, err))
	}
}

func TestValidateWaveformRejectsTooManySections(t *testing.T) {
	segs := make([]Segment, MaxNumSections+1)
	for i := range segs {
		segs[i] = Segment{AlphaSteps: 10, BetaSteps: 0}
	}
	wf := Waveform{0: segs}
	err := validateWaveform(testConfig(), wf)
	if err == nil || kindOf(t, err) != fpuerrors.KindWaveformTooManySections {
		t.Fatalf("expected KindWaveformTooManySections, got %v", err)
	}
}

func TestValidateWaveformRejectsOversizeStep(t *testing.T) {
	wf := Waveform{0: {{AlphaSteps: MaxSegmentSteps + 1, BetaSteps: 0}}}
	err := validateWaveform(testConfig(), wf)
	if err == nil || kindOf(t, err) != fpuerrors.KindWaveformStepCountTooLarge {
		t.Fatalf("expected KindWaveformStepCountTooLarge, got %v", err)
	}
}

func TestValidateWaveformRejectsFastStart(t *testing.T) {
	wf := Waveform{0: {{AlphaSteps: 9999, BetaSteps: 0}}}
	err := validateWaveform(testConfig(), wf)
	if err == nil || kindOf(t, err) != fpuerrors.KindWaveformInvalidSpeedChange {
		t.Fatalf("expected KindWaveformInvalidSpeedChange, got %v", err)
	}
}

func TestValidateWaveformRejectsExcessiveIncrease(t *testing.T) {
	wf := Waveform{0: {
		{AlphaSteps: 50, BetaSteps: 0},
		{AlphaSteps: 50, BetaSteps: 0}, // fine so far
		{AlphaSteps: 200, BetaSteps: 0}, // > 1.4x jump from 50
	}}
	err := validateWaveform(testConfig(), wf)
	if err == nil || kindOf(t, err) != fpuerrors.KindWaveformInvalidSpeedChange {
		t.Fatalf("expected KindWaveformInvalidSpeedChange, got %v", err)
	}
}

func TestValidateWaveformAcceptsWellFormedTable(t *testing.T) {
	wf := Waveform{
		0: {
			{AlphaSteps: 50, BetaSteps: -20},
			{AlphaSteps: 60, BetaSteps: -25},
			{AlphaSteps: 50, BetaSteps: -20},
		},
		1: {
			{AlphaSteps: 40, BetaSteps: 10},
			{AlphaSteps: 50, BetaSteps: 12},
			{AlphaSteps: 40, BetaSteps: 10},
		},
	}
	if err := validateWaveform(testConfig(), wf); err != nil {
		t.Fatalf("expected well-formed waveform to validate, got %v", err)
	}
}

func TestValidateWaveformAllowsPauseSegmentsAtAnyMagnitude(t *testing.T) {
	wf := Waveform{0: {
		{AlphaSteps: 50, BetaSteps: 0},
		{AlphaSteps: 0, BetaSteps: 0, Pause: true},
		{AlphaSteps: 50, BetaSteps: 0},
	}}
	if err := validateWaveform(testConfig(), wf); err != nil {
		t.Fatalf("expected pause segment to be ignored by the ramp check, got %v", err)
	}
}
