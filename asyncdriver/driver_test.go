package asyncdriver

import (
	"path/filepath"
	"testing"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
	"github.com/ukatc/fpu-driver-sub001/gateway"
)

// newUnconnectedDriver builds an asyncdriver.Driver around a gateway.Driver
// that was never Connect-ed: Pool, Queue and Grid are all live in-process
// structures from gateway.New, so dispatch logic can be exercised without a
// real socket.
func newUnconnectedDriver(t *testing.T, numFPUs int, numGateways int) *Driver {
	t.Helper()
	cfg := config.Default()
	cfg.NumFPUs = numFPUs
	addrs := make([]string, numGateways)
	for i := range addrs {
		addrs[i] = "127.0.0.1:0"
	}
	cfg.GatewayAddresses = addrs
	cfg.AdvisoryLockPath = filepath.Join(t.TempDir(), "grid.lock")

	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	return New(gw)
}

func TestPingEnqueuesOneCommandPerFPU(t *testing.T) {
	d := newUnconnectedDriver(t, 3, 1)
	if err := d.Ping([]int{0, 1, 2}); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := d.gw.Queue.Len(0); got != 3 {
		t.Fatalf("expected 3 queued commands, got %d", got)
	}
	for i := 0; i < 3; i++ {
		cmd, ok := d.gw.Queue.Dequeue(0)
		if !ok {
			t.Fatalf("expected command %d to be queued", i)
		}
		if cmd.Opcode != cancommand.OpPingFPU {
			t.Fatalf("expected PING_FPU, got %v", cmd.Opcode)
		}
	}
}

func TestDispatchManyRejectsEmptyIDs(t *testing.T) {
	d := newUnconnectedDriver(t, 1, 1)
	err := d.Ping(nil)
	if err == nil {
		t.Fatal("expected error for empty id list")
	}
	de, ok := err.(*fpuerrors.DriverError)
	if !ok || de.Kind != fpuerrors.KindInvalidParameter {
		t.Fatalf("expected KindInvalidParameter, got %v", err)
	}
}

func TestStartFindDatumAcceptsFreshFPU(t *testing.T) {
	d := newUnconnectedDriver(t, 1, 1)
	// A fresh FPU starts UNINITIALIZED and unlocked, so its preconditions
	// pass and FIND_DATUM is queued.
	if err := d.StartFindDatum([]int{0}, cancommand.DatumModeAuto, cancommand.ArmBoth); err != nil {
		t.Fatalf("StartFindDatum: %v", err)
	}
	cmd, ok := d.gw.Queue.Dequeue(0)
	if !ok || cmd.Opcode != cancommand.OpFindDatum {
		t.Fatalf("expected a queued FIND_DATUM command, got %v ok=%v", cmd, ok)
	}
}

func TestAbortMotionBroadcastsToEveryGateway(t *testing.T) {
	d := newUnconnectedDriver(t, 3, 2)

	d.AbortMotion(0) // zero timeout returns immediately; only the enqueue side effect is under test

	for gw := 0; gw < 2; gw++ {
		cmd, ok := d.gw.Queue.Dequeue(gw)
		if !ok {
			t.Fatalf("expected a broadcast command queued on gateway %d", gw)
		}
		if cmd.Opcode != cancommand.OpAbortMotion {
			t.Fatalf("expected ABORT_MOTION on gateway %d, got %v", gw, cmd.Opcode)
		}
		if cmd.Gateway != gw {
			t.Fatalf("expected cmd.Gateway=%d, got %d", gw, cmd.Gateway)
		}
	}
}

func TestConfigMotionRejectsRaggedWaveformWithoutQueuing(t *testing.T) {
	d := newUnconnectedDriver(t, 2, 1)
	wf := Waveform{
		0: {{AlphaSteps: 50}, {AlphaSteps: 50}},
		1: {{AlphaSteps: 50}},
	}
	cfg := config.Default()
	cfg.MotorMaxStartFrequency = 100
	if err := d.ConfigMotion(cfg, wf); err == nil {
		t.Fatal("expected ragged waveform rejection")
	}
	if got := d.gw.Queue.Len(0); got != 0 {
		t.Fatalf("expected zero commands queued on validation failure, got %d", got)
	}
}
