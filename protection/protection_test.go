package protection

import (
	"path/filepath"
	"testing"

	"github.com/ukatc/fpu-driver-sub001/asyncdriver"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
	"github.com/ukatc/fpu-driver-sub001/gateway"
	"github.com/ukatc/fpu-driver-sub001/store"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NumFPUs = 2
	cfg.GatewayAddresses = []string{"127.0.0.1:4700"}
	cfg.StepsPerDegreeAlpha = 100
	cfg.StepsPerDegreeBeta = 100
	cfg.EnvelopeUncertaintyDegrees = 0.1
	cfg.DefaultAlphaLimitLo, cfg.DefaultAlphaLimitHi = -180, 180
	cfg.DefaultBetaLimitLo, cfg.DefaultBetaLimitHi = -10, 10
	cfg.DefaultMaxAlphaRetries = 3
	cfg.DefaultMaxBetaRetries = 3
	return cfg
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	cfg := testConfig()
	cfg.AdvisoryLockPath = filepath.Join(t.TempDir(), "grid.lock")

	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	async := asyncdriver.New(gw)

	st, err := store.Open(filepath.Join(t.TempDir(), "grid.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	d := New(async, cfg, st)
	// Seed in-memory envelopes the way Connect would, without a live socket.
	d.envelopes[0] = defaultEnvelope(cfg)
	d.envelopes[1] = defaultEnvelope(cfg)
	d.serials[0] = [5]byte{'F', 'P', 'U', '0', '0'}
	d.serials[1] = [5]byte{'F', 'P', 'U', '0', '1'}
	return d
}

func TestSerialKeyTrimsNulPadding(t *testing.T) {
	got := serialKey([5]byte{'A', 'B', 0, 0, 0})
	if got != "AB" {
		t.Fatalf("expected %q, got %q", "AB", got)
	}
}

func TestEnvelopeRoundTripsThroughStore(t *testing.T) {
	cfg := testConfig()
	st, err := store.Open(filepath.Join(t.TempDir(), "grid.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	serial := [5]byte{'F', 'P', 'U', '0', '1'}

	want := defaultEnvelope(cfg)
	want.AlphaPosition = store.Interval{Lo: 10, Hi: 10.2}
	want.MaxAlphaRetries = 7
	want.AlphaRetryCountCW = 2
	want.Counters.CollisionCount = 4

	txn := st.Begin()
	saveEnvelope(txn, serial, want)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2 := st.Begin()
	defer txn2.Rollback()
	got, err := loadEnvelope(txn2, cfg, serial)
	if err != nil {
		t.Fatalf("loadEnvelope: %v", err)
	}
	if got.AlphaPosition != want.AlphaPosition {
		t.Fatalf("AlphaPosition: got %+v, want %+v", got.AlphaPosition, want.AlphaPosition)
	}
	if got.MaxAlphaRetries != want.MaxAlphaRetries || got.AlphaRetryCountCW != want.AlphaRetryCountCW {
		t.Fatalf("retry fields mismatch: got %+v", got)
	}
	if got.Counters.CollisionCount != want.Counters.CollisionCount {
		t.Fatalf("counters mismatch: got %+v", got.Counters)
	}
	if !got.SerialNumberUsed {
		t.Fatal("expected SerialNumberUsed to be set on a saved record")
	}
}

func TestLoadEnvelopeFallsBackToDefaultForUnseenSerial(t *testing.T) {
	cfg := testConfig()
	st, err := store.Open(filepath.Join(t.TempDir(), "grid.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	txn := st.Begin()
	defer txn.Rollback()

	env, err := loadEnvelope(txn, cfg, [5]byte{'N', 'E', 'W', '0', '1'})
	if err != nil {
		t.Fatalf("loadEnvelope: %v", err)
	}
	if !env.MotionLocked {
		t.Fatal("expected an unseen serial's envelope to start motion-locked")
	}
	want := store.Interval{Lo: cfg.DefaultAlphaLimitLo, Hi: cfg.DefaultAlphaLimitHi}
	if env.AlphaPosition != want {
		t.Fatalf("expected default alpha limits as the starting position, got %+v", env.AlphaPosition)
	}
}

func TestSimulateAccumulatesStepsAndIgnoresPauses(t *testing.T) {
	cfg := testConfig()
	env := defaultEnvelope(cfg)
	env.AlphaPosition = store.Interval{Lo: 0, Hi: 0}
	env.BetaPosition = store.Interval{Lo: 0, Hi: 0}

	segs := []asyncdriver.Segment{
		{AlphaSteps: 100, BetaSteps: 0},
		{AlphaSteps: 0, BetaSteps: 0, Pause: true},
		{AlphaSteps: 100, BetaSteps: 50},
	}
	alpha, beta := simulate(cfg, env, segs)

	wantAlpha := 200.0/cfg.StepsPerDegreeAlpha - cfg.EnvelopeUncertaintyDegrees
	if alpha.Lo != wantAlpha {
		t.Fatalf("alpha.Lo: got %v, want %v", alpha.Lo, wantAlpha)
	}
	if beta.Hi != 50.0/cfg.StepsPerDegreeBeta+cfg.EnvelopeUncertaintyDegrees {
		t.Fatalf("unexpected beta.Hi: %v", beta.Hi)
	}
}

func TestCheckEnvelopeRejectsOutOfRangePrediction(t *testing.T) {
	cfg := testConfig()
	env := defaultEnvelope(cfg)
	alpha, beta := store.Interval{Lo: 0, Hi: 0}, store.Interval{Lo: 100, Hi: 100}
	if err := checkEnvelope(0, env, alpha, beta); err == nil {
		t.Fatal("expected beta position outside its default [-10,10] limit to be rejected")
	}
}

func TestConfigMotionRejectsBreachWithoutPersistingOrDispatching(t *testing.T) {
	d := newTestDriver(t)
	wf := asyncdriver.Waveform{
		0: {{AlphaSteps: 100000, BetaSteps: 0}}, // 1000 degrees, far past any alpha limit
	}
	if err := d.ConfigMotion(wf); err == nil {
		t.Fatal("expected envelope breach to be rejected")
	}
	env := d.envelopes[0]
	if env.AlphaPosition != defaultEnvelope(testConfig()).AlphaPosition {
		t.Fatalf("expected envelope to be untouched on rejection, got %+v", env)
	}
}

func TestConfigMotionRejectsWhenMotionLocked(t *testing.T) {
	d := newTestDriver(t)
	env := d.envelopes[0]
	env.widenToMax()
	d.envelopes[0] = env

	wf := asyncdriver.Waveform{0: {{AlphaSteps: 10, BetaSteps: 0}}}
	err := d.ConfigMotion(wf)
	if err == nil {
		t.Fatal("expected motion-locked fpu to reject ConfigMotion")
	}
}

func TestSettleMoveWidensAndRetriesOnCollision(t *testing.T) {
	d := newTestDriver(t)
	snap := fpustate.GridState{
		FPUs: []fpustate.FPURecord{
			{BetaCollision: true, DirectionBeta: fpustate.DirectionClockwise},
			{},
		},
	}
	d.settleMove([]int{0}, snap)

	env := d.envelopes[0]
	if !env.MotionLocked {
		t.Fatal("expected collision to lock the fpu for motion")
	}
	if env.BetaRetryCountCW != 1 {
		t.Fatalf("expected one CW retry recorded, got %d", env.BetaRetryCountCW)
	}
	if env.Counters.CollisionCount != 1 {
		t.Fatalf("expected collision counter incremented, got %+v", env.Counters)
	}
	if env.AlphaPosition != env.AlphaLimits || env.BetaPosition != env.BetaLimits {
		t.Fatalf("expected position widened to limits, got %+v", env)
	}
}

func TestSettleMoveNarrowsOnCleanCompletion(t *testing.T) {
	d := newTestDriver(t)
	snap := fpustate.GridState{
		FPUs: []fpustate.FPURecord{
			{AlphaSteps: 500, BetaSteps: -200},
		},
	}
	d.settleMove([]int{0}, snap)

	env := d.envelopes[0]
	if env.MotionLocked {
		t.Fatal("expected a clean move to leave the fpu unlocked")
	}
	wantAlpha := 500.0 / testConfig().StepsPerDegreeAlpha
	if env.AlphaPosition.Lo > wantAlpha || env.AlphaPosition.Hi < wantAlpha {
		t.Fatalf("expected narrowed interval to bracket %v, got %+v", wantAlpha, env.AlphaPosition)
	}
}

func TestSettleDatumResetsRetriesOnSuccess(t *testing.T) {
	d := newTestDriver(t)
	env := d.envelopes[0]
	env.AlphaRetryCountCW = 2
	env.BetaRetryCountACW = 1
	d.envelopes[0] = env

	snap := fpustate.GridState{
		FPUs: []fpustate.FPURecord{
			{AlphaWasReferenced: true, BetaWasReferenced: true, AlphaDeviation: 0, BetaDeviation: 0},
		},
	}
	d.settleDatum([]int{0}, snap)

	got := d.envelopes[0]
	if got.AlphaRetryCountCW != 0 || got.BetaRetryCountACW != 0 {
		t.Fatalf("expected retry counters reset after a successful datum search, got %+v", got)
	}
	if got.MotionLocked {
		t.Fatal("expected a successful datum search to clear the motion lock")
	}
	if got.Counters.DatumCount != 1 {
		t.Fatalf("expected datum counter incremented, got %+v", got.Counters)
	}
}

func TestLockedOnceRetriesExceedMaximum(t *testing.T) {
	d := newTestDriver(t)
	env := d.envelopes[0]
	env.MaxAlphaRetries = 2
	env.AlphaRetryCountCW = 2
	if !env.Locked() {
		t.Fatal("expected an fpu at its retry maximum to be locked")
	}
}
