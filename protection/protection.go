// Package protection implements C10, the geometric protection layer spec
// §4.10 describes: it wraps asyncdriver for every motion-capable operation,
// simulating a proposed waveform against each FPU's persisted position
// envelope before ever letting a CONFIG_MOTION frame reach the wire, and
// narrows or widens that envelope once the real move or datum search
// completes. A datum search is not simulated or checked before dispatch.
package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ukatc/fpu-driver-sub001/asyncdriver"
	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
	"github.com/ukatc/fpu-driver-sub001/store"
)

// Driver is the protection-layer client surface: every method it exposes
// either maps straight through to asyncdriver.Driver (for non-motion
// opcodes) or wraps one of asyncdriver's motion operations with the
// simulate/check/persist/dispatch/narrow cycle of spec §4.10.
type Driver struct {
	async *asyncdriver.Driver
	cfg   config.Config
	store *store.Store

	mu        sync.Mutex
	envelopes map[int]Envelope // keyed by logical FPU id, loaded at Connect
	serials   map[int][5]byte
}

// New builds a Driver around an already-constructed asyncdriver.Driver and
// an opened persistence store.
func New(async *asyncdriver.Driver, cfg config.Config, st *store.Store) *Driver {
	return &Driver{
		async:     async,
		cfg:       cfg,
		store:     st,
		envelopes: make(map[int]Envelope),
		serials:   make(map[int][5]byte),
	}
}

// Connect opens the gateway sockets, reads every FPU's serial number, and
// loads its envelope record from the store (spec §4.10: "At connect it
// loads each FPU's envelope record by serial number").
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.async.Connect(ctx); err != nil {
		return err
	}

	snap := d.async.GetGridState()
	ids := make([]int, len(snap.FPUs))
	for i := range ids {
		ids[i] = i
	}
	if err := d.async.ReadSerialNumbers(ids); err != nil {
		return err
	}
	// READ_SERIAL_NUMBER replies arrive asynchronously via C7; give every
	// gateway one round of the grid-summary condition variable to absorb
	// them before reading the snapshot back.
	d.async.WaitForState(fpustate.MaskAnyChange, d.cfg.SocketTimeOutSeconds)

	snap = d.async.GetGridState()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, fpu := range snap.FPUs {
		d.serials[id] = fpu.SerialNumber
		env, err := d.loadEnvelopeLocked(fpu.SerialNumber)
		if err != nil {
			return fpuerrors.Wrap(fpuerrors.KindResourceError, fmt.Sprintf("load envelope for fpu %d", id), err)
		}
		d.envelopes[id] = env
	}
	if dup, ids := duplicateSerialNumbers(d.serials); dup != ([5]byte{}) {
		return fpuerrors.Newf(fpuerrors.KindDuplicateSerialNumber,
			"serial number %x assigned to more than one fpu id: %v", dup, ids)
	}
	return nil
}

// duplicateSerialNumbers reports the first repeated serial number found
// across serials and every FPU id it was read back from, grounded on the
// original implementation's GridDriver::getDuplicateSerialNumbers
// (exercised by src/GridDriverTester.C's unit tests): two FPUs sharing a
// serial number is a commissioning error this driver cannot resolve on its
// own, since every persisted envelope is keyed by serial number.
func duplicateSerialNumbers(serials map[int][5]byte) ([5]byte, []int) {
	byID := make(map[[5]byte][]int, len(serials))
	order := make([][5]byte, 0, len(serials))
	for id, s := range serials {
		if s == ([5]byte{}) {
			continue
		}
		if _, seen := byID[s]; !seen {
			order = append(order, s)
		}
		byID[s] = append(byID[s], id)
	}
	for _, s := range order {
		if ids := byID[s]; len(ids) > 1 {
			return s, ids
		}
	}
	return [5]byte{}, nil
}

// Disconnect stops the gateway's TX/RX threads.
func (d *Driver) Disconnect() error {
	return d.async.Disconnect()
}

// GetGridState returns a point-in-time grid snapshot (spec §4.6).
func (d *Driver) GetGridState() fpustate.GridState {
	return d.async.GetGridState()
}

// WaitForState blocks until the grid summary satisfies mask or timeout
// elapses (spec §4.6).
func (d *Driver) WaitForState(mask fpustate.StateMask, timeout time.Duration) (fpustate.GridState, bool) {
	return d.async.WaitForState(mask, timeout)
}

// Grid exposes the underlying grid-state mirror for registration with a
// metrics.GridCollector.
func (d *Driver) Grid() *fpustate.Array {
	return d.async.Grid()
}

// The remaining non-motion C9 operations carry no envelope risk and pass
// straight through; only configMotion/executeMotion/repeatMotion/
// reverseMotion/findDatum touch an FPU's physical position, so only those
// are wrapped below (spec §4.10: "wraps C9 for motion-capable operations").

func (d *Driver) Ping(ids []int) error           { return d.async.Ping(ids) }
func (d *Driver) ResetFPU(ids []int) error       { return d.async.ResetFPU(ids) }
func (d *Driver) Lock(ids []int) error           { return d.async.Lock(ids) }
func (d *Driver) Unlock(ids []int) error         { return d.async.Unlock(ids) }
func (d *Driver) CheckIntegrity(ids []int) error { return d.async.CheckIntegrity(ids) }

func (d *Driver) ReadSerialNumbers(ids []int) error { return d.async.ReadSerialNumbers(ids) }
func (d *Driver) WriteSerialNumber(id int, serial [5]byte) error {
	return d.async.WriteSerialNumber(id, serial)
}

func (d *Driver) EnableBetaCollisionProtection(ids []int) error {
	return d.async.EnableBetaCollisionProtection(ids)
}
func (d *Driver) FreeBetaCollision(ids []int) error { return d.async.FreeBetaCollision(ids) }
func (d *Driver) EnableAlphaLimitProtection(ids []int) error {
	return d.async.EnableAlphaLimitProtection(ids)
}
func (d *Driver) FreeAlphaLimitBreach(ids []int) error { return d.async.FreeAlphaLimitBreach(ids) }

func (d *Driver) SetUStepLevel(ids []int, level uint8) error {
	return d.async.SetUStepLevel(ids, level)
}
func (d *Driver) GetFirmwareVersion(ids []int) error { return d.async.GetFirmwareVersion(ids) }
func (d *Driver) GetMinFirmwareVersion(ids []int) [3]uint8 {
	return d.async.GetMinFirmwareVersion(ids)
}
func (d *Driver) ResetStepCounter(ids []int) error { return d.async.ResetStepCounter(ids) }
func (d *Driver) SetTicksPerSegment(ids []int, ticks uint16) error {
	return d.async.SetTicksPerSegment(ids, ticks)
}
func (d *Driver) SetStepsPerSegment(ids []int, steps uint16) error {
	return d.async.SetStepsPerSegment(ids, steps)
}

// AbortMotion broadcasts ABORT_MOTION to every gateway (spec §4.9's
// explicit carve-out). It does not touch any envelope: an abort can only
// ever narrow what a move was going to do, never exceed what ConfigMotion
// already checked and persisted.
func (d *Driver) AbortMotion(timeout time.Duration) (fpustate.GridState, error) {
	return d.async.AbortMotion(timeout)
}

func (d *Driver) loadEnvelopeLocked(serial [5]byte) (Envelope, error) {
	txn := d.store.Begin()
	defer txn.Rollback()
	return loadEnvelope(txn, d.cfg, serial)
}

// Envelope returns a copy of id's current persisted protection envelope.
func (d *Driver) Envelope(id int) (Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	env, ok := d.envelopes[id]
	return env, ok
}

// simulate walks wf's segments for fpu id forward from env's current
// position, in lockstep, and returns the predicted end intervals widened by
// the configured uncertainty margin (spec §4.10 step 1).
func simulate(cfg config.Config, env Envelope, segs []asyncdriver.Segment) (alpha, beta store.Interval) {
	alpha, beta = env.AlphaPosition, env.BetaPosition
	for _, s := range segs {
		if s.Pause {
			continue
		}
		da := float64(s.AlphaSteps) / cfg.StepsPerDegreeAlpha
		db := float64(s.BetaSteps) / cfg.StepsPerDegreeBeta
		alpha = store.Interval{Lo: alpha.Lo + da, Hi: alpha.Hi + da}
		beta = store.Interval{Lo: beta.Lo + db, Hi: beta.Hi + db}
	}
	margin := cfg.EnvelopeUncertaintyDegrees
	alpha = store.Interval{Lo: alpha.Lo - margin, Hi: alpha.Hi + margin}
	beta = store.Interval{Lo: beta.Lo - margin, Hi: beta.Hi + margin}
	return alpha, beta
}

// checkEnvelope reports whether the predicted intervals stay within both
// the configured travel limits and the FPU's own hard envelope (spec §4.10
// step 2 — here the two coincide, since AlphaLimits/BetaLimits is both the
// hardware geometric envelope and the only configured limit this driver
// knows).
func checkEnvelope(id int, env Envelope, alpha, beta store.Interval) error {
	if !within(alpha, env.AlphaLimits) {
		return fpuerrors.ForFPUf(fpuerrors.KindEnvelopeBreach, id,
			"predicted alpha position [%.3f,%.3f] exceeds limits [%.3f,%.3f]",
			alpha.Lo, alpha.Hi, env.AlphaLimits.Lo, env.AlphaLimits.Hi)
	}
	if !within(beta, env.BetaLimits) {
		return fpuerrors.ForFPUf(fpuerrors.KindEnvelopeBreach, id,
			"predicted beta position [%.3f,%.3f] exceeds limits [%.3f,%.3f]",
			beta.Lo, beta.Hi, env.BetaLimits.Lo, env.BetaLimits.Hi)
	}
	return nil
}

// ConfigMotion simulates wf for every addressed FPU, rejects the whole
// batch if any predicted position would breach its envelope or if the FPU
// is motion-locked, and otherwise persists the enlarged predicted envelope
// before dispatching the underlying CONFIG_MOTION frames (spec §4.10 steps
// 1-3).
func (d *Driver) ConfigMotion(wf asyncdriver.Waveform) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	type plan struct {
		id          int
		alpha, beta store.Interval
	}
	plans := make([]plan, 0, len(wf))

	for id, segs := range wf {
		env, ok := d.envelopes[id]
		if !ok {
			return fpuerrors.ForFPU(fpuerrors.KindInvalidFPUID, id, "no envelope loaded for this fpu")
		}
		if env.Locked() {
			return fpuerrors.ForFPU(fpuerrors.KindEnvelopeBreach, id,
				"motion locked: envelope widened, needs a successful datum search to re-tighten")
		}
		alpha, beta := simulate(d.cfg, env, segs)
		if err := checkEnvelope(id, env, alpha, beta); err != nil {
			return err
		}
		plans = append(plans, plan{id: id, alpha: alpha, beta: beta})
	}

	txn := d.store.Begin()
	staged := make(map[int]Envelope, len(plans))
	for _, p := range plans {
		env := d.envelopes[p.id]
		env.AlphaPosition = p.alpha
		env.BetaPosition = p.beta
		env.Waveform = toStoreSteps(wf[p.id])
		saveEnvelope(txn, d.serials[p.id], env)
		staged[p.id] = env
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	for id, env := range staged {
		d.envelopes[id] = env
	}

	return d.async.ConfigMotion(d.cfg, wf)
}

func toStoreSteps(segs []asyncdriver.Segment) []store.WaveformStep {
	out := make([]store.WaveformStep, len(segs))
	for i, s := range segs {
		out[i] = store.WaveformStep{AlphaStep: s.AlphaSteps, BetaStep: s.BetaSteps}
	}
	return out
}

// WaitConfigMotion blocks for READY_TO_MOVE (spec §4.6).
func (d *Driver) WaitConfigMotion(timeout time.Duration) (fpustate.GridState, bool) {
	return d.async.WaitConfigMotion(timeout)
}

// ExecuteMotion dispatches the previously-configured waveform for ids and,
// on completion, narrows or widens every addressed FPU's envelope according
// to how the move actually finished (spec §4.10 step 4).
func (d *Driver) ExecuteMotion(ids []int, timeout time.Duration) (fpustate.GridState, error) {
	d.mu.Lock()
	for _, id := range ids {
		if env, ok := d.envelopes[id]; ok && env.Locked() {
			d.mu.Unlock()
			return fpustate.GridState{}, fpuerrors.ForFPU(fpuerrors.KindEnvelopeBreach, id,
				"motion locked: envelope widened, needs a successful datum search to re-tighten")
		}
	}
	d.mu.Unlock()

	snap, err := d.async.ExecuteMotion(ids, timeout)
	d.settleMove(ids, snap)
	return snap, err
}

// RepeatMotion re-dispatches the last uploaded waveform from its start,
// under the same envelope lockout as ExecuteMotion (the uploaded waveform's
// predicted envelope was already checked and persisted by ConfigMotion).
func (d *Driver) RepeatMotion(ids []int, timeout time.Duration) (fpustate.GridState, error) {
	d.mu.Lock()
	for _, id := range ids {
		if env, ok := d.envelopes[id]; ok && env.Locked() {
			d.mu.Unlock()
			return fpustate.GridState{}, fpuerrors.ForFPU(fpuerrors.KindEnvelopeBreach, id,
				"motion locked: envelope widened, needs a successful datum search to re-tighten")
		}
	}
	d.mu.Unlock()

	if err := d.async.RepeatMotion(ids); err != nil {
		return fpustate.GridState{}, err
	}
	snap, ok := d.async.WaitExecuteMotion(timeout)
	if !ok {
		d.settleMove(ids, snap)
		return snap, fpuerrors.New(fpuerrors.KindWaitTimeout, "repeat motion: wait timeout")
	}
	d.settleMove(ids, snap)
	return snap, nil
}

// ReverseMotion re-dispatches the last uploaded waveform in reverse.
func (d *Driver) ReverseMotion(ids []int, timeout time.Duration) (fpustate.GridState, error) {
	d.mu.Lock()
	for _, id := range ids {
		if env, ok := d.envelopes[id]; ok && env.Locked() {
			d.mu.Unlock()
			return fpustate.GridState{}, fpuerrors.ForFPU(fpuerrors.KindEnvelopeBreach, id,
				"motion locked: envelope widened, needs a successful datum search to re-tighten")
		}
	}
	d.mu.Unlock()

	if err := d.async.ReverseMotion(ids); err != nil {
		return fpustate.GridState{}, err
	}
	snap, ok := d.async.WaitExecuteMotion(timeout)
	if !ok {
		d.settleMove(ids, snap)
		return snap, fpuerrors.New(fpuerrors.KindWaitTimeout, "reverse motion: wait timeout")
	}
	d.settleMove(ids, snap)
	return snap, nil
}

// FindDatum runs a datum search on ids and, on success, narrows each FPU's
// envelope to the known datum position (zero uncertainty beyond the
// reported deviation); on failure it widens to the maximum and locks
// further motion (spec §4.10 step 4 and the collision/timeout paragraph).
func (d *Driver) FindDatum(ids []int, mode cancommand.DatumMode, arm cancommand.Arm, timeout time.Duration) (fpustate.GridState, error) {
	snap, err := d.async.FindDatum(ids, mode, arm, timeout)
	d.settleDatum(ids, snap)
	return snap, err
}

// settleMove reads the post-move grid snapshot and, per addressed FPU,
// either narrows its envelope from the reported step counters (clean
// completion) or widens it to maximum (collision, limit breach, or abort) —
// spec §4.10 step 4 and its failure paragraph. Retry counters are bumped for
// a collision or limit breach only; an abort widens without bumping them.
func (d *Driver) settleMove(ids []int, snap fpustate.GridState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	txn := d.store.Begin()
	dirty := false
	for _, id := range ids {
		if id < 0 || id >= len(snap.FPUs) {
			continue
		}
		env, ok := d.envelopes[id]
		if !ok {
			continue
		}
		f := snap.FPUs[id]

		switch {
		case f.BetaCollision:
			env.Counters.CollisionCount++
			d.bumpRetry(&env, f)
			env.widenToMax()
		case f.AtAlphaLimit:
			env.Counters.LimitBreachCount++
			d.bumpRetry(&env, f)
			env.widenToMax()
		case f.State == fpustate.StateAborted:
			env.Counters.MovementTimeoutCount++
			env.widenToMax()
		default:
			env.Counters.ExecutedWaveforms++
			env.Counters.TotalStepsAlpha += int64(abs32u(f.AlphaSteps))
			env.Counters.TotalStepsBeta += int64(abs32u(f.BetaSteps))
			bumpDirectionCounters(&env.Counters, f.AlphaSteps, f.BetaSteps)
			env.AlphaPosition = narrowedPosition(f.AlphaSteps, d.cfg.StepsPerDegreeAlpha, d.cfg.EnvelopeUncertaintyDegrees)
			env.BetaPosition = narrowedPosition(f.BetaSteps, d.cfg.StepsPerDegreeBeta, d.cfg.EnvelopeUncertaintyDegrees)
			env.MotionLocked = false
		}
		env.Counters.LastUpdateUnixTime = time.Now().Unix()

		saveEnvelope(txn, d.serials[id], env)
		d.envelopes[id] = env
		dirty = true
	}
	if dirty {
		txn.Commit()
	} else {
		txn.Rollback()
	}
}

// settleDatum is settleMove's counterpart for FIND_DATUM: a clean datum hit
// resets retry counters (the FPU has proven it can reach a known reference
// again) in addition to narrowing the envelope.
func (d *Driver) settleDatum(ids []int, snap fpustate.GridState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	txn := d.store.Begin()
	dirty := false
	for _, id := range ids {
		if id < 0 || id >= len(snap.FPUs) {
			continue
		}
		env, ok := d.envelopes[id]
		if !ok {
			continue
		}
		f := snap.FPUs[id]

		switch {
		case f.BetaCollision:
			env.Counters.CollisionCount++
			d.bumpRetry(&env, f)
			env.widenToMax()
		case f.AtAlphaLimit:
			env.Counters.LimitBreachCount++
			d.bumpRetry(&env, f)
			env.widenToMax()
		case f.State == fpustate.StateAborted:
			env.Counters.DatumTimeoutCount++
			env.widenToMax()
		case f.AlphaWasReferenced && f.BetaWasReferenced:
			env.Counters.DatumCount++
			bumpAberrationCounters(&env.Counters, f.AlphaDeviation, f.BetaDeviation)
			env.AlphaPosition = narrowedPosition(f.AlphaDeviation, d.cfg.StepsPerDegreeAlpha, d.cfg.EnvelopeUncertaintyDegrees)
			env.BetaPosition = narrowedPosition(f.BetaDeviation, d.cfg.StepsPerDegreeBeta, d.cfg.EnvelopeUncertaintyDegrees)
			env.AlphaRetryCountCW, env.AlphaRetryCountACW = 0, 0
			env.BetaRetryCountCW, env.BetaRetryCountACW = 0, 0
			env.MotionLocked = false
		default:
			// neither arm referenced: treat as an incomplete search, leave
			// the envelope exactly as it was (still locked if it was).
			continue
		}
		env.Counters.LastUpdateUnixTime = time.Now().Unix()

		saveEnvelope(txn, d.serials[id], env)
		d.envelopes[id] = env
		dirty = true
	}
	if dirty {
		txn.Commit()
	} else {
		txn.Rollback()
	}
}

// bumpRetry increments the retry counter matching the arm and last
// direction a failed move reported, and re-locks the FPU once its
// configured maximum is exceeded (spec §4.10's retry-counter paragraph).
// Direction is attributed by whichever arm's flag fired; a flag firing with
// no clear direction (DirectionUnknown) still counts against the clockwise
// counter, since the firmware always reports a direction on a real stall.
func (d *Driver) bumpRetry(env *Envelope, f fpustate.FPURecord) {
	switch {
	case f.BetaCollision:
		if f.DirectionBeta == fpustate.DirectionAntiClockwise {
			env.BetaRetryCountACW++
		} else {
			env.BetaRetryCountCW++
		}
	case f.AtAlphaLimit:
		if f.DirectionAlpha == fpustate.DirectionAntiClockwise {
			env.AlphaRetryCountACW++
		} else {
			env.AlphaRetryCountCW++
		}
	}
}

// Locked reports whether id has exceeded either arm's configured retry
// maximum, per spec §4.10's "exceeding the max locks the FPU for motion".
func (env Envelope) Locked() bool {
	if env.MaxAlphaRetries > 0 && (env.AlphaRetryCountCW >= env.MaxAlphaRetries || env.AlphaRetryCountACW >= env.MaxAlphaRetries) {
		return true
	}
	if env.MaxBetaRetries > 0 && (env.BetaRetryCountCW >= env.MaxBetaRetries || env.BetaRetryCountACW >= env.MaxBetaRetries) {
		return true
	}
	return env.MotionLocked
}

func narrowedPosition(steps int32, stepsPerDegree, margin float64) store.Interval {
	pos := float64(steps) / stepsPerDegree
	return store.Interval{Lo: pos - margin, Hi: pos + margin}
}

// signOf returns -1, 0, or 1, matching FPUCounters.h's
// sign_alpha_last_direction/sign_beta_last_direction encoding.
func signOf(steps int32) int64 {
	switch {
	case steps > 0:
		return 1
	case steps < 0:
		return -1
	default:
		return 0
	}
}

// bumpDirectionCounters updates the per-arm start and direction-reversal
// counters from a clean executeMotion completion's reported step counts,
// grounded on FPUCounters.h's alpha_starts/beta_starts and
// alpha_direction_reversals/beta_direction_reversals fields: a reversal is
// counted when an arm moved in both this and its previous recorded move and
// the sign flipped, a start is counted whenever the arm moved at all.
func bumpDirectionCounters(c *store.Counters, alphaSteps, betaSteps int32) {
	if sign := signOf(alphaSteps); sign != 0 {
		c.AlphaStarts++
		if c.LastDirectionAlpha != 0 && c.LastDirectionAlpha != sign {
			c.AlphaDirectionReversals++
		}
		c.LastDirectionAlpha = sign
	}
	if sign := signOf(betaSteps); sign != 0 {
		c.BetaStarts++
		if c.LastDirectionBeta != 0 && c.LastDirectionBeta != sign {
			c.BetaDirectionReversals++
		}
		c.LastDirectionBeta = sign
	}
}

// bumpAberrationCounters accumulates the per-arm datum deviation sum and
// sum-of-squares on a successful findDatum, grounded on FPUCounters.h's
// datum_sum_alpha_aberration/datum_sqsum_alpha_aberration fields (and their
// beta counterparts). A zero deviation does not count as an aberration.
func bumpAberrationCounters(c *store.Counters, alphaDeviation, betaDeviation int32) {
	if alphaDeviation != 0 {
		c.AlphaAberrationCount++
		d := int64(alphaDeviation)
		c.DatumSumAlphaAberration += d
		c.DatumSqSumAlphaAberration += d * d
	}
	if betaDeviation != 0 {
		c.BetaAberrationCount++
		d := int64(betaDeviation)
		c.DatumSumBetaAberration += d
		c.DatumSqSumBetaAberration += d * d
	}
}

func abs32u(v int32) uint32 {
	if v < 0 {
		return uint32(-v)
	}
	return uint32(v)
}
