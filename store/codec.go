package store

import (
	"encoding/binary"
	"math"

	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
)

// FieldKey builds the "{serial_number}#{field}" key spec §6 specifies.
func FieldKey(serial, field string) string {
	return serial + "#" + field
}

// Interval is a closed [Lo, Hi] position or limit interval, in degrees
// (spec §3's alpha_position/beta_position/alpha_limits/beta_limits).
type Interval struct {
	Lo, Hi float64
}

// EncodeInterval packs iv into the store's binary record format (spec §6:
// "values are binary-packed fixed-size records").
func EncodeInterval(iv Interval) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(iv.Lo))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(iv.Hi))
	return buf
}

// DecodeInterval is the inverse of EncodeInterval.
func DecodeInterval(b []byte) (Interval, error) {
	if len(b) != 16 {
		return Interval{}, fpuerrors.Newf(fpuerrors.KindResourceError, "interval record: want 16 bytes, got %d", len(b))
	}
	return Interval{
		Lo: math.Float64frombits(binary.LittleEndian.Uint64(b[0:8])),
		Hi: math.Float64frombits(binary.LittleEndian.Uint64(b[8:16])),
	}, nil
}

// EncodeUint32 packs a plain little-endian counter (retry counts and retry
// maxima).
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// DecodeUint32 is the inverse of EncodeUint32.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fpuerrors.Newf(fpuerrors.KindResourceError, "uint32 record: want 4 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// EncodeBool packs a single-byte boolean flag (waveform_reversed,
// serialnumber_used).
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool is the inverse of EncodeBool.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fpuerrors.Newf(fpuerrors.KindResourceError, "bool record: want 1 byte, got %d", len(b))
	}
	return b[0] != 0, nil
}

// WaveformStep is one (alpha_step, beta_step) pair of a persisted waveform
// segment (spec §3's `wtab` field).
type WaveformStep struct {
	AlphaStep int32
	BetaStep  int32
}

// EncodeWaveform packs a full segment table.
func EncodeWaveform(steps []WaveformStep) []byte {
	buf := make([]byte, 8*len(steps))
	for i, s := range steps {
		binary.LittleEndian.PutUint32(buf[i*8:i*8+4], uint32(s.AlphaStep))
		binary.LittleEndian.PutUint32(buf[i*8+4:i*8+8], uint32(s.BetaStep))
	}
	return buf
}

// DecodeWaveform is the inverse of EncodeWaveform.
func DecodeWaveform(b []byte) ([]WaveformStep, error) {
	if len(b)%8 != 0 {
		return nil, fpuerrors.Newf(fpuerrors.KindResourceError, "waveform record: length %d not a multiple of 8", len(b))
	}
	steps := make([]WaveformStep, len(b)/8)
	for i := range steps {
		steps[i] = WaveformStep{
			AlphaStep: int32(binary.LittleEndian.Uint32(b[i*8 : i*8+4])),
			BetaStep:  int32(binary.LittleEndian.Uint32(b[i*8+4 : i*8+8])),
		}
	}
	return steps, nil
}

// Counters is the ~22-field structured movement-history record of spec §3
// ("a structured counters record (~22 fields including total steps,
// reversals, datum count, aberrations)"), one field per entry of the
// original implementation's `FpuCounterId` enum (FPUCounters.h). The
// original stores all 22 as a homogeneous `FpuCounterInt` (int64_t) array
// and persists it as one raw-bytes blob (ProtectionDBTester.C's
// getRawBytesPtr/populateFromRawBytes round trip); Counters keeps that
// field order and width rather than narrowing individual fields to
// whatever range happens to fit today.
type Counters struct {
	LastUpdateUnixTime int64 // unixtime

	// Updated on a clean executeMotion completion; aborted movements are
	// not subtracted, matching FPUCounters.h's comment on this group.
	TotalStepsBeta          int64 // total_beta_steps
	TotalStepsAlpha         int64 // total_alpha_steps
	ExecutedWaveforms       int64 // executed_waveforms
	AlphaDirectionReversals int64 // alpha_direction_reversals
	BetaDirectionReversals  int64 // beta_direction_reversals
	LastDirectionAlpha      int64 // sign_alpha_last_direction: -1, 0, or 1
	LastDirectionBeta       int64 // sign_beta_last_direction
	AlphaStarts             int64 // alpha_starts
	BetaStarts              int64 // beta_starts

	// Updated on completion of executeMotion or findDatum.
	CollisionCount       int64 // collisions
	LimitBreachCount     int64 // limit_breaches
	CANTimeoutCount      int64 // can_timeout
	DatumTimeoutCount    int64 // datum_timeout
	MovementTimeoutCount int64 // movement_timeout

	// Updated on completion of findDatum only.
	DatumCount                int64 // datum_count
	AlphaAberrationCount      int64 // alpha_aberration_count
	BetaAberrationCount       int64 // beta_aberration_count
	DatumSumAlphaAberration   int64 // datum_sum_alpha_aberration
	DatumSumBetaAberration    int64 // datum_sum_beta_aberration
	DatumSqSumAlphaAberration int64 // datum_sqsum_alpha_aberration
	DatumSqSumBetaAberration  int64 // datum_sqsum_beta_aberration
}

const countersFieldCount = 22

// EncodeCounters packs c into a fixed-size record, field order matching
// FpuCounterId's declaration order.
func EncodeCounters(c Counters) []byte {
	fields := []int64{
		c.LastUpdateUnixTime,
		c.TotalStepsBeta, c.TotalStepsAlpha, c.ExecutedWaveforms,
		c.AlphaDirectionReversals, c.BetaDirectionReversals,
		c.LastDirectionAlpha, c.LastDirectionBeta,
		c.AlphaStarts, c.BetaStarts,
		c.CollisionCount, c.LimitBreachCount,
		c.CANTimeoutCount, c.DatumTimeoutCount, c.MovementTimeoutCount,
		c.DatumCount, c.AlphaAberrationCount, c.BetaAberrationCount,
		c.DatumSumAlphaAberration, c.DatumSumBetaAberration,
		c.DatumSqSumAlphaAberration, c.DatumSqSumBetaAberration,
	}
	buf := make([]byte, 8*countersFieldCount)
	for i, v := range fields {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(v))
	}
	return buf
}

// DecodeCounters is the inverse of EncodeCounters.
func DecodeCounters(b []byte) (Counters, error) {
	if len(b) != 8*countersFieldCount {
		return Counters{}, fpuerrors.Newf(fpuerrors.KindResourceError,
			"counters record: want %d bytes, got %d", 8*countersFieldCount, len(b))
	}
	get := func(i int) int64 { return int64(binary.LittleEndian.Uint64(b[i*8 : i*8+8])) }
	return Counters{
		LastUpdateUnixTime:        get(0),
		TotalStepsBeta:            get(1),
		TotalStepsAlpha:           get(2),
		ExecutedWaveforms:         get(3),
		AlphaDirectionReversals:   get(4),
		BetaDirectionReversals:    get(5),
		LastDirectionAlpha:        get(6),
		LastDirectionBeta:         get(7),
		AlphaStarts:               get(8),
		BetaStarts:                get(9),
		CollisionCount:            get(10),
		LimitBreachCount:          get(11),
		CANTimeoutCount:           get(12),
		DatumTimeoutCount:         get(13),
		MovementTimeoutCount:      get(14),
		DatumCount:                get(15),
		AlphaAberrationCount:      get(16),
		BetaAberrationCount:       get(17),
		DatumSumAlphaAberration:   get(18),
		DatumSumBetaAberration:    get(19),
		DatumSqSumAlphaAberration: get(20),
		DatumSqSumBetaAberration:  get(21),
	}, nil
}
