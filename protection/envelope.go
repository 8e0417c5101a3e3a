package protection

import (
	"strings"

	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/store"
)

// Envelope is one FPU's persisted protection record (spec §3's "Protection
// envelope (per FPU, persisted)"), keyed by serial number rather than
// logical FPU id: the record must survive a grid reconfiguration that
// reassigns logical ids.
type Envelope struct {
	AlphaPosition store.Interval
	BetaPosition  store.Interval
	AlphaLimits   store.Interval
	BetaLimits    store.Interval

	Waveform         []store.WaveformStep
	WaveformReversed bool

	MaxAlphaRetries    uint32
	AlphaRetryCountCW  uint32
	AlphaRetryCountACW uint32
	MaxBetaRetries     uint32
	BetaRetryCountCW   uint32
	BetaRetryCountACW  uint32

	Counters store.Counters

	// SerialNumberUsed is set once this record has backed a live FPU at
	// least once, distinguishing "never seen" from "seen, currently zeroed"
	// (spec §6's `serialnumber_used` field).
	SerialNumberUsed bool

	// MotionLocked mirrors spec §4.10's "forbids further motion commands
	// until the envelope is re-tightened by a successful datum search",
	// set whenever the position envelope is widened to its maximum.
	MotionLocked bool
}

// serialKey renders a [5]byte serial number field as the store key prefix
// (spec §6's `{serial_number}#{field}`), trimming the trailing NUL padding.
func serialKey(serial [5]byte) string {
	return strings.TrimRight(string(serial[:]), "\x00")
}

// defaultEnvelope seeds a never-before-persisted serial number (spec §4.10:
// "loads each FPU's envelope record ... at connect" — an FPU the store has
// never seen starts with the widest position uncertainty and the configured
// default limits/retry ceilings).
func defaultEnvelope(cfg config.Config) Envelope {
	alimits := store.Interval{Lo: cfg.DefaultAlphaLimitLo, Hi: cfg.DefaultAlphaLimitHi}
	blimits := store.Interval{Lo: cfg.DefaultBetaLimitLo, Hi: cfg.DefaultBetaLimitHi}
	return Envelope{
		AlphaPosition: alimits,
		BetaPosition:  blimits,
		AlphaLimits:   alimits,
		BetaLimits:    blimits,

		MaxAlphaRetries: cfg.DefaultMaxAlphaRetries,
		MaxBetaRetries:  cfg.DefaultMaxBetaRetries,
	}
}

// loadEnvelope reads serial's record out of txn, field by field, falling
// back to defaultEnvelope for any field never written (spec §6: all fields
// for one FPU "form a single logical record", but the store itself imposes
// no transactional grouping beyond what one Txn's Commit provides).
func loadEnvelope(txn *store.Txn, cfg config.Config, serial [5]byte) (Envelope, error) {
	key := serialKey(serial)
	env := defaultEnvelope(cfg)

	used, ok := txn.Get(store.FieldKey(key, "serialnumber_used"))
	if !ok {
		env.MotionLocked = isWidened(env)
		return env, nil
	}
	var err error
	if env.SerialNumberUsed, err = store.DecodeBool(used); err != nil {
		return Envelope{}, err
	}

	if v, ok := txn.Get(store.FieldKey(key, "apos")); ok {
		if env.AlphaPosition, err = store.DecodeInterval(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "bpos")); ok {
		if env.BetaPosition, err = store.DecodeInterval(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "alimits")); ok {
		if env.AlphaLimits, err = store.DecodeInterval(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "blimits")); ok {
		if env.BetaLimits, err = store.DecodeInterval(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "wtab")); ok {
		if env.Waveform, err = store.DecodeWaveform(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "wf_reversed")); ok {
		if env.WaveformReversed, err = store.DecodeBool(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "aretries")); ok {
		if env.MaxAlphaRetries, err = store.DecodeUint32(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "alpha_retry_count_cw")); ok {
		if env.AlphaRetryCountCW, err = store.DecodeUint32(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "alpha_retry_count_acw")); ok {
		if env.AlphaRetryCountACW, err = store.DecodeUint32(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "bretries")); ok {
		if env.MaxBetaRetries, err = store.DecodeUint32(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "beta_retry_count_cw")); ok {
		if env.BetaRetryCountCW, err = store.DecodeUint32(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "beta_retry_count_acw")); ok {
		if env.BetaRetryCountACW, err = store.DecodeUint32(v); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := txn.Get(store.FieldKey(key, "counters2")); ok {
		if env.Counters, err = store.DecodeCounters(v); err != nil {
			return Envelope{}, err
		}
	}
	// MotionLocked is derived, not persisted: a widened envelope (position
	// interval equal to the full limits interval) means no successful datum
	// search has narrowed it since the last widen (see Driver.FindDatum).
	env.MotionLocked = isWidened(env)
	return env, nil
}

// isWidened reports whether env's position intervals equal its limits
// intervals on both arms, i.e. whichever datum/move narrowed them last has
// since been undone by a widenToMax.
func isWidened(env Envelope) bool {
	return env.AlphaPosition == env.AlphaLimits && env.BetaPosition == env.BetaLimits
}

// saveEnvelope stages every field of env into txn under serial's key
// prefix; the caller commits (spec §4.10: "opens a transaction, writes the
// new envelope, commits").
func saveEnvelope(txn *store.Txn, serial [5]byte, env Envelope) {
	key := serialKey(serial)
	txn.Put(store.FieldKey(key, "serialnumber_used"), store.EncodeBool(true))
	txn.Put(store.FieldKey(key, "apos"), store.EncodeInterval(env.AlphaPosition))
	txn.Put(store.FieldKey(key, "bpos"), store.EncodeInterval(env.BetaPosition))
	txn.Put(store.FieldKey(key, "alimits"), store.EncodeInterval(env.AlphaLimits))
	txn.Put(store.FieldKey(key, "blimits"), store.EncodeInterval(env.BetaLimits))
	txn.Put(store.FieldKey(key, "wtab"), store.EncodeWaveform(env.Waveform))
	txn.Put(store.FieldKey(key, "wf_reversed"), store.EncodeBool(env.WaveformReversed))
	txn.Put(store.FieldKey(key, "aretries"), store.EncodeUint32(env.MaxAlphaRetries))
	txn.Put(store.FieldKey(key, "alpha_retry_count_cw"), store.EncodeUint32(env.AlphaRetryCountCW))
	txn.Put(store.FieldKey(key, "alpha_retry_count_acw"), store.EncodeUint32(env.AlphaRetryCountACW))
	txn.Put(store.FieldKey(key, "bretries"), store.EncodeUint32(env.MaxBetaRetries))
	txn.Put(store.FieldKey(key, "beta_retry_count_cw"), store.EncodeUint32(env.BetaRetryCountCW))
	txn.Put(store.FieldKey(key, "beta_retry_count_acw"), store.EncodeUint32(env.BetaRetryCountACW))
	txn.Put(store.FieldKey(key, "counters2"), store.EncodeCounters(env.Counters))
}

// widenToMax sets env's position intervals to its full configured limits
// (spec §4.10: "widens the position envelope to the maximum possible
// value") and marks the FPU locked for motion until re-referenced.
func (env *Envelope) widenToMax() {
	env.AlphaPosition = env.AlphaLimits
	env.BetaPosition = env.BetaLimits
	env.MotionLocked = true
}

// within reports whether iv fits inside limits.
func within(iv, limits store.Interval) bool {
	return iv.Lo >= limits.Lo && iv.Hi <= limits.Hi
}
