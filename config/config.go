// Package config holds the driver's compile-time-ish configuration struct
// (spec §6). It is a plain struct with a Default constructor and validation,
// in the style the rest of the retrieval pack uses for device configuration
// (struct literal + defaults, no flag-binding magic).
package config

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
	"github.com/ukatc/fpu-driver-sub001/fpuid"
)

// LogLevel is the driver's own leveled-logging vocabulary; its two
// driver-specific levels map onto standard logrus levels (LogGridstate to
// Info, LogTraceCANMessages to Trace).
type LogLevel int

const (
	LogError LogLevel = iota
	LogInfo
	LogGridstate
	LogVerbose
	LogDebug
	LogTraceCANMessages
)

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LogError:
		return logrus.ErrorLevel
	case LogInfo, LogGridstate:
		return logrus.InfoLevel
	case LogVerbose:
		return logrus.DebugLevel
	case LogDebug, LogTraceCANMessages:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Fabric sizing constants are owned by fpuid; re-exported here so existing
// callers can keep referring to config.MaxFPUs etc.
const (
	MaxGateways     = fpuid.MaxGateways
	BusesPerGateway = fpuid.BusesPerGateway
	FPUsPerBus      = fpuid.FPUsPerBus
	MaxFPUs         = fpuid.MaxFPUs
)

// Config bundles every recognized option from spec §6.
type Config struct {
	NumFPUs          int
	AlphaDatumOffset float64

	MotorMinimumFrequency  float64
	MotorMaximumFrequency  float64
	MotorMaxStartFrequency float64
	MotorMaxRelIncrease    float64
	MotorMaxStepDifference int

	SocketTimeOutSeconds          time.Duration
	TCPIdleSeconds                time.Duration
	TCPKeepaliveIntervalSeconds   time.Duration
	WaveformUploadPauseUs         time.Duration
	ConfigMotionConfirmationTime  time.Duration
	ConfigMotionMaxRetryCount     int
	ConfigMotionMaxResendCount    int
	ConfirmEachStep               bool
	CANCommandPriority            int
	MinBusRepeatDelay             time.Duration
	MinFPURepeatDelay             time.Duration
	ProtocolVersion               int // 1 or 2, resolves spec §9 open question (c)

	LogLevel LogLevel
	Logger   *logrus.Logger

	ControlLogWriter io.Writer
	TXLogWriter      io.Writer
	RXLogWriter      io.Writer

	GatewayAddresses []string // host:port, one per gateway, spec §6 ("192.168.0.10:4700")

	AdvisoryLockPath string // spec §9 open question (b)

	// StepsPerDegreeAlpha/Beta convert a firmware step count into the degree
	// intervals the protection layer persists (spec §4.10). No example repo
	// or spec.md names a concrete gear ratio, so these are a documented
	// judgment call (see DESIGN.md) rather than a measured instrument
	// constant.
	StepsPerDegreeAlpha float64
	StepsPerDegreeBeta  float64

	// EnvelopeUncertaintyDegrees is the margin C10 adds on either side of a
	// simulated waveform's predicted end position before persisting it,
	// covering step-timing jitter between the prediction and the firmware's
	// eventual report (spec §4.10 step 3's "enlarged to account for
	// uncertainty").
	EnvelopeUncertaintyDegrees float64

	// DefaultAlpha/BetaLimit{Lo,Hi} seed a newly-seen serial number's travel
	// limits (spec §4.10's "loads each FPU's envelope record ... at
	// connect"); an FPU never before persisted has no recorded limits to
	// load, so the driver must start it somewhere safe.
	DefaultAlphaLimitLo float64
	DefaultAlphaLimitHi float64
	DefaultBetaLimitLo  float64
	DefaultBetaLimitHi  float64

	// DefaultMaxAlphaRetries/DefaultMaxBetaRetries seed a newly-seen serial
	// number's per-arm retry ceiling (spec §4.10's `maxaretries`/
	// `maxbretries`).
	DefaultMaxAlphaRetries uint32
	DefaultMaxBetaRetries  uint32
}

// Default returns a Config with the values the real instrument uses absent
// any override, matching the numeric defaults named in spec §4.2 and §6.
func Default() Config {
	return Config{
		NumFPUs:          0,
		AlphaDatumOffset: 0,

		MotorMinimumFrequency:  500,
		MotorMaximumFrequency:  2000,
		MotorMaxStartFrequency: 550,
		MotorMaxRelIncrease:    1.4,
		MotorMaxStepDifference: 20,

		SocketTimeOutSeconds:         10 * time.Second,
		TCPIdleSeconds:               10 * time.Second,
		TCPKeepaliveIntervalSeconds:  5 * time.Second,
		WaveformUploadPauseUs:        500 * time.Microsecond,
		ConfigMotionConfirmationTime: 500 * time.Millisecond,
		ConfigMotionMaxRetryCount:    10,
		ConfigMotionMaxResendCount:   10,
		ConfirmEachStep:              false,
		CANCommandPriority:           6,
		MinBusRepeatDelay:            0,
		MinFPURepeatDelay:            0,
		ProtocolVersion:              2,

		LogLevel:         LogInfo,
		ControlLogWriter: os.Stderr,
		TXLogWriter:      os.Stderr,
		RXLogWriter:      os.Stderr,

		AdvisoryLockPath: "/var/run/fpu-driver-sub001.lock",

		StepsPerDegreeAlpha:        100,
		StepsPerDegreeBeta:         100,
		EnvelopeUncertaintyDegrees: 0.1,

		DefaultAlphaLimitLo: -180,
		DefaultAlphaLimitHi: 180,
		DefaultBetaLimitLo:  -180,
		DefaultBetaLimitHi:  150,

		DefaultMaxAlphaRetries: 5,
		DefaultMaxBetaRetries:  5,
	}
}

// Validate checks the invariants a misconfigured driver would otherwise
// violate silently (spec §7, Setup errors).
func (c *Config) Validate() error {
	if c.NumFPUs <= 0 || c.NumFPUs > MaxFPUs {
		return fpuerrors.Newf(fpuerrors.KindInvalidConfig, "num_fpus must be in (0, %d], got %d", MaxFPUs, c.NumFPUs)
	}
	requiredGateways := (c.NumFPUs + BusesPerGateway*FPUsPerBus - 1) / (BusesPerGateway * FPUsPerBus)
	if len(c.GatewayAddresses) < requiredGateways {
		return fpuerrors.Newf(fpuerrors.KindTooFewGateways, "need %d gateway addresses for %d FPUs, got %d",
			requiredGateways, c.NumFPUs, len(c.GatewayAddresses))
	}
	if c.ProtocolVersion != 1 && c.ProtocolVersion != 2 {
		return fpuerrors.Newf(fpuerrors.KindInvalidConfig, "protocol_version must be 1 or 2, got %d", c.ProtocolVersion)
	}
	if c.MotorMaxRelIncrease <= 1.0 {
		return fpuerrors.Newf(fpuerrors.KindInvalidConfig, "motor_max_rel_increase must exceed 1.0, got %f", c.MotorMaxRelIncrease)
	}
	if c.StepsPerDegreeAlpha <= 0 || c.StepsPerDegreeBeta <= 0 {
		return fpuerrors.Newf(fpuerrors.KindInvalidConfig, "steps_per_degree_alpha/beta must be positive")
	}
	return nil
}

// NewLogger builds one *logrus.Logger writing to out at the configured
// level. The gateway driver calls it once per concern (control/tx/rx), each
// with its own io.Writer, matching spec §6's fd_controllog/fd_txlog/
// fd_rxlog triple.
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(c.LogLevel.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}
