// Package canframe implements the DLE/STX/ETX byte-stuffing wire codec used
// on every gateway socket (spec §4.1, §6): frames are
// DLE STX <payload> DLE ETX, with any DLE byte inside payload doubled.
//
// The decoder is a byte-at-a-time state machine so it can be fed directly
// from a raw, possibly short, socket read without needing its own buffering
// beyond the in-flight payload.
package canframe

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	DLE byte = 0x10
	STX byte = 0x02
	ETX byte = 0x03

	// MaxPayload is the largest payload a frame can carry: 1 bus id byte +
	// 2 CAN id bytes + up to 8 data bytes (spec §4.1).
	MaxPayload = 11
)

// Stuff byte-stuffs payload into a complete wire frame.
func Stuff(payload []byte) []byte {
	out := make([]byte, 0, len(payload)*2+4)
	out = append(out, DLE, STX)
	for _, b := range payload {
		if b == DLE {
			out = append(out, DLE, DLE)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, DLE, ETX)
	return out
}

type decoderState int

const (
	stateIdle decoderState = iota // waiting for DLE STX
	stateSync                     // saw a leading DLE, waiting for STX
	stateFrame                    // inside a frame, waiting for next byte or a DLE
	stateFrameDLE                 // inside a frame, just saw a DLE
)

// Decoder is a byte-at-a-time unstuffing state machine (spec §4.1). It holds
// no socket reference; callers feed it bytes from wherever they come from.
type Decoder struct {
	state   decoderState
	payload []byte
}

// NewDecoder returns a Decoder ready to consume the start of a frame.
func NewDecoder() *Decoder {
	return &Decoder{payload: make([]byte, 0, MaxPayload)}
}

// ErrOverflow is returned by Feed when a frame's payload would exceed
// MaxPayload; the in-progress frame is aborted and the decoder resyncs.
var ErrOverflow = errors.New("canframe: payload overflow, frame aborted")

// Feed consumes one byte. It returns (payload, true, nil) when a complete
// frame has just closed; otherwise (nil, false, err) where err is non-nil
// only for ErrOverflow (a logged, non-fatal condition — spec §4.1 "overflow
// aborts the frame and logs").
func (d *Decoder) Feed(b byte) (frame []byte, complete bool, err error) {
	switch d.state {
	case stateIdle:
		if b == DLE {
			d.state = stateSync
		}
		return nil, false, nil

	case stateSync:
		switch b {
		case STX:
			d.payload = d.payload[:0]
			d.state = stateFrame
		case DLE:
			// stay in stateSync: DLE DLE before STX is not a valid
			// frame start, keep waiting
		default:
			d.state = stateIdle
		}
		return nil, false, nil

	case stateFrame:
		if b == DLE {
			d.state = stateFrameDLE
			return nil, false, nil
		}
		return d.appendByte(b)

	case stateFrameDLE:
		switch b {
		case DLE:
			d.state = stateFrame
			return d.appendByte(DLE)
		case ETX:
			d.state = stateIdle
			out := make([]byte, len(d.payload))
			copy(out, d.payload)
			return out, true, nil
		default:
			// any other post-DLE byte aborts the current frame (spec §4.1)
			d.state = stateIdle
			return nil, false, nil
		}
	}
	return nil, false, nil
}

func (d *Decoder) appendByte(b byte) ([]byte, bool, error) {
	if len(d.payload) >= MaxPayload {
		d.state = stateIdle
		d.payload = d.payload[:0]
		return nil, false, ErrOverflow
	}
	d.payload = append(d.payload, b)
	return nil, false, nil
}

// Result classifies the outcome of a non-blocking socket operation (spec
// §4.1's errno mapping table).
type Result int

const (
	ResultOK Result = iota
	ResultWouldBlock
	ResultConnectionLost
	ResultAssertion
)

// ClassifyErrno maps a raw syscall errno to the codec's Result taxonomy:
// EAGAIN/EWOULDBLOCK/ENOBUFS/ECONNRESET -> retry, EINTR -> retry,
// ENOTCONN/EPIPE -> connection-lost, anything else -> assertion. A zero-byte
// read carries no errno and is detected as connection-lost by the callers.
func ClassifyErrno(err error) Result {
	if err == nil {
		return ResultOK
	}
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK),
		errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.EINTR):
		return ResultWouldBlock
	case errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.EPIPE):
		return ResultConnectionLost
	default:
		return ResultAssertion
	}
}

// ResponseHandler receives complete, unstuffed frames as they arrive on a
// gateway socket (the C7 Response Dispatch entry point, spec §4.1/§4.8).
type ResponseHandler interface {
	HandleFrame(gatewayIndex int, payload []byte) error
}
