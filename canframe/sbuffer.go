package canframe

import (
	"golang.org/x/sys/unix"
)

// SBuffer owns the residual write buffer and read-side decoder for one
// gateway socket (spec §4.1: "the codec maintains a residual write buffer
// for partial sends and retries on the next TX poll"). It is single-owner:
// the TX thread calls EncodeAndSend, the RX thread calls DecodeAndProcess,
// matching the "SBuffer per gateway" entry in the concurrency model (§5).
type SBuffer struct {
	fd      int
	pending []byte // unsent bytes from a previous partial write
	dec     *Decoder
	rbuf    [256]byte
}

// NewSBuffer wraps a raw, already-nonblocking socket file descriptor.
func NewSBuffer(fd int) *SBuffer {
	return &SBuffer{fd: fd, dec: NewDecoder()}
}

// NumUnsentBytes reports how many residual bytes are still queued for write.
func (s *SBuffer) NumUnsentBytes() int {
	return len(s.pending)
}

// EncodeAndSend frames payload and attempts to write it (plus any residual
// bytes from a previous call) to the socket without blocking.
func (s *SBuffer) EncodeAndSend(payload []byte) Result {
	if len(payload) > 0 {
		s.pending = append(s.pending, Stuff(payload)...)
	}
	return s.flush()
}

// flush drains as much of the residual buffer as the socket will currently
// accept.
func (s *SBuffer) flush() Result {
	for len(s.pending) > 0 {
		n, err := unix.Write(s.fd, s.pending)
		if n > 0 {
			s.pending = s.pending[n:]
		}
		if err != nil {
			res := ClassifyErrno(err)
			if res == ResultWouldBlock {
				return ResultWouldBlock
			}
			return res
		}
		if n == 0 {
			return ResultConnectionLost
		}
	}
	return ResultOK
}

// DecodeAndProcess performs one non-blocking read and feeds every byte
// through the decoder, invoking handler.HandleFrame for each complete frame.
func (s *SBuffer) DecodeAndProcess(gatewayIndex int, handler ResponseHandler) Result {
	n, err := unix.Read(s.fd, s.rbuf[:])
	if err != nil {
		return ClassifyErrno(err)
	}
	if n == 0 {
		return ResultConnectionLost
	}
	for _, b := range s.rbuf[:n] {
		frame, complete, ferr := s.dec.Feed(b)
		if ferr != nil {
			// overflow: logged by caller, decoder already resynced
			continue
		}
		if complete {
			_ = handler.HandleFrame(gatewayIndex, frame)
		}
	}
	return ResultOK
}
