//go:build linux

package gateway

import (
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
)

// pollSet multiplexes readiness across every gateway's raw socket fd plus one
// extra "wake" fd, the Go rendering of spec §4.8's ppoll() pollset. Only the
// RX loop builds one, with its close-fd as the wake fd; the TX loop waits on
// the command queue's condition variable instead. The teacher extracts raw fds with higebu/netfd
// (pkg/exporter/exporter.go); gateway reuses it here to hand net.Conn-backed
// sockets to unix.Poll.
type pollSet struct {
	fds []unix.PollFd
}

// newPollSet builds a pollSet over conns (one entry per gateway) plus one
// extra wake fd appended last.
func newPollSet(conns []net.Conn, wakeFD int) (*pollSet, error) {
	ps := &pollSet{fds: make([]unix.PollFd, len(conns)+1)}
	for i, c := range conns {
		fd, err := netfd.GetFdFromConn(c)
		if err != nil {
			return nil, fpuerrors.Wrap(fpuerrors.KindSocketFailure, "extract raw fd for pollset", err)
		}
		ps.fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	ps.fds[len(conns)] = unix.PollFd{Fd: int32(wakeFD), Events: unix.POLLIN}
	return ps, nil
}

// wait blocks until some fd is readable or timeout elapses, returning the
// per-gateway readiness bitmap (bit i set means gateway i's socket is
// readable) and whether the wake fd fired.
func (ps *pollSet) wait(timeout time.Duration) (gatewayMask uint32, wake bool, err error) {
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	for i := range ps.fds {
		ps.fds[i].Revents = 0
	}
	n, err := unix.Poll(ps.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, false, nil
		}
		return 0, false, fpuerrors.Wrap(fpuerrors.KindSocketFailure, "poll gateway sockets", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	last := len(ps.fds) - 1
	for i, pfd := range ps.fds {
		if pfd.Revents == 0 {
			continue
		}
		if i == last {
			wake = true
		} else {
			gatewayMask |= 1 << uint(i)
		}
	}
	return gatewayMask, wake, nil
}
