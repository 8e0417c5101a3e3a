//go:build linux

// Package gateway implements C8: the TX/RX thread pair that owns every
// gateway TCP socket, the connection lifecycle, and the host-scope advisory
// lock (spec §4.8, §9 open question (b)).
//
// The source drives two POSIX threads per process, each blocked in a single
// ppoll() over every gateway socket plus one extra wake fd. This package
// renders that as two goroutines — one TX loop, one RX loop — each blocked
// in the Go-native equivalent of that same poll: the TX loop waits on
// commandqueue.Queue's condition variable (the queue's per-gateway eventfds
// are not polled here), the RX loop waits on a raw unix.Poll
// pollSet across every gateway fd plus a close-fd, since SBuffer's
// non-blocking raw reads need real readiness notification that a net.Conn
// deadline can't provide once the fd has been taken over for raw I/O.
package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ukatc/fpu-driver-sub001/canframe"
	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/commandpool"
	"github.com/ukatc/fpu-driver-sub001/commandqueue"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
	"github.com/ukatc/fpu-driver-sub001/fpuid"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
	"github.com/ukatc/fpu-driver-sub001/timeoutlist"
)

// pollTimeout bounds every poll/wait call so the driver notices Disconnect
// promptly even with no socket activity (spec §4.8's "or 500ms").
const pollTimeout = 500 * time.Millisecond

// Driver owns the pool, queue, timeout list and grid-state mirror for one
// connected grid, plus the sockets and threads that drive them.
type Driver struct {
	Pool     *commandpool.Pool
	Queue    *commandqueue.Queue
	Timeouts *timeoutlist.List
	Grid     *fpustate.Array
	Addrs    *fpuid.AddressMap

	cfg        config.Config
	dispatcher *fpustate.GatewayDispatcher

	controlLog logrus.FieldLogger
	txLog      logrus.FieldLogger
	rxLog      logrus.FieldLogger

	mu       sync.Mutex
	conns    []net.Conn
	sbufs    []*canframe.SBuffer
	unlock   func() error
	closeFD  int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	connected bool
}

// NumGateways returns the number of configured gateway sockets, for callers
// that need to fan a broadcast command out across every one (spec §4.9's
// abortMotion).
func (d *Driver) NumGateways() int {
	return len(d.cfg.GatewayAddresses)
}

// New builds an unconnected Driver from cfg (spec §6). Callers must call
// Connect before any command can be queued.
func New(cfg config.Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	pool := commandpool.New(cfg.NumFPUs, logger)
	queue, err := commandqueue.New(len(cfg.GatewayAddresses))
	if err != nil {
		return nil, fpuerrors.Wrap(fpuerrors.KindResourceError, "allocate per-gateway eventfds", err)
	}
	timeouts := timeoutlist.New()
	grid := fpustate.NewArray(cfg.NumFPUs, timeouts)
	addrs := fpuid.NewAddressMap(cfg.NumFPUs)

	d := &Driver{
		Pool:     pool,
		Queue:    queue,
		Timeouts: timeouts,
		Grid:     grid,
		Addrs:    addrs,
		cfg:      cfg,
		dispatcher: &fpustate.GatewayDispatcher{Array: grid, Addrs: addrs},
		controlLog: cfg.NewLogger(cfg.ControlLogWriter),
		txLog:      cfg.NewLogger(cfg.TXLogWriter),
		rxLog:      cfg.NewLogger(cfg.RXLogWriter),
	}
	return d, nil
}

// Connect opens one TCP socket per gateway address, acquires the host-scope
// advisory lock, and starts the TX/RX goroutine pair (spec §4.8). It fails
// closed: any socket error during dial tears down every socket already
// opened in this call before returning.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return fpuerrors.New(fpuerrors.KindAlreadyInitialized, "gateway already connected")
	}

	unlock, err := Lock(d.cfg.AdvisoryLockPath)
	if err != nil {
		return err
	}

	conns := make([]net.Conn, 0, len(d.cfg.GatewayAddresses))
	sbufs := make([]*canframe.SBuffer, 0, len(d.cfg.GatewayAddresses))
	for _, addr := range d.cfg.GatewayAddresses {
		conn, sbuf, derr := dialGateway(addr, d.cfg.SocketTimeOutSeconds, d.cfg.TCPKeepaliveIntervalSeconds)
		if derr != nil {
			for _, c := range conns {
				c.Close()
			}
			unlock()
			return derr
		}
		conns = append(conns, conn)
		sbufs = append(sbufs, sbuf)
	}

	closeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		for _, c := range conns {
			c.Close()
		}
		unlock()
		return fpuerrors.Wrap(fpuerrors.KindResourceError, "allocate rx close eventfd", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.conns = conns
	d.sbufs = sbufs
	d.unlock = unlock
	d.closeFD = closeFD
	d.cancel = cancel
	d.connected = true
	d.Grid.SetInterfaceState(fpustate.InterfaceConnected)

	d.wg.Add(2)
	go d.txLoop(runCtx)
	go d.rxLoop(runCtx)

	d.controlLog.WithField("gateways", len(conns)).Info("gateway: connected")
	return nil
}

// Disconnect stops both threads, requeues or drops in-flight commands back
// to the pool, closes every socket, and releases the advisory lock (spec
// §4.8's "sets an atomic exit flag, closes sockets, joins threads").
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return fpuerrors.New(fpuerrors.KindNoConnection, "gateway not connected")
	}
	cancel := d.cancel
	closeFD := d.closeFD
	conns := d.conns
	unlock := d.unlock
	d.mu.Unlock()

	cancel()
	var one [8]byte
	one[0] = 1
	unix.Write(closeFD, one[:])

	for _, c := range conns {
		c.Close()
	}
	d.wg.Wait()

	d.Queue.FlushToPool(d.Pool.RecycleInstance)
	d.Queue.Close()
	unix.Close(closeFD)
	err := unlock()

	d.mu.Lock()
	d.conns = nil
	d.sbufs = nil
	d.connected = false
	d.mu.Unlock()

	d.Grid.SetInterfaceState(fpustate.InterfaceUnconnected)
	d.controlLog.Info("gateway: disconnected")
	return err
}

// dialGateway opens one gateway's TCP socket with TCP_NODELAY and optional
// keepalive (spec §6), extracts its raw fd (grounded on the teacher's
// higebu/netfd usage in pkg/exporter/exporter.go), switches it to
// non-blocking, and wraps it in an SBuffer.
func dialGateway(addr string, dialTimeout, keepalive time.Duration) (net.Conn, *canframe.SBuffer, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, nil, fpuerrors.Wrap(fpuerrors.KindCannotOpenSocket, "dial gateway "+addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		if keepalive > 0 {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepalive)
		}
	}
	fd, err := netfd.GetFdFromConn(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fpuerrors.Wrap(fpuerrors.KindSocketFailure, "extract raw fd for "+addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		conn.Close()
		return nil, nil, fpuerrors.Wrap(fpuerrors.KindSocketFailure, "set non-blocking for "+addr, err)
	}
	return conn, canframe.NewSBuffer(fd), nil
}

// txLoop is the single TX thread of spec §4.8: wake on any gateway having a
// queued command (or the 500ms ceiling), drain every ready gateway's FIFO,
// and retry any previously unsent residual bytes regardless of which
// gateway signalled.
func (d *Driver) txLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		mask := d.Queue.WaitForCommand(pollTimeout)
		if ctx.Err() != nil {
			return
		}
		for gw, sbuf := range d.sbufs {
			if mask&(1<<uint(gw)) != 0 || sbuf.NumUnsentBytes() > 0 {
				d.drainGateway(gw)
			}
		}
	}
}

// drainGateway sends every queued command for gateway gw, stopping (and
// requeuing the undelivered command to the front of the FIFO) the moment the
// socket would block, matching spec §4.8's partial-write retry behavior.
func (d *Driver) drainGateway(gw int) {
	sbuf := d.sbufs[gw]
	for {
		cmd, ok := d.Queue.Dequeue(gw)
		if !ok {
			sbuf.EncodeAndSend(nil) // flush any still-pending residual bytes
			return
		}
		if !d.sendOne(gw, sbuf, cmd) {
			d.Queue.Requeue(gw, cmd)
			return
		}
	}
}

// sendOne frames and sends one command. On success it records the pending
// response deadline and recycles cmd; on a transient block it leaves cmd
// untouched for the caller to requeue; on a lost connection it recycles cmd
// and flags the interface as failed.
func (d *Driver) sendOne(gw int, sbuf *canframe.SBuffer, cmd *cancommand.Command) bool {
	data, err := cmd.Serialize(d.cfg.ProtocolVersion)
	if err != nil {
		d.txLog.WithError(err).WithField("opcode", cmd.Opcode).Error("gateway: cannot serialize command")
		d.Pool.RecycleInstance(cmd)
		return true
	}

	meta := cancommand.MetadataFor(cmd.Opcode, d.cfg.ProtocolVersion)

	var bus int
	var canID uint16
	if meta.Broadcast {
		bus = cmd.Bus
		canID = cancommand.CANIdentifier(meta.Priority, 0, true)
	} else {
		addr := fpuid.FromLogicalID(cmd.FPUID)
		bus = addr.Bus
		canID = cancommand.CANIdentifier(meta.Priority, addr.CANID, false)
	}
	frame := make([]byte, 0, 3+len(data))
	frame = append(frame, byte(bus))
	frame = append(frame, byte(canID), byte(canID>>8))
	frame = append(frame, data...)

	timeout := meta.Timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}

	switch sbuf.EncodeAndSend(frame) {
	case canframe.ResultOK:
		if !meta.Broadcast {
			d.Grid.SetPendingCommand(cmd.FPUID, cmd.Opcode, time.Now().Add(timeout))
		}
		d.txLog.WithFields(logrus.Fields{"fpu": cmd.FPUID, "opcode": cmd.Opcode}).Trace("gateway: sent command")
		d.Pool.RecycleInstance(cmd)
		return true
	case canframe.ResultWouldBlock:
		return false
	default:
		d.txLog.WithField("gateway", gw).Error("gateway: connection lost on send")
		d.Grid.SetInterfaceState(fpustate.InterfaceAssertionFailed)
		d.Pool.RecycleInstance(cmd)
		return true
	}
}

// rxLoop is the single RX thread of spec §4.8: poll every gateway socket
// plus the close fd, sized to the earlier of C5's next deadline and the
// 500ms ceiling, processing both inbound frames and due timeouts.
func (d *Driver) rxLoop(ctx context.Context) {
	defer d.wg.Done()
	ps, err := newPollSet(d.conns, d.closeFD)
	if err != nil {
		d.rxLog.WithError(err).Error("gateway: cannot build rx pollset")
		d.Grid.SetInterfaceState(fpustate.InterfaceAssertionFailed)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		timeout := pollTimeout
		if dl, ok := d.Timeouts.GetNextDeadline(); ok {
			if until := time.Until(dl); until < timeout {
				timeout = until
			}
		}
		mask, wake, err := ps.wait(timeout)
		if err != nil {
			d.rxLog.WithError(err).Error("gateway: rx poll failed")
			d.Grid.SetInterfaceState(fpustate.InterfaceAssertionFailed)
			return
		}
		if wake || ctx.Err() != nil {
			return
		}
		for gw, sbuf := range d.sbufs {
			if mask&(1<<uint(gw)) == 0 {
				continue
			}
			switch sbuf.DecodeAndProcess(gw, d.dispatcher) {
			case canframe.ResultOK, canframe.ResultWouldBlock:
			default:
				d.rxLog.WithField("gateway", gw).Error("gateway: connection lost on receive")
				d.Grid.SetInterfaceState(fpustate.InterfaceAssertionFailed)
				return
			}
		}
		if n := d.Grid.ProcessTimeouts(time.Now()); n > 0 {
			d.rxLog.WithField("count", n).Debug("gateway: processed timeouts")
		}
	}
}
