//go:build linux

// Package commandqueue implements C4: one FIFO per gateway, with wakeup
// delivered both through a condition variable (for in-process waiters, such
// as the gateway's TX loop via WaitForCommand) and an eventfd written on
// every enqueue, for a poll()-driven consumer (spec §4.4). Nothing else in
// this module polls the eventfds.
//
// The eventfd wakeup is Linux-specific; the driver targets Linux gateway
// hosts only (spec §4.8's SCHED_RR real-time priorities are themselves
// Linux/POSIX-only), so there is no portable fallback here.
package commandqueue

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
)

// Queue holds one FIFO of pending Command objects per gateway.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	fifos     [][]*cancommand.Command
	eventfds  []int
	numGateways int
}

// New creates a Queue with one FIFO and one eventfd per gateway.
func New(numGateways int) (*Queue, error) {
	q := &Queue{
		fifos:       make([][]*cancommand.Command, numGateways),
		eventfds:    make([]int, numGateways),
		numGateways: numGateways,
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.eventfds {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			q.closeEventfds(i)
			return nil, err
		}
		q.eventfds[i] = fd
	}
	return q, nil
}

func (q *Queue) closeEventfds(n int) {
	for i := 0; i < n; i++ {
		unix.Close(q.eventfds[i])
	}
}

// Close releases the eventfds. Call once, after all TX/RX threads have
// stopped polling.
func (q *Queue) Close() {
	q.closeEventfds(len(q.eventfds))
}

// EventFD returns the raw eventfd for gateway, for inclusion in a poll set.
func (q *Queue) EventFD(gateway int) int {
	return q.eventfds[gateway]
}

// DrainEventFD reads (and discards) the eventfd counter after a wakeup, the
// way a poll()-driven consumer must to avoid spinning on a ready fd.
func (q *Queue) DrainEventFD(gateway int) {
	var buf [8]byte
	_, _ = unix.Read(q.eventfds[gateway], buf[:])
}

func (q *Queue) signal(gateway int) {
	q.cond.Broadcast()
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(q.eventfds[gateway], one[:])
}

// Enqueue pushes cmd to the back of gateway's FIFO and wakes any waiter.
func (q *Queue) Enqueue(gateway int, cmd *cancommand.Command) {
	q.mu.Lock()
	q.fifos[gateway] = append(q.fifos[gateway], cmd)
	q.mu.Unlock()
	q.signal(gateway)
}

// Requeue pushes cmd to the front of gateway's FIFO, for error recovery
// when a send failed mid-frame (spec §4.4, §4.8).
func (q *Queue) Requeue(gateway int, cmd *cancommand.Command) {
	q.mu.Lock()
	q.fifos[gateway] = append([]*cancommand.Command{cmd}, q.fifos[gateway]...)
	q.mu.Unlock()
	q.signal(gateway)
}

// Dequeue pops the front of gateway's FIFO. ok is false if empty.
func (q *Queue) Dequeue(gateway int) (cmd *cancommand.Command, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.fifos[gateway]
	if len(fifo) == 0 {
		return nil, false
	}
	cmd = fifo[0]
	q.fifos[gateway] = fifo[1:]
	return cmd, true
}

// Len reports the current depth of gateway's FIFO.
func (q *Queue) Len(gateway int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifos[gateway])
}

// WaitForCommand blocks until at least one gateway has a non-empty queue or
// timeout elapses, returning a bitmask of ready gateways (bit i set means
// gateway i is non-empty). A zero return means the timeout elapsed with no
// work pending (spec §4.4's pthread_cond_timedwait-against-monotonic-clock
// behavior).
func (q *Queue) WaitForCommand(timeout time.Duration) uint32 {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if mask := q.readyMaskLocked(); mask != 0 {
			return mask
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0
		}
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
		if time.Now().After(deadline) {
			return q.readyMaskLocked()
		}
	}
}

func (q *Queue) readyMaskLocked() uint32 {
	var mask uint32
	for i, fifo := range q.fifos {
		if len(fifo) > 0 {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// FlushToPool drains every gateway's FIFO, recycling each command to
// recycle (typically Pool.RecycleInstance). It must be called only from the
// control thread — calling it from the RX thread would acquire the queue's
// mutex while already holding the pool's, inverting the fixed grab order
// (grid -> timeouts -> pool) spec §9 relies on to avoid deadlock.
func (q *Queue) FlushToPool(recycle func(*cancommand.Command)) {
	q.mu.Lock()
	fifos := q.fifos
	q.fifos = make([][]*cancommand.Command, q.numGateways)
	q.mu.Unlock()

	for _, fifo := range fifos {
		for _, cmd := range fifo {
			recycle(cmd)
		}
	}
}
