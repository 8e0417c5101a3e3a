// Package commandpool implements C3: a fixed, pre-allocated, thread-safe
// pool of command objects per opcode (spec §4.3). The pool is the system's
// hard upper bound on outstanding commands; running dry is a logic error,
// never a trigger for additional allocation.
package commandpool

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
)

// MaxSubCommands bounds the number of in-flight CONFIG_MOTION segment
// sub-commands per FPU (spec §4.3).
const MaxSubCommands = 300

// perOpcodeCapacity returns the pool size for op given numFPUs (spec §4.3):
// individual opcodes get 10*numFPUs, CONFIG_MOTION gets
// MaxSubCommands*numFPUs, broadcast opcodes get a flat 10.
func perOpcodeCapacity(op cancommand.Opcode, numFPUs int, broadcast bool) int {
	if broadcast {
		return 10
	}
	if op == cancommand.OpConfigMotion {
		return MaxSubCommands * numFPUs
	}
	return 10 * numFPUs
}

// allOpcodes lists every opcode the pool pre-allocates instances for (the
// spontaneous-only opcodes are never taken from the pool: FPU responses for
// them are parsed in place by the dispatcher, not pooled outbound objects).
var allOpcodes = []cancommand.Opcode{
	cancommand.OpConfigMotion,
	cancommand.OpExecuteMotion,
	cancommand.OpAbortMotion,
	cancommand.OpFindDatum,
	cancommand.OpLockUnit,
	cancommand.OpUnlockUnit,
	cancommand.OpResetFPU,
	cancommand.OpRepeatMotion,
	cancommand.OpReverseMotion,
	cancommand.OpFreeBetaCollision,
	cancommand.OpEnableBetaCollisionProtection,
	cancommand.OpFreeAlphaLimitBreach,
	cancommand.OpEnableAlphaLimitProtection,
	cancommand.OpSetUStepLevel,
	cancommand.OpResetStepCounter,
	cancommand.OpSetTicksPerSegment,
	cancommand.OpSetStepsPerSegment,
	cancommand.OpEnableMove,
	cancommand.OpReadRegister,
	cancommand.OpReadSerialNumber,
	cancommand.OpWriteSerialNumber,
	cancommand.OpPingFPU,
	cancommand.OpGetFirmwareVersion,
	cancommand.OpCheckIntegrity,
}

// broadcastOpcodes addresses every FPU on a gateway with a single frame
// (spec §4.2's doBroadcast capability); only ABORT_MOTION does in this
// driver.
var broadcastOpcodes = map[cancommand.Opcode]bool{
	cancommand.OpAbortMotion: true,
}

// Pool is the mutex-protected, fixed-capacity store of pre-allocated
// Command instances, one free-list per opcode.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	free   map[cancommand.Opcode][]*cancommand.Command
	total  map[cancommand.Opcode]int
	logger logrus.FieldLogger
}

// New pre-allocates every opcode's pool at the capacity implied by numFPUs.
func New(numFPUs int, logger logrus.FieldLogger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pool{
		free:   make(map[cancommand.Opcode][]*cancommand.Command),
		total:  make(map[cancommand.Opcode]int),
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, op := range allOpcodes {
		n := perOpcodeCapacity(op, numFPUs, broadcastOpcodes[op])
		list := make([]*cancommand.Command, n)
		for i := range list {
			list[i] = &cancommand.Command{Opcode: op}
		}
		p.free[op] = list
		p.total[op] = n
	}
	return p
}

// ProvideInstance takes one free instance for op. If the pool is exhausted
// it logs a logic-error condition and blocks on the pool's condition
// variable until RecycleInstance returns one — it never allocates a new
// instance (spec §4.3, §5 backpressure).
func (p *Pool) ProvideInstance(op cancommand.Opcode) *cancommand.Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	list, ok := p.free[op]
	if !ok {
		p.logger.WithField("opcode", op).Error("commandpool: provideInstance for unpooled opcode")
		list = nil
	}
	warned := false
	for len(list) == 0 {
		if !warned {
			p.logger.WithFields(logrus.Fields{
				"opcode":   op,
				"capacity": p.total[op],
			}).Error("commandpool: exhausted, blocking (possible leak)")
			warned = true
		}
		p.cond.Wait()
		list = p.free[op]
	}
	cmd := list[len(list)-1]
	p.free[op] = list[:len(list)-1]
	return cmd
}

// RecycleInstance returns cmd to its opcode's free list and wakes any
// blocked ProvideInstance callers.
func (p *Pool) RecycleInstance(cmd *cancommand.Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := cmd.Opcode
	cmd.Reset()
	cmd.Opcode = op
	p.free[op] = append(p.free[op], cmd)
	p.cond.Broadcast()
}

// Available reports the number of free instances for op (for tests and
// diagnostics).
func (p *Pool) Available(op cancommand.Opcode) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[op])
}

// Capacity reports the configured pool size for op.
func (p *Pool) Capacity(op cancommand.Opcode) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total[op]
}
