package commandpool

import (
	"sync"
	"testing"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
)

func TestCapacitySizing(t *testing.T) {
	p := New(5, nil)
	if got := p.Capacity(cancommand.OpPingFPU); got != 50 {
		t.Errorf("expected ping pool capacity 50, got %d", got)
	}
	if got := p.Capacity(cancommand.OpConfigMotion); got != MaxSubCommands*5 {
		t.Errorf("expected configMotion pool capacity %d, got %d", MaxSubCommands*5, got)
	}
	if got := p.Capacity(cancommand.OpAbortMotion); got != 10 {
		t.Errorf("expected broadcast opcode capacity 10, got %d", got)
	}
}

func TestProvideAndRecycle(t *testing.T) {
	p := New(2, nil)
	cmd := p.ProvideInstance(cancommand.OpPingFPU)
	if cmd == nil {
		t.Fatal("expected non-nil command")
	}
	if got := p.Available(cancommand.OpPingFPU); got != 19 {
		t.Errorf("expected 19 remaining, got %d", got)
	}
	cmd.FPUID = 7
	p.RecycleInstance(cmd)
	if got := p.Available(cancommand.OpPingFPU); got != 20 {
		t.Errorf("expected 20 after recycle, got %d", got)
	}
	if cmd.FPUID != 0 {
		t.Errorf("expected recycled command to be reset, got FPUID=%d", cmd.FPUID)
	}
}

func TestProvideInstanceBlocksWhenExhausted(t *testing.T) {
	p := New(1, nil)
	op := cancommand.OpAbortMotion // capacity 10
	taken := make([]*cancommand.Command, 0, 10)
	for i := 0; i < 10; i++ {
		taken = append(taken, p.ProvideInstance(op))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	got := make(chan *cancommand.Command, 1)
	go func() {
		defer wg.Done()
		got <- p.ProvideInstance(op)
	}()

	select {
	case <-got:
		t.Fatal("ProvideInstance returned before any instance was recycled")
	case <-time.After(50 * time.Millisecond):
	}

	p.RecycleInstance(taken[0])
	select {
	case cmd := <-got:
		if cmd == nil {
			t.Fatal("expected non-nil command after recycle")
		}
	case <-time.After(time.Second):
		t.Fatal("ProvideInstance did not unblock after recycle")
	}
	wg.Wait()
}
