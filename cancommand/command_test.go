package cancommand

import "testing"

func TestUnfoldAlphaSteps(t *testing.T) {
	cases := []struct {
		raw  uint16
		want int32
	}{
		{0x0000, 0},
		{0x00FF, 255},
		{55535, 55535},
		{55536, -10000},
		{65535, -1},
	}
	for _, c := range cases {
		if got := UnfoldAlphaSteps(c.raw); got != c.want {
			t.Errorf("UnfoldAlphaSteps(%#04x) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestFoldUnfoldAlphaRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 255, 55535, -10000, -1, -5000, 40000} {
		raw := FoldAlphaSteps(v)
		if got := UnfoldAlphaSteps(raw); got != v {
			t.Errorf("round trip failed for %d: raw=%#04x got=%d", v, raw, got)
		}
	}
}

func TestUnfoldBetaSteps(t *testing.T) {
	cases := []struct {
		raw  uint16
		want int32
	}{
		{0x8000, -32768},
		{0x7FFF, 32767},
		{0x0000, 0},
	}
	for _, c := range cases {
		if got := UnfoldBetaSteps(c.raw); got != c.want {
			t.Errorf("UnfoldBetaSteps(%#04x) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestSegmentStepsFoldRoundTrip(t *testing.T) {
	for _, steps := range []int32{0, 1, -1, 100, -100, 8000, -8000} {
		for _, pause := range []bool{false, true} {
			w := foldSegmentSteps(steps, pause)
			gotSteps, gotPause := unfoldSegmentSteps(w)
			if gotSteps != steps || gotPause != pause {
				t.Errorf("fold/unfold(%d, %v) round trip = (%d, %v)", steps, pause, gotSteps, gotPause)
			}
		}
	}
}

func TestCANIdentifier(t *testing.T) {
	if got := CANIdentifier(6, 5, false); got != (6<<7)|5 {
		t.Errorf("unicast identifier mismatch: got %d", got)
	}
	if got := CANIdentifier(3, 5, true); got != 0 {
		t.Errorf("broadcast identifier must be 0, got %d", got)
	}
}

func TestMetadataForProtocolV1ForcesPriorityZero(t *testing.T) {
	m := MetadataFor(OpExecuteMotion, 1)
	if m.Priority != 0 {
		t.Errorf("expected priority 0 under protocol v1, got %d", m.Priority)
	}
	m2 := MetadataFor(OpExecuteMotion, 2)
	if m2.Priority != priorityMotion {
		t.Errorf("expected priority %d under protocol v2, got %d", priorityMotion, m2.Priority)
	}
}

func TestSerializeConfigMotion(t *testing.T) {
	c := New(OpConfigMotion, 3)
	c.AlphaSteps = 120
	c.BetaSteps = -45
	c.LastEntry = true
	data, err := c.Serialize(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(data))
	}
	if data[1]&0x02 == 0 {
		t.Fatalf("expected last-entry flag bit set")
	}
}

func TestSerializeLockUnitRejectedUnderV1(t *testing.T) {
	c := New(OpLockUnit, 0)
	if _, err := c.Serialize(1); err == nil {
		t.Fatalf("expected error serializing LOCK_UNIT under protocol v1")
	}
	if _, err := c.Serialize(2); err != nil {
		t.Fatalf("unexpected error under protocol v2: %v", err)
	}
}

func TestResetPreservesCorrelationID(t *testing.T) {
	c := New(OpPingFPU, 1)
	id := c.CorrelationID
	c.FPUID = 99
	c.Reset()
	if c.CorrelationID != id {
		t.Fatalf("expected correlation id to survive Reset")
	}
	if c.FPUID != 0 {
		t.Fatalf("expected FPUID cleared by Reset")
	}
}
