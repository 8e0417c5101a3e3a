package fpuid

import "testing"

func TestFromLogicalIDBoundaries(t *testing.T) {
	cases := []struct {
		id   int
		want Address
	}{
		{0, Address{Gateway: 0, Bus: 0, CANID: 1}},
		{66, Address{Gateway: 0, Bus: 0, CANID: 67}},
		{67, Address{Gateway: 0, Bus: 1, CANID: 1}},
		{FPUsPerBus * BusesPerGateway, Address{Gateway: 1, Bus: 0, CANID: 1}},
		{MaxFPUs - 1, Address{Gateway: 2, Bus: 4, CANID: 67}},
	}
	for _, c := range cases {
		got := FromLogicalID(c.id)
		if got != c.want {
			t.Errorf("FromLogicalID(%d) = %+v, want %+v", c.id, got, c.want)
		}
	}
}

func TestAddressMapRoundTrip(t *testing.T) {
	m := NewAddressMap(500)
	for id := 0; id < 500; id++ {
		addr := FromLogicalID(id)
		got, ok := m.LogicalID(addr)
		if !ok || got != id {
			t.Fatalf("round trip failed for id %d: got %d, ok=%v", id, got, ok)
		}
	}
	if _, ok := m.LogicalID(Address{Gateway: 2, Bus: 4, CANID: 67}); ok {
		t.Fatalf("expected unconfigured address to miss")
	}
}
