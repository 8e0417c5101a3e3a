package canframe

import (
	"bytes"
	"testing"
)

func decodeAll(t *testing.T, wire []byte) [][]byte {
	t.Helper()
	d := NewDecoder()
	var frames [][]byte
	for _, b := range wire {
		frame, complete, err := d.Feed(b)
		if err != nil && err != ErrOverflow {
			t.Fatalf("unexpected error: %v", err)
		}
		if complete {
			frames = append(frames, frame)
		}
	}
	return frames
}

func TestStuffUnstuffRoundTrip(t *testing.T) {
	for length := 3; length <= 11; length++ {
		payload := make([]byte, length)
		for i := range payload {
			payload[i] = byte(i * 17)
		}
		wire := Stuff(payload)
		frames := decodeAll(t, wire)
		if len(frames) != 1 {
			t.Fatalf("length %d: expected 1 frame, got %d", length, len(frames))
		}
		if !bytes.Equal(frames[0], payload) {
			t.Fatalf("length %d: round trip mismatch: got %x want %x", length, frames[0], payload)
		}
	}
}

func TestDoubledDLEInPayload(t *testing.T) {
	// spec §8 boundary case: 10 02 10 10 10 03 -> payload [0x10]
	wire := []byte{0x10, 0x02, 0x10, 0x10, 0x10, 0x03}
	frames := decodeAll(t, wire)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x10}) {
		t.Fatalf("expected single-byte payload [0x10], got %v", frames)
	}
}

func TestEveryDLEIsDoubledOnWire(t *testing.T) {
	payload := []byte{0x10, 0x01, 0x10, 0x10}
	wire := Stuff(payload)
	// every payload DLE must appear doubled, and the frame delimiters must
	// each be preceded by exactly one DLE (spec P5).
	dleCount := 0
	for _, b := range wire {
		if b == DLE {
			dleCount++
		}
	}
	// 3 payload DLEs doubled (6) + 2 delimiter DLEs = 8
	if dleCount != 8 {
		t.Fatalf("expected 8 DLE bytes on wire, got %d (wire=%x)", dleCount, wire)
	}
}

func TestShortFrameIgnored(t *testing.T) {
	// "10 02 10 03" decodes to one empty payload without crashing; the
	// dispatcher (fpustate's Array.HandleFrame) then drops it as shorter than 3 bytes.
	wire := []byte{0x10, 0x02, 0x10, 0x03}
	frames := decodeAll(t, wire)
	if len(frames) != 1 || len(frames[0]) != 0 {
		t.Fatalf("expected one empty payload for short input, got %v", frames)
	}
}

func TestOverflowAbortsFrame(t *testing.T) {
	d := NewDecoder()
	feed := func(b byte) {
		_, _, _ = d.Feed(b)
	}
	feed(DLE)
	feed(STX)
	for i := 0; i < MaxPayload+1; i++ {
		feed(byte(i))
	}
	// decoder should have reset to idle; feeding a fresh valid frame
	// afterwards must still succeed.
	feed(DLE)
	feed(STX)
	feed(0x42)
	frame, complete, err := d.Feed(DLE)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if complete {
		t.Fatalf("did not expect completion yet")
	}
	frame, complete, err = d.Feed(ETX)
	if err != nil || !complete || !bytes.Equal(frame, []byte{0x42}) {
		t.Fatalf("expected recovery frame [0x42], got %v complete=%v err=%v", frame, complete, err)
	}
}

func TestInvalidPostDLEAbortsFrame(t *testing.T) {
	wire := []byte{0x10, 0x02, 0x01, 0x10, 0x05, 0x10, 0x02, 0x07, 0x10, 0x03}
	frames := decodeAll(t, wire)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x07}) {
		t.Fatalf("expected recovery after invalid post-DLE byte, got %v", frames)
	}
}

func TestClassifyErrno(t *testing.T) {
	if ClassifyErrno(nil) != ResultOK {
		t.Fatalf("nil error should classify as OK")
	}
}
