package store

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestCommitPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn := s.Begin()
	txn.Put(FieldKey("FPU01", "apos"), EncodeInterval(Interval{Lo: 1, Hi: 2}))
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	txn2 := s2.Begin()
	defer txn2.Rollback()
	v, ok := txn2.Get(FieldKey("FPU01", "apos"))
	if !ok {
		t.Fatal("expected key to survive reopen")
	}
	iv, err := DecodeInterval(v)
	if err != nil {
		t.Fatalf("DecodeInterval: %v", err)
	}
	if iv != (Interval{Lo: 1, Hi: 2}) {
		t.Fatalf("unexpected interval: %+v", iv)
	}
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn := s.Begin()
	txn.Put(FieldKey("FPU01", "apos"), EncodeInterval(Interval{Lo: 1, Hi: 2}))
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	txn2 := s.Begin()
	defer txn2.Rollback()
	if _, ok := txn2.Get(FieldKey("FPU01", "apos")); ok {
		t.Fatal("expected rolled-back write to be absent")
	}
}

func TestTxnSeesOwnUncommittedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn := s.Begin()
	defer txn.Rollback()
	txn.Put(FieldKey("FPU01", "aretries"), EncodeUint32(3))
	v, ok := txn.Get(FieldKey("FPU01", "aretries"))
	if !ok {
		t.Fatal("expected staged write to be visible within the same txn")
	}
	n, err := DecodeUint32(v)
	if err != nil || n != 3 {
		t.Fatalf("unexpected value: %v err=%v", n, err)
	}
}

func TestDeleteRemovesKeyOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := FieldKey("FPU01", "wf_reversed")
	txn := s.Begin()
	txn.Put(key, EncodeBool(true))
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2 := s.Begin()
	txn2.Delete(key)
	if err := txn2.Commit(); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	txn3 := s.Begin()
	defer txn3.Rollback()
	if _, ok := txn3.Get(key); ok {
		t.Fatal("expected key to be gone after delete+commit")
	}
}

func TestCountersRoundTrip(t *testing.T) {
	c := Counters{
		TotalStepsAlpha: 1000, TotalStepsBeta: 2000, ExecutedWaveforms: 5,
		DatumCount: 2, CollisionCount: 1, DatumSumAlphaAberration: -3,
	}
	got, err := DecodeCounters(EncodeCounters(c))
	if err != nil {
		t.Fatalf("DecodeCounters: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
	}
}

func TestWaveformRoundTrip(t *testing.T) {
	steps := []WaveformStep{{AlphaStep: 100, BetaStep: -50}, {AlphaStep: -20, BetaStep: 30}}
	got, err := DecodeWaveform(EncodeWaveform(steps))
	if err != nil {
		t.Fatalf("DecodeWaveform: %v", err)
	}
	if !reflect.DeepEqual(got, steps) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, steps)
	}
}
