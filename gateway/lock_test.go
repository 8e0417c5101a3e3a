//go:build linux

package gateway

import (
	"path/filepath"
	"testing"
)

func TestLockPreventsSecondAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.lock")

	unlock1, err := Lock(path)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer unlock1()

	if _, err := Lock(path); err == nil {
		t.Fatal("expected second Lock to fail while first is held")
	}
}

func TestLockReleasedAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.lock")

	unlock1, err := Lock(path)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := unlock1(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	unlock2, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlock2()
}
