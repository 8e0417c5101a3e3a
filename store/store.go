// Package store implements the opaque, transactional key/value persistence
// layer of spec §6: string keys, byte-slice values, atomic multi-key commits, no
// assumption about key structure beyond what protection chooses to encode
// into them ("{serial_number}#{field}").
//
// No example repo or other_examples/ file in the retrieval pack contributes
// an embedded transactional KV library (bbolt, badger, lmdb all come up
// empty) — see DESIGN.md. This implementation is therefore built on the
// standard library: an in-memory index plus a single gob-encoded snapshot
// file, replaced atomically (write-temp, rename) on every commit. Because
// protection is this store's only caller and always runs its read-simulate-
// write sequence from one goroutine at a time, transactions are serialized
// by a single mutex rather than needing MVCC or write-ahead logging.
package store

import (
	"bufio"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
)

// Store is a durable map[string][]byte with transactional access.
type Store struct {
	path string

	mu   sync.Mutex // held for the duration of any open Txn
	data map[string][]byte
}

// Open loads path's snapshot if it exists, or starts an empty store if it
// does not (first run against a fresh grid).
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string][]byte)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fpuerrors.Wrap(fpuerrors.KindResourceError, "open store file", err)
	}
	defer f.Close()

	dec := gob.NewDecoder(bufio.NewReader(f))
	if err := dec.Decode(&s.data); err != nil {
		return nil, fpuerrors.Wrap(fpuerrors.KindResourceError, "decode store snapshot", err)
	}
	return s, nil
}

// Txn is one open transaction: reads see the store's committed state
// overlaid with this transaction's own uncommitted writes; nothing is
// visible to any other transaction (there can be none concurrently — Begin
// holds the store's mutex) until Commit.
type Txn struct {
	s       *Store
	staged  map[string][]byte
	done    bool
}

// Begin opens a transaction, blocking until any previously open transaction
// on s has called Commit or Rollback.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	return &Txn{s: s, staged: make(map[string][]byte)}
}

// Get returns the value for key, preferring this transaction's own staged
// write if one exists. ok is false if key has never been set.
func (t *Txn) Get(key string) (value []byte, ok bool) {
	if v, staged := t.staged[key]; staged {
		if v == nil {
			return nil, false
		}
		return v, true
	}
	v, ok := t.s.data[key]
	return v, ok
}

// Put stages a write, visible to this transaction's own Get calls but not
// committed to the store until Commit.
func (t *Txn) Put(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	t.staged[key] = cp
}

// Delete stages a key removal.
func (t *Txn) Delete(key string) {
	t.staged[key] = nil
}

// Commit atomically applies every staged write (and delete) to the store
// and persists the full snapshot to disk before releasing the store for the
// next transaction. Spec §4.10's "opens a transaction, writes the new
// envelope, commits, and only then dispatches" depends on Commit having
// returned before the caller proceeds.
func (t *Txn) Commit() error {
	defer t.finish()

	for k, v := range t.staged {
		if v == nil {
			delete(t.s.data, k)
		} else {
			t.s.data[k] = v
		}
	}
	return t.s.persistLocked()
}

// Rollback discards every staged write, leaving the store unchanged.
func (t *Txn) Rollback() error {
	t.finish()
	return nil
}

func (t *Txn) finish() {
	if t.done {
		return
	}
	t.done = true
	t.s.mu.Unlock()
}

// persistLocked writes the full snapshot to a temp file and renames it over
// s.path, so a crash mid-write never corrupts the last good snapshot. Called
// with s.mu held.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fpuerrors.Wrap(fpuerrors.KindResourceError, "create store temp file", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(w).Encode(s.data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fpuerrors.Wrap(fpuerrors.KindResourceError, "encode store snapshot", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fpuerrors.Wrap(fpuerrors.KindResourceError, "flush store snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fpuerrors.Wrap(fpuerrors.KindResourceError, "close store temp file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fpuerrors.Wrap(fpuerrors.KindResourceError, "replace store snapshot", err)
	}
	return nil
}
