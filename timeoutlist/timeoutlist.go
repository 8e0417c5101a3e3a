// Package timeoutlist implements C5: the global, deadline-ordered set of
// pending per-FPU command timeouts (spec §4.5). Deadlines are quantized to
// 5ms buckets so that the common case — a burst of commands sharing nearly
// identical deadlines — collapses to an O(1) cache of the current minimum
// and its multiplicity; a full O(N) scan is only needed when that bucket
// empties out.
package timeoutlist

import (
	"sync"
	"time"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
)

// Quantum is the deadline bucket width (spec §4.5, §8).
const Quantum = 5 * time.Millisecond

func quantize(t time.Time) time.Time {
	return t.Truncate(Quantum)
}

// Entry is one pending (fpu, opcode, deadline) timeout.
type Entry struct {
	FPUID    int
	Opcode   cancommand.Opcode
	Deadline time.Time // original, unquantized deadline
}

type key struct {
	fpuID  int
	opcode cancommand.Opcode
}

// List is the mutex-protected timeout set.
type List struct {
	mu      sync.Mutex
	entries map[key]Entry
	buckets map[time.Time]int // quantized deadline -> count

	haveMin  bool
	minBucket time.Time
	minCount  int
}

// New returns an empty List.
func New() *List {
	return &List{
		entries: make(map[key]Entry),
		buckets: make(map[time.Time]int),
	}
}

// Insert adds or replaces the pending timeout for (fpuID, opcode).
func (l *List) Insert(fpuID int, opcode cancommand.Opcode, deadline time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{fpuID, opcode}
	if old, ok := l.entries[k]; ok {
		l.removeBucketLocked(quantize(old.Deadline))
	}
	l.entries[k] = Entry{FPUID: fpuID, Opcode: opcode, Deadline: deadline}
	b := quantize(deadline)
	l.buckets[b]++
	if !l.haveMin || b.Before(l.minBucket) {
		l.haveMin = true
		l.minBucket = b
		l.minCount = l.buckets[b]
	} else if b.Equal(l.minBucket) {
		l.minCount = l.buckets[b]
	}
}

// Remove clears the pending timeout for (fpuID, opcode), if any. ok
// reports whether an entry was present.
func (l *List) Remove(fpuID int, opcode cancommand.Opcode) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{fpuID, opcode}
	e, ok := l.entries[k]
	if !ok {
		return Entry{}, false
	}
	delete(l.entries, k)
	l.removeBucketLocked(quantize(e.Deadline))
	return e, true
}

// removeBucketLocked decrements the bucket count for b and, if b was the
// cached minimum and its count reaches zero, rescans to find the new
// minimum (spec §4.5).
func (l *List) removeBucketLocked(b time.Time) {
	n := l.buckets[b] - 1
	if n <= 0 {
		delete(l.buckets, b)
	} else {
		l.buckets[b] = n
	}
	if l.haveMin && b.Equal(l.minBucket) {
		if n <= 0 {
			l.rescanMinLocked()
		} else {
			l.minCount = n
		}
	}
}

func (l *List) rescanMinLocked() {
	l.haveMin = false
	for b, n := range l.buckets {
		if n <= 0 {
			continue
		}
		if !l.haveMin || b.Before(l.minBucket) {
			l.haveMin = true
			l.minBucket = b
			l.minCount = n
		}
	}
}

// GetNextDeadline returns the earliest pending (quantized) deadline, used
// by the RX thread to size its poll timeout. ok is false if the list is
// empty.
func (l *List) GetNextDeadline() (deadline time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.haveMin {
		return time.Time{}, false
	}
	return l.minBucket, true
}

// Pop removes and returns one entry whose quantized deadline equals the
// current minimum. ok is false if the list is empty.
func (l *List) Pop() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.haveMin {
		return Entry{}, false
	}
	for k, e := range l.entries {
		if quantize(e.Deadline).Equal(l.minBucket) {
			delete(l.entries, k)
			l.removeBucketLocked(l.minBucket)
			return e, true
		}
	}
	// bucket accounting said entries existed but none matched: resync.
	l.rescanMinLocked()
	return Entry{}, false
}

// Len reports the number of pending entries.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Due pops and returns every entry whose quantized deadline is at or before
// now's quantized bucket, so an entry up to one Quantum past now can be
// returned.
func (l *List) Due(now time.Time) []Entry {
	var due []Entry
	for {
		l.mu.Lock()
		if !l.haveMin || l.minBucket.After(quantize(now)) {
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		e, ok := l.Pop()
		if !ok {
			break
		}
		due = append(due, e)
	}
	return due
}
