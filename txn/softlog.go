package txn

import (
	"fmt"

	"github.com/pkg/errors"
)

// EntryKind is the type tag of an Entry.
type EntryKind string

// Entry is a soft-log entry: one durable-intent operation of a Transaction.
// Entries may be allocated by the caller, or by Transaction.NewEntry from the
// transaction's memory pool.
type Entry struct {
	Kind EntryKind
	// Phases the Entry participates in.
	Phases Phase
	// Op invoked at each participating Phase.
	Op Operation
	// CommitStoreOps and RollbackStoreOps are the numbers of store operations
	// the Entry contributes to a commit or rollback.
	CommitStoreOps   int
	RollbackStoreOps int

	index  int // Position within the soft-log, or -1.
	pooled bool
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry{%s %s}", e.Kind, e.Phases)
}

// storeOps is the accounting cost of the Entry.
func (e *Entry) storeOps() int {
	if e.CommitStoreOps > e.RollbackStoreOps {
		return e.CommitStoreOps
	}
	return e.RollbackStoreOps
}

// softLog is the ordered sequence of a transaction's entries. Removed entries
// leave a tombstone, so that positions (and replay offsets) never shift.
type softLog struct {
	entries []*Entry
	live    int
}

func (l *softLog) append(e *Entry) {
	e.index = len(l.entries)
	l.entries = append(l.entries, e)
	l.live++
}

func (l *softLog) remove(e *Entry) bool {
	if e.index < 0 || e.index >= len(l.entries) || l.entries[e.index] != e {
		return false
	}
	l.entries[e.index] = nil
	e.index = -1
	l.live--
	return true
}

// at returns the entry at the |n|th visited position, in forward or reverse order.
func (l *softLog) at(n int, reverse bool) *Entry {
	if reverse {
		return l.entries[len(l.entries)-1-n]
	}
	return l.entries[n]
}

// wants is true if a live entry participates in |phase|.
func (l *softLog) wants(phase Phase) bool {
	for _, e := range l.entries {
		if e != nil && e.Phases&phase != 0 {
			return true
		}
	}
	return false
}

// snapshot returns the live entries of the log, in append order.
func (l *softLog) snapshot() []*Entry {
	var out = make([]*Entry, 0, l.live)
	for _, e := range l.entries {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (l *softLog) reset() {
	for _, e := range l.entries {
		if e != nil {
			e.index = -1
		}
	}
	l.entries, l.live = nil, 0
}

// pool is the bounded memory budget of a transaction. The reserve may only be
// drawn upon once the transaction's completion has started, so that replay
// phases which must not fail can always allocate.
type pool struct {
	budget  int
	reserve int
	used    int
}

// entryOverhead is the charge of a pool-allocated Entry, beyond its payload.
const entryOverhead = 96

func (p *pool) alloc(n int, completing bool) error {
	var limit = p.budget
	if completing {
		limit += p.reserve
	}
	if p.used+n > limit {
		return errors.WithMessagef(ErrAllocation, "need %d bytes, %d of %d used", n, p.used, limit)
	}
	p.used += n
	return nil
}

func (p *pool) destroy() { p.used = 0 }
