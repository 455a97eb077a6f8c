package txn

import (
	"github.com/pkg/errors"
)

// SavepointAction is the action taken upon ending a savepoint.
type SavepointAction int

const (
	// SavepointNone discards the savepoint marker.
	SavepointNone SavepointAction = iota
	// SavepointRollback rolls back entries appended after the savepoint.
	SavepointRollback
)

// Savepoint marks the current end of the soft-log. Only one savepoint may be
// active at a time.
func (t *Transaction) Savepoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completing() {
		return errors.WithMessagef(ErrInvalidOperation, "%s is completing", t)
	} else if t.savepoint >= 0 {
		return ErrSavepointActive
	}
	t.savepoint = len(t.log.entries)
	return nil
}

// EndSavepoint ends the active savepoint of the Transaction. With
// SavepointRollback, every entry appended after the savepoint which
// registered PhaseSavepointRollback is replayed in reverse append order and
// then removed. An entry's savepoint replay must undo its store and memory
// effects, as the entry takes no further part in the Transaction. Entries
// which didn't register PhaseSavepointRollback are retained, and complete
// with the Transaction. Store operation accounting of removed entries is
// retained.
func (m *Manager) EndSavepoint(t *Transaction, action SavepointAction, done func(error)) error {
	return await(func(done func(error)) error { return m.endSavepoint(t, action, done) }, done)
}

func (m *Manager) endSavepoint(t *Transaction, action SavepointAction, done func(error)) error {
	if err := m.check(t); err != nil {
		return err
	}
	t.mu.Lock()
	var mark = t.savepoint
	if mark < 0 {
		t.mu.Unlock()
		return ErrNoSavepoint
	} else if t.completing() {
		t.mu.Unlock()
		return errors.WithMessagef(ErrInvalidOperation, "%s is completing", t)
	}
	t.savepoint = -1

	if action == SavepointNone {
		t.mu.Unlock()
		return nil
	}
	var later []*Entry
	for i := len(t.log.entries) - 1; i >= mark; i-- {
		if e := t.log.entries[i]; e != nil {
			later = append(later, e)
		}
	}
	t.mu.Unlock()

	var sr = &savepointReplay{t: t, entries: later, done: done}
	return sr.run()
}

// savepointReplay is the resumable state of a rollback to savepoint.
type savepointReplay struct {
	t       *Transaction
	entries []*Entry // Reverse append order.
	next    int
	done    func(error)
}

func (sr *savepointReplay) run() error {
	for sr.next != len(sr.entries) {
		var e = sr.entries[sr.next]
		sr.next++

		if e.Phases&PhaseSavepointRollback == 0 {
			continue
		}
		var r = &Replay{Txn: sr.t, Phase: PhaseSavepointRollback, Entry: e}

		if aop, ok := e.Op.(AsyncOperation); ok {
			var err = aop.ReplayAsync(r, func(err error) {
				if err == nil {
					err = sr.run()
				}
				if err != ErrAsyncPending {
					sr.done(err)
				}
			})
			if err != nil {
				return err // Including ErrAsyncPending.
			}
		} else if err := e.Op.Replay(r); err != nil {
			return errors.WithMessagef(err, "rolling back %s to savepoint", e)
		}
	}

	sr.t.mu.Lock()
	for _, e := range sr.entries {
		if e.Phases&PhaseSavepointRollback != 0 {
			sr.t.log.remove(e)
		}
	}
	sr.t.mu.Unlock()
	return nil
}
