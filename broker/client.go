package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// ClientState is the durable state of a messaging client: its properties,
// the Queue of messages being delivered to it, and its unreleased message ids.
type ClientState struct {
	b *Broker

	Handle      store.Handle
	PropsHandle store.Handle
	State       records.ClientState
	Props       records.ClientProperties
	Deliveries  *Queue

	mu         sync.Mutex
	unreleased map[uint32]*Unreleased
}

func (c *ClientState) String() string { return fmt.Sprintf("client %q", c.State.ClientID) }

// Durable is true if the client's state survives restarts.
func (c *ClientState) Durable() bool { return c.Props.Flags&records.ClientDurable != 0 }

// Unreleased returns the sorted, committed unreleased message ids.
func (c *ClientState) Unreleased() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint32
	for id, u := range c.unreleased {
		if u.Txn == nil || u.Removing {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddUnreleased adds message |id| to the client's unreleased ids within
// Transaction |t|.
func (c *ClientState) AddUnreleased(t *txn.Transaction, id uint32) error {
	c.mu.Lock()
	if _, ok := c.unreleased[id]; ok {
		c.mu.Unlock()
		return errors.WithMessagef(ErrExists, "unreleased id %d of %s", id, c)
	}
	var u = &Unreleased{ID: id, Txn: t}
	c.unreleased[id] = u
	c.mu.Unlock()

	var err = c.addUnreleased(t, u)
	if err != nil {
		c.mu.Lock()
		delete(c.unreleased, id)
		c.mu.Unlock()
	}
	return err
}

func (c *ClientState) addUnreleased(t *txn.Transaction, u *Unreleased) error {
	var e, err = t.NewEntry(EntryAddUnreleased,
		txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseRollback|txn.PhaseMemoryRollback|txn.PhaseSavepointRollback,
		addUnreleasedOp{c, u}, 0)
	if err != nil {
		return err
	}
	e.CommitStoreOps, e.RollbackStoreOps = 1, 1

	if !deferred(t) {
		if err = t.HoldPreResolve(); err != nil {
			return err
		}
		defer t.ReleasePreResolve()
	}
	if err = t.Append(e); err != nil {
		return err
	} else if deferred(t) {
		return nil
	}
	if err = c.b.write(nil, func(st store.Stream) error { return c.createState(st, t, u) }); err != nil {
		t.RemoveEntry(e)
		t.MarkRollbackOnly()
		return errors.WithMessagef(err, "adding unreleased id %d of %s", u.ID, c)
	}
	return nil
}

func (c *ClientState) createState(st store.Stream, t *txn.Transaction, u *Unreleased) error {
	var h, err = st.CreateState(c.Handle, store.StateObject{Value: u.ID})
	if err != nil {
		return errors.WithMessage(err, "creating state object")
	}
	u.Handle = h
	u.tor, err = t.AddOperationReference(st, records.TORAddUnreleasedState, h)
	return err
}

type addUnreleasedOp struct {
	c *ClientState
	u *Unreleased
}

func (op addUnreleasedOp) Replay(r *txn.Replay) error {
	switch r.Phase {
	case txn.PhaseCommit:
		if deferred(r.Txn) {
			return op.c.createState(r.Stream, r.Txn, op.u)
		}
	case txn.PhaseMemoryCommit:
		op.c.mu.Lock()
		op.u.Txn = nil
		op.c.mu.Unlock()
	case txn.PhaseRollback:
		if op.u.Handle != store.NullHandle {
			return r.Stream.DeleteState(op.u.Handle)
		}
	case txn.PhaseSavepointRollback:
		if op.u.Handle != store.NullHandle {
			var err = op.c.b.write(nil, func(st store.Stream) error {
				if err := st.DeleteState(op.u.Handle); err != nil {
					return err
				}
				return r.Txn.RemoveOperationReference(st, op.u.tor)
			})
			if err != nil {
				return err
			}
		}
		fallthrough
	case txn.PhaseMemoryRollback:
		op.c.mu.Lock()
		delete(op.c.unreleased, op.u.ID)
		op.c.mu.Unlock()
	}
	return nil
}

// RemoveUnreleased removes message |id| from the client's unreleased ids
// within Transaction |t|.
func (c *ClientState) RemoveUnreleased(t *txn.Transaction, id uint32) error {
	c.mu.Lock()
	var u, ok = c.unreleased[id]
	if !ok || u.Txn != nil {
		c.mu.Unlock()
		return errors.WithMessagef(ErrNotFound, "unreleased id %d of %s", id, c)
	}
	u.Txn, u.Removing = t, true
	c.mu.Unlock()

	var err = c.removeUnreleased(t, u)
	if err != nil {
		c.mu.Lock()
		u.Txn, u.Removing = nil, false
		c.mu.Unlock()
	}
	return err
}

func (c *ClientState) removeUnreleased(t *txn.Transaction, u *Unreleased) error {
	var e, err = t.NewEntry(EntryRemoveUnreleased,
		txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseMemoryRollback|txn.PhaseSavepointRollback,
		removeUnreleasedOp{c, u}, 0)
	if err != nil {
		return err
	}
	e.CommitStoreOps = 1

	if !deferred(t) {
		if err = t.HoldPreResolve(); err != nil {
			return err
		}
		defer t.ReleasePreResolve()
	}
	if err = t.Append(e); err != nil {
		return err
	} else if deferred(t) || t.Handle() == store.NullHandle {
		return nil
	}

	err = c.b.write(nil, func(st store.Stream) (err error) {
		u.tor, err = t.AddOperationReference(st, records.TORRemoveUnreleasedState, u.Handle)
		return err
	})
	if err != nil {
		t.RemoveEntry(e)
		t.MarkRollbackOnly()
		return errors.WithMessagef(err, "removing unreleased id %d of %s", u.ID, c)
	}
	return nil
}

type removeUnreleasedOp struct {
	c *ClientState
	u *Unreleased
}

func (op removeUnreleasedOp) Replay(r *txn.Replay) error {
	switch r.Phase {
	case txn.PhaseCommit:
		return r.Stream.DeleteState(op.u.Handle)
	case txn.PhaseMemoryCommit:
		op.c.mu.Lock()
		delete(op.c.unreleased, op.u.ID)
		op.c.mu.Unlock()
	case txn.PhaseSavepointRollback:
		if op.u.tor != store.NullHandle {
			var err = op.c.b.write(nil, func(st store.Stream) error {
				return r.Txn.RemoveOperationReference(st, op.u.tor)
			})
			if err != nil {
				return err
			}
			op.u.tor = store.NullHandle
		}
		fallthrough
	case txn.PhaseMemoryRollback:
		op.c.mu.Lock()
		op.u.Txn, op.u.Removing = nil, false
		op.c.mu.Unlock()
	}
	return nil
}

// rehydrateState restores unreleased id state object |h|, joining it to
// the recovered Transaction |t| as operation |kind| if |t| is non-nil.
func (c *ClientState) rehydrateState(h store.Handle, obj store.StateObject, t *txn.Transaction, kind records.TOR) error {
	var u = &Unreleased{ID: obj.Value, Handle: h}

	c.mu.Lock()
	if _, ok := c.unreleased[u.ID]; ok {
		c.mu.Unlock()
		return errors.WithMessagef(ErrExists, "unreleased id %d of %s", u.ID, c)
	}
	c.unreleased[u.ID] = u
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	var e *txn.Entry
	var err error

	switch kind {
	case records.TORAddUnreleasedState:
		e, err = t.NewEntry(EntryAddUnreleased,
			txn.PhaseMemoryCommit|txn.PhaseRollback|txn.PhaseMemoryRollback, addUnreleasedOp{c, u}, 0)
		u.Txn = t
	case records.TORRemoveUnreleasedState:
		e, err = t.NewEntry(EntryRemoveUnreleased,
			txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseMemoryRollback, removeUnreleasedOp{c, u}, 0)
		u.Txn, u.Removing = t, true
	default:
		return errors.WithMessagef(ErrUnexpectedMember, "%s of state object %s", kind, h)
	}
	if err != nil {
		return err
	}
	e.CommitStoreOps, e.RollbackStoreOps = 1, 1
	return t.Append(e)
}
