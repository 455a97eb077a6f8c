package txn

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/jobqueue"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
)

// Prepare the global Transaction: its record is updated to PREPARED, and it's
// detached from its session and client. A rollback-only Transaction is
// instead rolled back, and Prepare returns ErrRolledBack.
func (m *Manager) Prepare(t *Transaction, done func(error)) error {
	return await(func(done func(error)) error { return m.prepare(t, done) }, done)
}

func (m *Manager) prepare(t *Transaction, done func(error)) error {
	if err := m.check(t); err != nil {
		return err
	} else if !t.Global() {
		return errors.WithMessagef(ErrInvalidOperation, "cannot prepare local %s", t)
	} else if t.completing() {
		return errors.WithMessagef(ErrInUse, "%s is completing", t)
	} else if state := t.State(); state != records.TxnInFlight {
		return errors.WithMessagef(ErrInvalidOperation, "cannot prepare %s in state %s", t, state)
	}
	if t.RollbackOnly() {
		return m.start(t, completeRollback, ErrRolledBack, jobqueue.NoThread, done)
	}

	var finish = func(err error) error {
		if err != nil {
			metrics.TxnCompletedTotal.WithLabelValues(metrics.Global, metrics.Fail).Inc()
			return errors.WithMessagef(err, "preparing %s", t)
		}
		t.mu.Lock()
		t.state = records.TxnPrepared
		t.session, t.suspended, t.client = nil, false, ""
		t.mu.Unlock()

		metrics.TxnCompletedTotal.WithLabelValues(metrics.Global, metrics.Prepare).Inc()
		return nil
	}
	if t.handle == store.NullHandle {
		return finish(nil)
	}

	var st, err = m.store.OpenStream()
	if err != nil {
		return finish(err)
	}
	var packed = records.PackState(records.Timestamp(m.cfg.Now()), uint32(records.TxnPrepared))
	if err = st.UpdateRecord(t.handle, 0, packed, store.UpdateState); err != nil {
		_ = st.Close()
		return finish(err)
	}
	var op = st.Commit()

	if store.IsResolved(op) {
		_ = st.Close()
		return finish(op.Err())
	}
	store.OnResolved(op, func(err error) {
		_ = st.Close()
		done(finish(err))
	})
	return ErrAsyncPending
}

// Heuristic is the outcome of a heuristic completion.
type Heuristic int

const (
	HeuristicCommit Heuristic = iota
	HeuristicRollback
)

// Complete heuristically commits or rolls back a PREPARED global Transaction.
// The Transaction retains its (recreated) store record and last reference
// until it's forgotten.
func (m *Manager) Complete(t *Transaction, outcome Heuristic, done func(error)) error {
	return await(func(done func(error)) error {
		if err := m.check(t); err != nil {
			return err
		} else if state := t.State(); !t.Global() || state != records.TxnPrepared {
			return errors.WithMessagef(ErrInvalidOperation, "cannot heuristically complete %s in state %s", t, state)
		}
		var kind = completeHeuristicCommit
		if outcome == HeuristicRollback {
			kind = completeHeuristicRollback
		}
		log.WithFields(log.Fields{
			"txn":      t.String(),
			"rollback": kind.rollback(),
		}).Info("heuristically completing transaction")

		return m.start(t, kind, nil, jobqueue.NoThread, done)
	}, done)
}

// Forget a heuristically completed global Transaction, deleting its store
// record and releasing its last reference.
func (m *Manager) Forget(xid records.XID) error {
	m.mu.RLock()
	var t, ok = m.global[xid.String()]
	m.mu.RUnlock()

	if !ok {
		return errors.WithMessagef(ErrNotFound, "forgetting %s", xid)
	} else if state := t.State(); state != records.TxnHeuristicCommit && state != records.TxnHeuristicRollback {
		return errors.WithMessagef(ErrInvalidOperation, "cannot forget %s in state %s", t, state)
	}

	if h := t.Handle(); h != store.NullHandle {
		var st, err = m.store.OpenStream()
		if err != nil {
			return errors.WithMessagef(err, "forgetting %s", t)
		}
		defer st.Close()

		if err = st.DeleteRecord(h); err == nil {
			err = st.Commit().Err()
		}
		if err != nil {
			return errors.WithMessagef(err, "forgetting %s", t)
		}
	}
	t.mu.Lock()
	t.state = records.TxnNone
	t.mu.Unlock()

	m.Release(t)
	return nil
}

// EndOptions of an association end.
type EndOptions struct {
	// Suspend the association, such that the session may later resume it.
	Suspend bool
	// Fail the association, marking the Transaction rollback-only.
	Fail bool
}

// EndAssociation ends the association of |sess| with the global Transaction.
func (m *Manager) EndAssociation(t *Transaction, sess *Session, opts EndOptions) error {
	if err := m.check(t); err != nil {
		return err
	} else if !t.Global() {
		return errors.WithMessagef(ErrInvalidOperation, "cannot end association with local %s", t)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != sess {
		return errors.WithMessagef(ErrInUse, "%s is not associated with the session", t)
	}
	if opts.Fail {
		t.rollbackOnly.Store(true)
		t.session, t.suspended = nil, false
	} else if opts.Suspend {
		t.suspended = true
	} else {
		t.session, t.suspended = nil, false
	}
	return nil
}

// BindClient binds an unassociated global Transaction to |client|, which
// owns it until it's resolved. An empty |client| unbinds the Transaction.
func (m *Manager) BindClient(t *Transaction, client string) error {
	if err := m.check(t); err != nil {
		return err
	} else if !t.Global() {
		return errors.WithMessagef(ErrInvalidOperation, "cannot bind local %s to a client", t)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return errors.WithMessagef(ErrInUse, "%s is associated with session %q", t, t.session.ID)
	} else if client != "" && t.client != "" && t.client != client {
		return errors.WithMessagef(ErrInUse, "%s is bound to client %q", t, t.client)
	}
	t.client = client
	return nil
}

// RecoverFlags direct an XA recovery scan.
type RecoverFlags struct {
	// Start a new scan.
	Start bool
	// End the scan after this call.
	End bool
}

// recoverChunk is the growth increment of a recovery scan buffer.
const recoverChunk = 32

type recoverScan struct {
	xids []records.XID
	pos  int
}

// XARecover returns up to |max| XIDs of in-doubt (prepared or heuristically
// completed) global transactions. The in-doubt set is snapshot when a scan
// starts, and is consumed across repeated calls of the session.
func (m *Manager) XARecover(sess *Session, flags RecoverFlags, max int) ([]records.XID, error) {
	if max <= 0 {
		return nil, errors.WithMessagef(ErrInvalidOperation, "invalid recover count %d", max)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if flags.Start {
		sess.scan = m.snapshotInDoubt()
	} else if sess.scan == nil {
		return nil, errors.WithMessage(ErrInvalidOperation, "no recovery scan is in progress")
	}
	var scan = sess.scan

	var n = len(scan.xids) - scan.pos
	if n > max {
		n = max
	}
	var out = append([]records.XID(nil), scan.xids[scan.pos:scan.pos+n]...)
	scan.pos += n

	if flags.End {
		sess.scan = nil
	}
	return out, nil
}

func (m *Manager) snapshotInDoubt() *recoverScan {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys = make([]string, 0, len(m.global))
	for k := range m.global {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var scan = &recoverScan{xids: make([]records.XID, 0, recoverChunk)}
	for _, k := range keys {
		var t = m.global[k]
		if !t.State().InDoubt() {
			continue
		}
		if len(scan.xids) == cap(scan.xids) {
			var grown = make([]records.XID, len(scan.xids), cap(scan.xids)+recoverChunk)
			copy(grown, scan.xids)
			scan.xids = grown
		}
		scan.xids = append(scan.xids, *t.xid)
	}
	return scan
}
