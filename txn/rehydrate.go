package txn

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
)

// Rehydrate a Transaction from its store record |h| during recovery.
// Recovery subsequently appends soft-log entries for the records which
// participate in the Transaction, and then calls CompleteRehydration.
func (m *Manager) Rehydrate(h store.Handle, rec *records.Transaction) (*Transaction, error) {
	if rec.State == records.TxnNone {
		return nil, errors.WithMessagef(ErrInvalidOperation, "transaction record %s has state %s", h, rec.State)
	}
	var flags = FlagPersistent | FlagRehydrated
	if rec.Global() {
		flags |= FlagGlobal | FlagInGlobalTable
	}
	var rc, err = m.store.OpenReferenceContext(h)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening reference context of transaction %s", h)
	}

	var t = newTransaction(m, flags)
	t.handle, t.refCtx = h, rc
	t.state, t.timestamp = rec.State, rec.Timestamp

	m.mu.Lock()
	if rec.XID != nil {
		var xid = *rec.XID
		t.xid, t.key = &xid, xid.String()

		if _, ok := m.global[t.key]; ok {
			m.mu.Unlock()
			t.flags &^= FlagInGlobalTable
			m.Release(t)
			return nil, errors.WithMessagef(ErrAlreadyExists, "rehydrating %s from %s", xid, h)
		}
		m.global[t.key] = t
	}
	m.rehydrated = append(m.rehydrated, t)
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"txn":    t.String(),
		"handle": h,
		"state":  rec.State,
	}).Debug("rehydrated transaction")
	return t, nil
}

// RehydrationStats are the outcomes of CompleteRehydration.
type RehydrationStats struct {
	Committed  int `yaml:"committed"`
	RolledBack int `yaml:"rolled_back"`
	Retained   int `yaml:"retained"`
}

// CompleteRehydration completes each rehydrated Transaction according to its
// recovered state. In-flight and rollback-only transactions are rolled back,
// and commit-only transactions are committed. Prepared and heuristically
// completed transactions are retained, awaiting resolution.
func (m *Manager) CompleteRehydration() (RehydrationStats, error) {
	m.mu.Lock()
	var txns = m.rehydrated
	m.rehydrated = nil
	m.mu.Unlock()

	var stats RehydrationStats
	var firstErr error

	for _, t := range txns {
		var err error

		switch state := t.State(); state {
		case records.TxnInFlight, records.TxnRollbackOnly:
			err = m.Rollback(t, RollbackOptions{}, nil)
			stats.RolledBack++
		case records.TxnCommitOnly:
			err = m.Commit(t, CommitOptions{}, nil)
			stats.Committed++
		default:
			t.mu.Lock()
			t.flags &^= FlagRehydrated
			t.mu.Unlock()
			stats.Retained++

			log.WithFields(log.Fields{"txn": t.String(), "state": state}).Info("retaining in-doubt transaction")
		}
		if err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "completing rehydrated %s", t)
		}
	}
	return stats, firstErr
}
