package sqlstore

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/store"
)

// mutation is a buffered operation of a stream, applied within the SQL
// transaction of its commit.
type mutation func(tx *sql.Tx) error

// commit is a queued Stream commit.
type commit struct {
	muts   []mutation
	result *store.AsyncOperation
}

// serveCommits applies queued commits in order until the Store is closed.
func (s *Store) serveCommits() {
	defer s.wg.Done()

	for c := range s.commits {
		var started = time.Now()
		var err = s.apply(c.muts)
		metrics.StoreCommitSeconds.Observe(time.Since(started).Seconds())

		if err != nil {
			metrics.StoreCommitsTotal.WithLabelValues(metrics.Fail).Inc()
			log.WithFields(log.Fields{"err": err, "ops": len(c.muts)}).Warn("store commit failed")
		} else {
			metrics.StoreCommitsTotal.WithLabelValues(metrics.Ok).Inc()
		}
		c.result.Resolve(err)
	}
}

func (s *Store) apply(muts []mutation) error {
	var tx, err = s.db.Begin()
	if err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	for _, m := range muts {
		if err = m(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return errors.WithMessage(tx.Commit(), "committing transaction")
}

// stream is a store.Stream of a Store. Record and reference handles of one
// commit of the stream share the generation of its first allocation.
type stream struct {
	s      *Store
	muts   []mutation
	gen    store.GenerationID // Pinned generation, or zero.
	closed bool
}

func (st *stream) check() error {
	if st.closed {
		return store.ErrStoreClosed
	}
	return nil
}

func (st *stream) push(m mutation) { st.muts = append(st.muts, m) }

func (st *stream) allocate(record bool) (store.Handle, error) {
	var s = st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return store.NullHandle, err
	}
	var h, err = s.allocate(st.gen, record)
	if err == nil {
		st.gen = h.Generation()
	}
	return h, err
}

func (st *stream) CreateRecord(rec store.Record) (store.Handle, error) {
	if err := st.check(); err != nil {
		return store.NullHandle, err
	} else if rec.Type == store.TypeNone {
		return store.NullHandle, errors.New("sqlstore: record type is none")
	}
	var frags, err = encodeFrags(rec.Frags, st.s.codec)
	if err != nil {
		return store.NullHandle, errors.WithMessage(err, "encoding record")
	}
	h, err := st.allocate(true)
	if err != nil {
		return store.NullHandle, err
	}

	st.push(func(tx *sql.Tx) error {
		var _, err = tx.Exec(`
			INSERT INTO records (handle, gen, type, attribute, state, frags)
			VALUES (?, ?, ?, ?, ?, ?)`,
			int64(h), int64(h.Generation()), int64(rec.Type), int64(rec.Attribute), int64(rec.State), frags)
		return errors.WithMessagef(err, "creating record %s", h)
	})
	return h, nil
}

func (st *stream) UpdateRecord(h store.Handle, attribute, state uint64, flags store.UpdateFlags) error {
	if err := st.check(); err != nil {
		return err
	}
	st.push(func(tx *sql.Tx) error {
		var err error
		if flags&store.UpdateAttribute != 0 {
			_, err = tx.Exec(`UPDATE records SET attribute = ? WHERE handle = ?`, int64(attribute), int64(h))
		}
		if err == nil && flags&store.UpdateState != 0 {
			_, err = tx.Exec(`UPDATE records SET state = ? WHERE handle = ?`, int64(state), int64(h))
		}
		return errors.WithMessagef(err, "updating record %s", h)
	})
	return nil
}

func (st *stream) DeleteRecord(h store.Handle) error {
	if err := st.check(); err != nil {
		return err
	}
	st.push(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM refs WHERE owner = ?`,
			`DELETE FROM states WHERE owner = ?`,
			`DELETE FROM records WHERE handle = ?`,
		} {
			if _, err := tx.Exec(q, int64(h)); err != nil {
				return errors.WithMessagef(err, "deleting record %s", h)
			}
		}
		return nil
	})
	return nil
}

func (st *stream) CreateReference(rc store.RefContext, ref store.Reference, _ uint64) (store.Handle, error) {
	if err := st.check(); err != nil {
		return store.NullHandle, err
	}
	var h, err = st.allocate(false)
	if err != nil {
		return store.NullHandle, err
	}
	var owner = rc.Owner()

	st.push(func(tx *sql.Tx) error {
		var _, err = tx.Exec(`
			INSERT INTO refs (handle, owner, gen, child, value, order_id, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			int64(h), int64(owner), int64(h.Generation()), int64(ref.Child),
			int64(ref.Value), int64(ref.OrderID), int64(ref.State))
		return errors.WithMessagef(err, "creating reference %s of %s", h, owner)
	})
	return h, nil
}

func (st *stream) DeleteReference(rc store.RefContext, refHandle store.Handle, _ uint64) error {
	if err := st.check(); err != nil {
		return err
	}
	var owner = rc.Owner()

	st.push(func(tx *sql.Tx) error {
		var _, err = tx.Exec(`DELETE FROM refs WHERE handle = ? AND owner = ?`, int64(refHandle), int64(owner))
		return errors.WithMessagef(err, "deleting reference %s of %s", refHandle, owner)
	})
	return nil
}

func (st *stream) UpdateReference(rc store.RefContext, refHandle store.Handle, _ uint64, state uint8) error {
	if err := st.check(); err != nil {
		return err
	}
	var owner = rc.Owner()

	st.push(func(tx *sql.Tx) error {
		var _, err = tx.Exec(`UPDATE refs SET state = ? WHERE handle = ? AND owner = ?`,
			int64(state), int64(refHandle), int64(owner))
		return errors.WithMessagef(err, "updating reference %s of %s", refHandle, owner)
	})
	return nil
}

func (st *stream) CreateState(owner store.Handle, obj store.StateObject) (store.Handle, error) {
	if err := st.check(); err != nil {
		return store.NullHandle, err
	}
	var s = st.s
	s.mu.Lock()
	s.nextState++
	var h = store.MakeHandle(0, s.nextState)
	s.mu.Unlock()

	st.push(func(tx *sql.Tx) error {
		var _, err = tx.Exec(`INSERT INTO states (handle, owner, value, data) VALUES (?, ?, ?, ?)`,
			int64(h), int64(owner), int64(obj.Value), int64(obj.Data))
		return errors.WithMessagef(err, "creating state %s of %s", h, owner)
	})
	return h, nil
}

func (st *stream) DeleteState(h store.Handle) error {
	if err := st.check(); err != nil {
		return err
	}
	st.push(func(tx *sql.Tx) error {
		var _, err = tx.Exec(`DELETE FROM states WHERE handle = ?`, int64(h))
		return errors.WithMessagef(err, "deleting state %s", h)
	})
	return nil
}

func (st *stream) Reserve(ops int) error {
	if err := st.check(); err != nil {
		return err
	} else if n := st.s.cfg.ReservableOps; ops+len(st.muts) > n {
		return errors.WithMessagef(store.ErrBufferTooSmall,
			"reserving %d ops (%d pending, %d reservable)", ops, len(st.muts), n)
	}
	return nil
}

func (st *stream) Pending() int { return len(st.muts) }

// Commit queues pending mutations to the Store's committer. The returned
// OpFuture resolves once they've been applied.
func (st *stream) Commit() store.OpFuture {
	if err := st.check(); err != nil {
		return store.FinishedOperation(err)
	}
	var c = &commit{muts: st.muts, result: store.NewAsyncOperation()}
	st.muts, st.gen = nil, 0

	var s = st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return store.FinishedOperation(err)
	} else if len(c.muts) == 0 {
		return store.FinishedOperation(nil)
	}
	s.commits <- c
	return c.result
}

func (st *stream) Rollback() error {
	if err := st.check(); err != nil {
		return err
	}
	st.muts, st.gen = nil, 0
	return nil
}

func (st *stream) Close() error {
	st.muts, st.gen = nil, 0
	st.closed = true
	return nil
}
