package memstore

import (
	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/store"
)

// op is a buffered mutation of a stream.
type op interface {
	apply(*Store)
}

type createRecordOp struct {
	h   store.Handle
	rec store.Record
}

func (o createRecordOp) apply(s *Store) { s.records[o.h] = &recordEntry{rec: o.rec} }

type updateRecordOp struct {
	h                store.Handle
	attribute, state uint64
	flags            store.UpdateFlags
}

func (o updateRecordOp) apply(s *Store) {
	var e, ok = s.records[o.h]
	if !ok {
		return
	}
	if o.flags&store.UpdateAttribute != 0 {
		e.rec.Attribute = o.attribute
	}
	if o.flags&store.UpdateState != 0 {
		e.rec.State = o.state
	}
}

type deleteRecordOp struct{ h store.Handle }

func (o deleteRecordOp) apply(s *Store) { s.deleteRecord(o.h) }

type createRefOp struct {
	h     store.Handle
	owner store.Handle
	ref   store.Reference
}

func (o createRefOp) apply(s *Store) {
	s.refs[o.h] = &refEntry{owner: o.owner, ref: o.ref}
	var m, ok = s.ownerRefs[o.owner]
	if !ok {
		m = make(map[store.Handle]struct{})
		s.ownerRefs[o.owner] = m
	}
	m[o.h] = struct{}{}
}

type deleteRefOp struct {
	h     store.Handle
	owner store.Handle
}

func (o deleteRefOp) apply(s *Store) {
	delete(s.refs, o.h)
	delete(s.ownerRefs[o.owner], o.h)
}

type updateRefOp struct {
	h     store.Handle
	state uint8
}

func (o updateRefOp) apply(s *Store) {
	if e, ok := s.refs[o.h]; ok {
		e.ref.State = o.state
	}
}

type createStateOp struct {
	h     store.Handle
	owner store.Handle
	obj   store.StateObject
}

func (o createStateOp) apply(s *Store) {
	s.states[o.h] = &stateEntry{owner: o.owner, obj: o.obj}
	var m, ok = s.ownerStates[o.owner]
	if !ok {
		m = make(map[store.Handle]struct{})
		s.ownerStates[o.owner] = m
	}
	m[o.h] = struct{}{}
}

type deleteStateOp struct{ h store.Handle }

func (o deleteStateOp) apply(s *Store) {
	if e, ok := s.states[o.h]; ok {
		delete(s.ownerStates[e.owner], o.h)
		delete(s.states, o.h)
	}
}

// stream is a store.Stream of a Store. Handles allocated by a stream
// between its commits share one generation, which is the current generation
// as of the stream's first allocation.
type stream struct {
	s      *Store
	ops    []op
	gen    store.GenerationID // Pinned generation, or zero.
	closed bool
}

// pin must be called with |mu| held. It returns the stream's generation,
// pinning the current generation if the stream has none. A new generation
// is started first if the current one is full.
func (st *stream) pin() store.GenerationID {
	var s = st.s
	if st.gen == 0 {
		if n := s.opts.RecordsPerGeneration; n != 0 && s.created >= n {
			s.startGeneration()
		}
		st.gen = s.current
	}
	return st.gen
}

func (st *stream) check() error {
	if st.closed {
		return store.ErrStoreClosed
	}
	return nil
}

func (st *stream) CreateRecord(rec store.Record) (store.Handle, error) {
	if err := st.check(); err != nil {
		return 0, err
	} else if rec.Type == store.TypeNone {
		return 0, errors.New("memstore: record type is none")
	}
	if fn := st.s.opts.FailCreate; fn != nil {
		if err := fn(rec); err != nil {
			return 0, err
		}
	}

	var s = st.s
	s.mu.Lock()
	var gen = st.pin()
	if gen == s.current {
		s.created++
	}
	var h = s.allocate(gen)
	s.mu.Unlock()

	st.ops = append(st.ops, createRecordOp{h: h, rec: copyRecord(rec)})
	return h, nil
}

func (st *stream) UpdateRecord(h store.Handle, attribute, state uint64, flags store.UpdateFlags) error {
	if err := st.check(); err != nil {
		return err
	}
	st.ops = append(st.ops, updateRecordOp{h: h, attribute: attribute, state: state, flags: flags})
	return nil
}

func (st *stream) DeleteRecord(h store.Handle) error {
	if err := st.check(); err != nil {
		return err
	}
	st.ops = append(st.ops, deleteRecordOp{h: h})
	return nil
}

func (st *stream) CreateReference(rc store.RefContext, ref store.Reference, _ uint64) (store.Handle, error) {
	if err := st.check(); err != nil {
		return 0, err
	}
	var s = st.s
	s.mu.Lock()
	var h = s.allocate(st.pin())
	s.mu.Unlock()

	st.ops = append(st.ops, createRefOp{h: h, owner: rc.Owner(), ref: ref})
	return h, nil
}

func (st *stream) DeleteReference(rc store.RefContext, refHandle store.Handle, _ uint64) error {
	if err := st.check(); err != nil {
		return err
	}
	st.ops = append(st.ops, deleteRefOp{h: refHandle, owner: rc.Owner()})
	return nil
}

func (st *stream) UpdateReference(_ store.RefContext, refHandle store.Handle, _ uint64, state uint8) error {
	if err := st.check(); err != nil {
		return err
	}
	st.ops = append(st.ops, updateRefOp{h: refHandle, state: state})
	return nil
}

func (st *stream) CreateState(owner store.Handle, obj store.StateObject) (store.Handle, error) {
	if err := st.check(); err != nil {
		return 0, err
	}
	var s = st.s
	s.mu.Lock()
	var h = s.allocate(0)
	s.mu.Unlock()

	st.ops = append(st.ops, createStateOp{h: h, owner: owner, obj: obj})
	return h, nil
}

func (st *stream) DeleteState(h store.Handle) error {
	if err := st.check(); err != nil {
		return err
	}
	st.ops = append(st.ops, deleteStateOp{h: h})
	return nil
}

func (st *stream) Reserve(ops int) error {
	if err := st.check(); err != nil {
		return err
	} else if ops+len(st.ops) > st.s.opts.ReservableOps {
		return errors.WithMessagef(store.ErrBufferTooSmall,
			"reserving %d ops (%d pending, %d reservable)", ops, len(st.ops), st.s.opts.ReservableOps)
	}
	return nil
}

func (st *stream) Pending() int { return len(st.ops) }

func (st *stream) Commit() store.OpFuture {
	if err := st.check(); err != nil {
		return store.FinishedOperation(err)
	}
	var ops = st.ops
	st.ops, st.gen = nil, 0

	var commit = func() error {
		var s = st.s
		s.mu.Lock()
		defer s.mu.Unlock()

		s.commits++
		if fn := s.opts.FailCommit; fn != nil {
			if err := fn(s.commits); err != nil {
				return err
			}
		}
		s.apply(ops)
		return nil
	}

	if !st.s.opts.AsyncCommits {
		return store.FinishedOperation(commit())
	}
	var result = store.NewAsyncOperation()
	go func() { result.Resolve(commit()) }()
	return result
}

func (st *stream) Rollback() error {
	if err := st.check(); err != nil {
		return err
	}
	st.ops, st.gen = nil, 0
	return nil
}

func (st *stream) Close() error {
	st.ops, st.gen = nil, 0
	st.closed = true
	return nil
}

type genIterator struct{ gens []store.GenerationID }

func (it *genIterator) Next() (store.GenerationID, error) {
	if len(it.gens) == 0 {
		return 0, store.ErrNoMoreEntries
	}
	var g = it.gens[0]
	it.gens = it.gens[1:]
	return g, nil
}

type recordIterator struct {
	handles []store.Handle
	recs    []store.Record
}

func (it *recordIterator) Next() (store.Handle, store.Record, error) {
	if len(it.handles) == 0 {
		return 0, store.Record{}, store.ErrNoMoreEntries
	}
	var h, r = it.handles[0], it.recs[0]
	it.handles, it.recs = it.handles[1:], it.recs[1:]
	return h, r, nil
}

type referenceIterator struct {
	handles []store.Handle
	refs    []store.Reference
}

func (it *referenceIterator) Next() (store.Handle, store.Reference, error) {
	if len(it.handles) == 0 {
		return 0, store.Reference{}, store.ErrNoMoreEntries
	}
	var h, r = it.handles[0], it.refs[0]
	it.handles, it.refs = it.handles[1:], it.refs[1:]
	return h, r, nil
}

type stateIterator struct {
	handles []store.Handle
	objs    []store.StateObject
}

func (it *stateIterator) Next() (store.Handle, store.StateObject, error) {
	if len(it.handles) == 0 {
		return 0, store.StateObject{}, store.ErrNoMoreEntries
	}
	var h, o = it.handles[0], it.objs[0]
	it.handles, it.objs = it.handles[1:], it.objs[1:]
	return h, o, nil
}
