// Package memstore is an in-memory implementation of store.Store. It models
// store generations, residency of generations in memory (so that non-blocking
// reads of records in evicted generations return store.ErrWouldBlock), and
// optionally resolves commits asynchronously. It's used by tests and by the
// daemon's memory mode.
package memstore

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/store"
)

// Options of a Store.
type Options struct {
	// RecordsPerGeneration, if non-zero, starts a new generation after this
	// many records have been created in the current one.
	RecordsPerGeneration int
	// MaxResident, if non-zero, bounds the number of older (non-current)
	// generations which are resident in memory at once.
	MaxResident int
	// ReservableOps is the value of ReservableOpsPerTransaction. Default 1024.
	ReservableOps int
	// AsyncCommits resolves Stream commits on a background goroutine.
	AsyncCommits bool
	// FailCommit, if set, is consulted with the ordinal of each commit
	// (starting at 1). A non-nil error fails that commit.
	FailCommit func(n int) error
	// FailCreate, if set, is consulted with each created Record.
	FailCreate func(store.Record) error
}

type recordEntry struct {
	rec store.Record
}

type refEntry struct {
	owner store.Handle
	ref   store.Reference
}

type stateEntry struct {
	owner store.Handle
	obj   store.StateObject
}

// Store is an in-memory store.Store.
type Store struct {
	opts Options

	mu          sync.Mutex
	current     store.GenerationID
	gens        []store.GenerationID
	nextOffset  map[store.GenerationID]uint64
	created     int // Records created in |current|.
	records     map[store.Handle]*recordEntry
	refs        map[store.Handle]*refEntry
	ownerRefs   map[store.Handle]map[store.Handle]struct{}
	states      map[store.Handle]*stateEntry
	ownerStates map[store.Handle]map[store.Handle]struct{}
	resident    *lru.Cache // Resident, non-current generations.
	commits     int
	blocking    int // Blocking generation loads.
	recovered   bool
}

// New returns a new, empty Store having a single generation.
func New(opts Options) *Store {
	if opts.ReservableOps == 0 {
		opts.ReservableOps = 1024
	}
	var s = &Store{
		opts:        opts,
		nextOffset:  make(map[store.GenerationID]uint64),
		records:     make(map[store.Handle]*recordEntry),
		refs:        make(map[store.Handle]*refEntry),
		ownerRefs:   make(map[store.Handle]map[store.Handle]struct{}),
		states:      make(map[store.Handle]*stateEntry),
		ownerStates: make(map[store.Handle]map[store.Handle]struct{}),
	}
	if opts.MaxResident != 0 {
		var err error
		if s.resident, err = lru.New(opts.MaxResident); err != nil {
			panic(err) // Only fails on non-positive size.
		}
	}
	s.startGeneration()
	return s
}

// StartGeneration begins a new current generation, and returns its ID.
func (s *Store) StartGeneration() store.GenerationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startGeneration()
}

func (s *Store) startGeneration() store.GenerationID {
	if s.current != 0 && s.resident != nil {
		s.resident.Add(s.current, nil)
	}
	s.current++
	s.gens = append(s.gens, s.current)
	s.created = 0
	return s.current
}

// Current returns the current generation.
func (s *Store) Current() store.GenerationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Unload evicts |gen| from residency. Non-blocking reads of its records
// will return ErrWouldBlock until a blocking read re-loads it.
func (s *Store) Unload(gen store.GenerationID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resident != nil {
		s.resident.Remove(gen)
	}
}

// Reopen simulates a restart of the store: every generation other than the
// current one is evicted, and the recovery-completed flag is cleared.
func (s *Store) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resident != nil {
		s.resident.Purge()
	}
	s.recovered = false
}

// Commits returns the number of Stream commits which have been applied.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// BlockingLoads returns the number of generations loaded by a blocking read.
func (s *Store) BlockingLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocking
}

// Recovered is true if RecoveryCompleted has been called since New or Reopen.
func (s *Store) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Len returns the number of records in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Exists is true if the record, reference, or state object exists.
func (s *Store) Exists(h store.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[h]; ok {
		return true
	} else if _, ok = s.refs[h]; ok {
		return true
	}
	var _, ok = s.states[h]
	return ok
}

// RecordsOfType returns Handles of all records having |typ|, in Handle order.
func (s *Store) RecordsOfType(typ store.RecordType) []store.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Handle
	for h, e := range s.records {
		if e.rec.Type == typ {
			out = append(out, h)
		}
	}
	sortHandles(out)
	return out
}

// ReferencesOf returns Handles of all references owned by |owner|, in Handle order.
func (s *Store) ReferencesOf(owner store.Handle) []store.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Handle
	for h := range s.ownerRefs[owner] {
		out = append(out, h)
	}
	sortHandles(out)
	return out
}

// isResident must be called with |mu| held.
func (s *Store) isResident(gen store.GenerationID) bool {
	if s.resident == nil || gen == s.current || gen == 0 {
		return true
	}
	return s.resident.Contains(gen)
}

// load must be called with |mu| held. It returns ErrWouldBlock if |gen| isn't
// resident and |allowBlock| is false.
func (s *Store) load(gen store.GenerationID, allowBlock bool) error {
	if s.isResident(gen) {
		if s.resident != nil && gen != s.current && gen != 0 {
			s.resident.Get(gen) // Touch.
		}
		return nil
	} else if !allowBlock {
		return store.ErrWouldBlock
	}
	s.resident.Add(gen, nil)
	s.blocking++
	return nil
}

// ReadRecord implements store.Store.
func (s *Store) ReadRecord(h store.Handle, allowBlock bool) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, ok = s.records[h]
	if !ok {
		return store.Record{}, errors.WithMessagef(store.ErrNotFound, "record %s", h)
	} else if err := s.load(h.Generation(), allowBlock); err != nil {
		return store.Record{}, err
	}
	return copyRecord(e.rec), nil
}

// ReadReferenceInfo implements store.Store.
func (s *Store) ReadReferenceInfo(refHandle store.Handle, allowBlock bool) (store.Handle, store.RecordType, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, ok = s.refs[refHandle]
	if !ok {
		return 0, 0, 0, errors.WithMessagef(store.ErrNotFound, "reference %s", refHandle)
	} else if err := s.load(refHandle.Generation(), allowBlock); err != nil {
		return 0, 0, 0, err
	}
	var ownerType store.RecordType
	if o, ok := s.records[e.owner]; ok {
		ownerType = o.rec.Type
	}
	return e.owner, ownerType, e.ref.OrderID, nil
}

// CompareHandles implements store.Store.
func (s *Store) CompareHandles(a, b store.Handle) int { return store.CompareHandles(a, b) }

// GenerationOf implements store.Store.
func (s *Store) GenerationOf(h store.Handle) store.GenerationID { return h.Generation() }

// Generations implements store.Store.
func (s *Store) Generations() store.GenerationIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gens = append([]store.GenerationID(nil), s.gens...)
	return &genIterator{gens: gens}
}

// Records implements store.Store. Iterating a generation makes it resident.
func (s *Store) Records(typ store.RecordType, gen store.GenerationID) store.RecordIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.load(gen, true)

	var hs []store.Handle
	for h, e := range s.records {
		if h.Generation() == gen && e.rec.Type == typ {
			hs = append(hs, h)
		}
	}
	sortHandles(hs)

	var it = &recordIterator{}
	for _, h := range hs {
		it.handles = append(it.handles, h)
		it.recs = append(it.recs, copyRecord(s.records[h].rec))
	}
	return it
}

// References implements store.Store.
func (s *Store) References(owner store.Handle, gen store.GenerationID) store.ReferenceIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.load(gen, true)

	var hs []store.Handle
	for h := range s.ownerRefs[owner] {
		if h.Generation() == gen {
			hs = append(hs, h)
		}
	}
	sort.Slice(hs, func(i, j int) bool {
		var ri, rj = s.refs[hs[i]].ref, s.refs[hs[j]].ref
		if ri.OrderID != rj.OrderID {
			return ri.OrderID < rj.OrderID
		}
		return store.CompareHandles(hs[i], hs[j]) < 0
	})

	var it = &referenceIterator{}
	for _, h := range hs {
		it.handles = append(it.handles, h)
		it.refs = append(it.refs, s.refs[h].ref)
	}
	return it
}

// StateObjects implements store.Store.
func (s *Store) StateObjects(owner store.Handle) store.StateIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hs []store.Handle
	for h := range s.ownerStates[owner] {
		hs = append(hs, h)
	}
	sortHandles(hs)

	var it = &stateIterator{}
	for _, h := range hs {
		it.handles = append(it.handles, h)
		it.objs = append(it.objs, s.states[h].obj)
	}
	return it
}

// OpenStream implements store.Store.
func (s *Store) OpenStream() (store.Stream, error) {
	return &stream{s: s}, nil
}

// OpenReferenceContext implements store.Store.
func (s *Store) OpenReferenceContext(owner store.Handle) (store.RefContext, error) {
	if owner == store.NullHandle {
		return nil, errors.WithMessage(store.ErrNotFound, "null reference context owner")
	}
	return refContext(owner), nil
}

// CloseReferenceContext implements store.Store.
func (s *Store) CloseReferenceContext(store.RefContext) error { return nil }

// ReservableOpsPerTransaction implements store.Store.
func (s *Store) ReservableOpsPerTransaction() int { return s.opts.ReservableOps }

// RecoveryCompleted implements store.Store.
func (s *Store) RecoveryCompleted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = true
	return nil
}

// allocate must be called with |mu| held. It allocates a Handle in |gen|.
// Generation zero is the non-generational space of state objects.
func (s *Store) allocate(gen store.GenerationID) store.Handle {
	s.nextOffset[gen]++
	return store.MakeHandle(gen, s.nextOffset[gen])
}

// apply must be called with |mu| held.
func (s *Store) apply(ops []op) {
	for _, o := range ops {
		o.apply(s)
	}
}

func (s *Store) deleteRecord(h store.Handle) {
	delete(s.records, h)
	for rh := range s.ownerRefs[h] {
		delete(s.refs, rh)
	}
	delete(s.ownerRefs, h)
	for sh := range s.ownerStates[h] {
		delete(s.states, sh)
	}
	delete(s.ownerStates, h)
}

type refContext store.Handle

func (rc refContext) Owner() store.Handle { return store.Handle(rc) }

func copyRecord(r store.Record) store.Record {
	var out = r
	out.Frags = make([][]byte, len(r.Frags))
	for i, f := range r.Frags {
		out.Frags[i] = append([]byte(nil), f...)
	}
	return out
}

func sortHandles(hs []store.Handle) {
	sort.Slice(hs, func(i, j int) bool { return store.CompareHandles(hs[i], hs[j]) < 0 })
}

var _ store.Store = (*Store)(nil)
