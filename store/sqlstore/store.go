// Package sqlstore is a durable store.Store persisted to a SQLite database.
//
// Each Open of the database begins a new generation, into which records and
// references are appended. Generations other than the current one aren't
// resident until loaded by a blocking read or iteration, and the most
// recently loaded generations are tracked by an LRU. Stream commits are
// applied in order by a single background committer, each within one SQL
// transaction.
package sqlstore

import (
	"database/sql"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" driver.
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/store"
)

// Config of a Store.
type Config struct {
	Path                string `long:"path" env:"PATH" default:"txnengine.db" description:"Path of the SQLite store database"`
	GenerationSize      int    `long:"generation-size" env:"GENERATION_SIZE" default:"65536" description:"Number of records after which a new store generation begins"`
	ResidentGenerations int    `long:"resident-generations" env:"RESIDENT_GENERATIONS" default:"8" description:"Number of older store generations held resident"`
	ReservableOps       int    `long:"reservable-ops" env:"RESERVABLE_OPS" default:"1024" description:"Number of operations which may be reserved by a single store commit"`
	Codec               string `long:"codec" env:"CODEC" default:"snappy" choice:"none" choice:"snappy" choice:"gzip" description:"Compression codec of written record fragments"`
}

const bootstrapSQL = `
CREATE TABLE IF NOT EXISTS generations (
	gen INTEGER PRIMARY KEY NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	handle    INTEGER PRIMARY KEY NOT NULL,
	gen       INTEGER NOT NULL,
	type      INTEGER NOT NULL,
	attribute INTEGER NOT NULL,
	state     INTEGER NOT NULL,
	frags     BLOB
);
CREATE INDEX IF NOT EXISTS records_by_gen ON records (gen, type);
CREATE TABLE IF NOT EXISTS refs (
	handle   INTEGER PRIMARY KEY NOT NULL,
	owner    INTEGER NOT NULL,
	gen      INTEGER NOT NULL,
	child    INTEGER NOT NULL,
	value    INTEGER NOT NULL,
	order_id INTEGER NOT NULL,
	state    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS refs_by_owner ON refs (owner, gen);
CREATE TABLE IF NOT EXISTS states (
	handle INTEGER PRIMARY KEY NOT NULL,
	owner  INTEGER NOT NULL,
	value  INTEGER NOT NULL,
	data   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS states_by_owner ON states (owner);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL
);
`

// Store is a store.Store of a SQLite database.
type Store struct {
	cfg   Config
	codec Codec
	db    *sql.DB

	mu        sync.Mutex
	current   store.GenerationID
	offsets   map[store.GenerationID]uint64 // Last allocated offset of each generation.
	nextState uint64
	created   int // Records allocated in |current|.
	resident  *lru.Cache
	closed    bool

	commits chan *commit
	wg      sync.WaitGroup
}

// Open the Store at Config.Path, creating it if it doesn't exist.
// A new generation is begun.
func Open(cfg Config) (*Store, error) {
	if cfg.GenerationSize <= 0 {
		cfg.GenerationSize = 65536
	}
	if cfg.ResidentGenerations <= 0 {
		cfg.ResidentGenerations = 8
	}
	if cfg.ReservableOps <= 0 {
		cfg.ReservableOps = 1024
	}
	var codec, err = ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?_synchronous=FULL&_journal_mode=WAL")
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", cfg.Path)
	}
	// A single connection serializes the committer with readers.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(bootstrapSQL); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "bootstrapping schema")
	}
	resident, err := lru.New(cfg.ResidentGenerations)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	var s = &Store{
		cfg:      cfg,
		codec:    codec,
		db:       db,
		offsets:  make(map[store.GenerationID]uint64),
		resident: resident,
		commits:  make(chan *commit, 64),
	}

	var gen sql.NullInt64
	if err = db.QueryRow(`SELECT MAX(gen) FROM generations`).Scan(&gen); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "querying generations")
	} else if err = db.QueryRow(`SELECT COALESCE(MAX(handle), 0) FROM states`).Scan(&s.nextState); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "querying states")
	}
	s.nextState = store.Handle(s.nextState).Offset()
	s.current = store.GenerationID(gen.Int64)

	if err = s.startGeneration(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.serveCommits()

	log.WithFields(log.Fields{
		"path":       cfg.Path,
		"generation": s.current,
	}).Info("opened store")

	return s, nil
}

// Close the Store, waiting for queued commits to apply.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrStoreClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.commits)
	s.wg.Wait()
	return s.db.Close()
}

// Current returns the current generation.
func (s *Store) Current() store.GenerationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// startGeneration must be called with |mu| held, or before the Store is shared.
func (s *Store) startGeneration() error {
	if s.current == 1<<16-1 {
		return errors.WithMessagef(store.ErrGenerationFull, "generation %d is the last", s.current)
	}
	var next = s.current + 1
	if _, err := s.db.Exec(`INSERT INTO generations (gen) VALUES (?)`, int64(next)); err != nil {
		return errors.WithMessagef(err, "starting generation %d", next)
	}
	if s.current != 0 {
		s.resident.Add(s.current, nil)
	}
	s.current, s.created = next, 0
	metrics.StoreCurrentGeneration.Set(float64(next))
	return nil
}

// allocate must be called with |mu| held. It allocates a Handle in |gen|
// or, if |gen| is zero, in the current generation, which is first rolled if
// it's full. Only |record| allocations count towards a generation's size.
func (s *Store) allocate(gen store.GenerationID, record bool) (store.Handle, error) {
	if gen == 0 {
		if s.created >= s.cfg.GenerationSize {
			if err := s.startGeneration(); err != nil {
				return store.NullHandle, err
			}
		}
		gen = s.current
	}
	if record && gen == s.current {
		s.created++
	}
	s.offsets[gen]++
	return store.MakeHandle(gen, s.offsets[gen]), nil
}

// load must be called with |mu| held.
func (s *Store) load(gen store.GenerationID, allowBlock bool) error {
	if gen == s.current || gen == 0 {
		return nil
	} else if _, ok := s.resident.Get(gen); ok {
		return nil
	} else if !allowBlock {
		return store.ErrWouldBlock
	}
	s.resident.Add(gen, nil)
	metrics.StoreGenerationLoadsTotal.Inc()
	return nil
}

func (s *Store) check() error {
	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

// ReadRecord implements store.Store.
func (s *Store) ReadRecord(h store.Handle, allowBlock bool) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return store.Record{}, err
	} else if err = s.load(h.Generation(), allowBlock); err != nil {
		return store.Record{}, err
	}
	var rec, err = scanRecord(s.db.QueryRow(
		`SELECT type, attribute, state, frags FROM records WHERE handle = ?`, int64(h)))
	if err == sql.ErrNoRows {
		return store.Record{}, errors.WithMessagef(store.ErrNotFound, "record %s", h)
	} else if err != nil {
		return store.Record{}, errors.WithMessagef(err, "reading record %s", h)
	}
	return rec, nil
}

// ReadReferenceInfo implements store.Store.
func (s *Store) ReadReferenceInfo(refHandle store.Handle, allowBlock bool) (store.Handle, store.RecordType, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, 0, 0, err
	} else if err = s.load(refHandle.Generation(), allowBlock); err != nil {
		return 0, 0, 0, err
	}
	var owner, typ, orderID int64
	var err = s.db.QueryRow(`
		SELECT r.owner, rec.type, r.order_id FROM refs r
		JOIN records rec ON rec.handle = r.owner
		WHERE r.handle = ?`, int64(refHandle)).Scan(&owner, &typ, &orderID)

	if err == sql.ErrNoRows {
		return 0, 0, 0, errors.WithMessagef(store.ErrNotFound, "reference %s", refHandle)
	} else if err != nil {
		return 0, 0, 0, errors.WithMessagef(err, "reading reference %s", refHandle)
	}
	return store.Handle(owner), store.RecordType(typ), uint64(orderID), nil
}

// CompareHandles implements store.Store.
func (s *Store) CompareHandles(a, b store.Handle) int { return store.CompareHandles(a, b) }

// GenerationOf implements store.Store.
func (s *Store) GenerationOf(h store.Handle) store.GenerationID { return h.Generation() }

// Generations implements store.Store.
func (s *Store) Generations() store.GenerationIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return &genIterator{err: err}
	}
	var rows, err = s.db.Query(`SELECT gen FROM generations ORDER BY gen`)
	if err != nil {
		return &genIterator{err: err}
	}
	defer rows.Close()

	var it genIterator
	for rows.Next() {
		var gen int64
		if it.err = rows.Scan(&gen); it.err != nil {
			return &it
		}
		it.gens = append(it.gens, store.GenerationID(gen))
	}
	it.err = rows.Err()
	return &it
}

// Records implements store.Store. Iterating a generation makes it resident.
func (s *Store) Records(typ store.RecordType, gen store.GenerationID) store.RecordIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return &iterator[store.Record]{err: err}
	}
	_ = s.load(gen, true)

	var rows, err = s.db.Query(`
		SELECT handle, type, attribute, state, frags FROM records
		WHERE gen = ? AND type = ? ORDER BY handle`, int64(gen), int64(typ))
	if err != nil {
		return &iterator[store.Record]{err: err}
	}
	defer rows.Close()

	var it iterator[store.Record]
	for rows.Next() {
		var h int64
		var rec store.Record
		if rec, it.err = scanRecord(rows, &h); it.err != nil {
			return &it
		}
		it.items = append(it.items, entry[store.Record]{h: store.Handle(h), v: rec})
	}
	it.err = rows.Err()
	return &it
}

// References implements store.Store.
func (s *Store) References(owner store.Handle, gen store.GenerationID) store.ReferenceIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return &iterator[store.Reference]{err: err}
	}
	_ = s.load(gen, true)

	var rows, err = s.db.Query(`
		SELECT handle, child, value, order_id, state FROM refs
		WHERE owner = ? AND gen = ? ORDER BY order_id, handle`, int64(owner), int64(gen))
	if err != nil {
		return &iterator[store.Reference]{err: err}
	}
	defer rows.Close()

	var it iterator[store.Reference]
	for rows.Next() {
		var h, child, value, orderID, state int64
		if it.err = rows.Scan(&h, &child, &value, &orderID, &state); it.err != nil {
			return &it
		}
		it.items = append(it.items, entry[store.Reference]{h: store.Handle(h), v: store.Reference{
			OrderID: uint64(orderID),
			Child:   store.Handle(child),
			Value:   uint32(value),
			State:   uint8(state),
		}})
	}
	it.err = rows.Err()
	return &it
}

// StateObjects implements store.Store.
func (s *Store) StateObjects(owner store.Handle) store.StateIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return &iterator[store.StateObject]{err: err}
	}
	var rows, err = s.db.Query(`
		SELECT handle, value, data FROM states WHERE owner = ? ORDER BY handle`, int64(owner))
	if err != nil {
		return &iterator[store.StateObject]{err: err}
	}
	defer rows.Close()

	var it iterator[store.StateObject]
	for rows.Next() {
		var h, value, data int64
		if it.err = rows.Scan(&h, &value, &data); it.err != nil {
			return &it
		}
		it.items = append(it.items, entry[store.StateObject]{h: store.Handle(h), v: store.StateObject{
			Value: uint32(value),
			Data:  uint64(data),
		}})
	}
	it.err = rows.Err()
	return &it
}

// OpenStream implements store.Store.
func (s *Store) OpenStream() (store.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

// OpenReferenceContext implements store.Store.
func (s *Store) OpenReferenceContext(owner store.Handle) (store.RefContext, error) {
	if owner == store.NullHandle {
		return nil, errors.WithMessage(store.ErrNotFound, "reference context of null handle")
	}
	return refContext(owner), nil
}

// CloseReferenceContext implements store.Store.
func (s *Store) CloseReferenceContext(store.RefContext) error { return nil }

// ReservableOpsPerTransaction implements store.Store.
func (s *Store) ReservableOpsPerTransaction() int { return s.cfg.ReservableOps }

// RecoveryCompleted implements store.Store. It notes the time of recovery
// within the database.
func (s *Store) RecoveryCompleted() error {
	var _, err = s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('recovered', ?)`,
		time.Now().UTC().Format(time.RFC3339))
	return errors.WithMessage(err, "marking recovery completed")
}

type refContext store.Handle

func (rc refContext) Owner() store.Handle { return store.Handle(rc) }

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a record row, having leading columns |prefix|.
func scanRecord(row scanner, prefix ...interface{}) (store.Record, error) {
	var typ, attribute, state int64
	var frags []byte

	var dest = append(prefix, &typ, &attribute, &state, &frags)
	if err := row.Scan(dest...); err != nil {
		return store.Record{}, err
	}
	var rec = store.Record{
		Type:      store.RecordType(typ),
		Attribute: uint64(attribute),
		State:     uint64(state),
	}
	var err error
	rec.Frags, err = decodeFrags(frags)
	return rec, err
}

type genIterator struct {
	gens []store.GenerationID
	err  error
}

func (it *genIterator) Next() (store.GenerationID, error) {
	if len(it.gens) != 0 {
		var g = it.gens[0]
		it.gens = it.gens[1:]
		return g, nil
	} else if it.err != nil {
		return 0, it.err
	}
	return 0, store.ErrNoMoreEntries
}

type entry[T any] struct {
	h store.Handle
	v T
}

// iterator is a pre-read result set which implements each of the store's
// iterator interfaces.
type iterator[T any] struct {
	items []entry[T]
	err   error
}

func (it *iterator[T]) Next() (store.Handle, T, error) {
	var zero T
	if len(it.items) == 0 {
		if it.err != nil {
			return 0, zero, it.err
		}
		return 0, zero, store.ErrNoMoreEntries
	}
	var e = it.items[0]
	it.items = it.items[1:]
	return e.h, e.v, nil
}

var (
	_ store.Store             = (*Store)(nil)
	_ store.RecordIterator    = (*iterator[store.Record])(nil)
	_ store.ReferenceIterator = (*iterator[store.Reference])(nil)
	_ store.StateIterator     = (*iterator[store.StateObject])(nil)
)
