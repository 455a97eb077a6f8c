// Package txn implements the transaction manager. Callers describe each
// logical operation of a unit of work as a soft-log Entry appended to a
// Transaction, and then commit or roll it back. Completion replays the
// soft-log through a fixed sequence of phases, coordinating with the store:
//
//	commit:   Commit -> (store) -> MemoryCommit -> PostCommit -> Cleanup -> JobCallback
//	rollback: Rollback -> (store) -> MemoryRollback -> PostRollback -> Cleanup -> JobCallback
//
// Commit-side phases visit entries in append order, and rollback-side phases
// in reverse order. Store commits may complete asynchronously, in which case
// replay suspends and later resumes exactly where it left off.
//
// Operations which may complete asynchronously take a |done| callback. If
// |done| is nil the operation waits for its completion. Otherwise it either
// returns its result directly (and never invokes |done|), or returns
// ErrAsyncPending and invokes |done| with the result once complete.
package txn

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/jobqueue"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
)

// LockManager holds locks on behalf of transactions. Locks are released in
// a begin / complete pair which straddles the memory phase of a completion.
type LockManager interface {
	BeginRelease(*Transaction)
	CompleteRelease(*Transaction)
}

// JobDispatcher runs functions on job threads. *jobqueue.Dispatcher is a JobDispatcher.
type JobDispatcher interface {
	Submit(jobqueue.ThreadID, func()) error
}

// Config of a Manager.
type Config struct {
	// Locks held by transactions. Optional.
	Locks LockManager `no-flag:"t"`
	// Jobs dispatches job-callback phases. Optional: without it, job
	// callbacks are run inline.
	Jobs JobDispatcher `no-flag:"t"`
	// Fatal is invoked upon integrity violations, which leave the store
	// inconsistent with in-memory state. By default it logs and panics.
	Fatal func(error) `no-flag:"t"`
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time `no-flag:"t"`

	PoolSize    int `long:"pool-size" env:"POOL_SIZE" default:"65536" description:"Memory pool budget of each transaction, in bytes"`
	PoolReserve int `long:"pool-reserve" env:"POOL_RESERVE" default:"4096" description:"Memory pool reserve of each transaction, usable only while completing"`
	// MaxCommitStoreOps is the store operations a transaction may require of
	// its own commit. The incremental threshold is the store's reservable
	// operations divided by MaxCommitStoreOps+1.
	MaxCommitStoreOps int `long:"max-commit-store-ops" env:"MAX_COMMIT_STORE_OPS" default:"3" description:"Store operations required by a transaction's own completion"`
	// IncrementalThreshold, if non-zero, overrides the computed threshold.
	IncrementalThreshold int `long:"incremental-threshold" env:"INCREMENTAL_THRESHOLD" description:"Override of the store operations beyond which a transaction is incremental"`
}

// Manager manages transactions of a store.Store.
type Manager struct {
	store     store.Store
	cfg       Config
	threshold int

	// Global transactions, keyed by XID string form.
	mu     sync.RWMutex
	global map[string]*Transaction

	rehydrated []*Transaction
}

// NewManager returns a Manager of the store.Store.
func NewManager(st store.Store, cfg Config) (*Manager, error) {
	if st == nil {
		return nil, errors.New("txn: nil store")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1 << 16
	}
	if cfg.PoolReserve < 0 {
		return nil, errors.Errorf("txn: invalid pool reserve %d", cfg.PoolReserve)
	}
	if cfg.MaxCommitStoreOps < 0 {
		return nil, errors.Errorf("txn: invalid MaxCommitStoreOps %d", cfg.MaxCommitStoreOps)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Fatal == nil {
		cfg.Fatal = func(err error) {
			log.WithField("err", err).Error("CRITICAL: transaction integrity violation")
			panic(err)
		}
	}
	var m = &Manager{
		store:  st,
		cfg:    cfg,
		global: make(map[string]*Transaction),
	}
	if m.threshold = cfg.IncrementalThreshold; m.threshold <= 0 {
		m.threshold = st.ReservableOpsPerTransaction() / (cfg.MaxCommitStoreOps + 1)
	}
	if m.threshold <= 0 {
		m.threshold = 1
	}
	return m, nil
}

// Store of the Manager.
func (m *Manager) Store() store.Store { return m.store }

// IncrementalThreshold is the store operations of soft-log entries beyond
// which a transaction is incremental.
func (m *Manager) IncrementalThreshold() int { return m.threshold }

func (m *Manager) fatal(err error) error {
	m.cfg.Fatal(err)
	return err
}

// check the structural identity of a Transaction argument.
func (m *Manager) check(t *Transaction) error {
	if t == nil || t.m != m {
		return m.fatal(errors.WithMessage(ErrIntegrity, "transaction does not belong to this manager"))
	} else if t.freed.Load() {
		return m.fatal(errors.WithMessagef(ErrIntegrity, "%s has been freed", t))
	}
	return nil
}

// await invokes |fn|. If |done| is nil, an ErrAsyncPending result of |fn| is
// waited upon.
func await(fn func(done func(error)) error, done func(error)) error {
	if done != nil {
		return fn(done)
	}
	var ch = make(chan error, 1)
	if err := fn(func(err error) { ch <- err }); err != ErrAsyncPending {
		return err
	}
	return <-ch
}

// CreateMode selects the handling of an existing global transaction.
type CreateMode int

const (
	// CreateDefault reattaches an existing transaction, or creates one.
	CreateDefault CreateMode = iota
	// CreateNew fails with ErrAlreadyExists if the transaction exists.
	CreateNew
	// ResumeExisting requires an existing transaction suspended by the session.
	ResumeExisting
)

// CreateOptions of a created Transaction.
type CreateOptions struct {
	Mode CreateMode
	// Volatile transactions have no store record.
	Volatile bool
	// AsStoreTransaction applies all store work of the transaction within a
	// single store commit. Such transactions have no store record, and are
	// never incremental. Local transactions only.
	AsStoreTransaction bool
	// JobThread upon which job-callback phases run.
	JobThread jobqueue.ThreadID
}

// CreateLocal creates a local Transaction owned by |sess|.
func (m *Manager) CreateLocal(sess *Session, opts CreateOptions, done func(error)) (*Transaction, error) {
	var flags Flags
	if !opts.Volatile {
		flags |= FlagPersistent
	}
	if opts.AsStoreTransaction {
		flags |= FlagAsStoreTransaction
	}
	var t = newTransaction(m, flags)
	t.session = sess
	t.jobThread = opts.JobThread

	var err = await(func(done func(error)) error { return m.persistCreate(t, done) }, done)
	m.observeCreate(t, err)
	if err != nil && err != ErrAsyncPending {
		return nil, err
	}
	return t, err
}

// CreateGlobal creates, reattaches, or resumes the global Transaction of
// |xid| on behalf of |sess|.
func (m *Manager) CreateGlobal(sess *Session, xid records.XID, opts CreateOptions, done func(error)) (*Transaction, error) {
	if err := xid.Validate(); err != nil {
		return nil, errors.WithMessage(ErrInvalidOperation, err.Error())
	} else if opts.AsStoreTransaction {
		return nil, errors.WithMessage(ErrInvalidOperation, "global transactions cannot be store transactions")
	}
	var key = xid.String()

	m.mu.Lock()
	if t, ok := m.global[key]; ok {
		var err = m.reattach(t, sess, opts.Mode)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return t, nil
	} else if opts.Mode == ResumeExisting {
		m.mu.Unlock()
		return nil, errors.WithMessagef(ErrNotFound, "resuming %s", key)
	}

	var flags = FlagGlobal | FlagInGlobalTable
	if !opts.Volatile {
		flags |= FlagPersistent
	}
	var t = newTransaction(m, flags)
	var xidCopy = xid
	t.xid, t.key = &xidCopy, key
	t.session = sess
	t.jobThread = opts.JobThread

	// Insert before the store write: a concurrent create of the same XID
	// must find this transaction and fail, rather than also succeeding.
	m.global[key] = t
	m.mu.Unlock()

	var err = await(func(done func(error)) error { return m.persistCreate(t, done) }, done)
	m.observeCreate(t, err)
	if err != nil && err != ErrAsyncPending {
		return nil, err
	}
	return t, err
}

// reattach must be called with |m.mu| held.
func (m *Manager) reattach(t *Transaction, sess *Session, mode CreateMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case mode == CreateNew:
		return errors.WithMessagef(ErrAlreadyExists, "%s", t)
	case t.completing():
		return errors.WithMessagef(ErrInUse, "%s is completing", t)
	case t.client != "":
		return errors.WithMessagef(ErrInUse, "%s is bound to client %q", t, t.client)
	case mode == ResumeExisting && !(t.suspended && t.session == sess):
		return errors.WithMessagef(ErrInvalidOperation, "%s is not suspended by session", t)
	case t.session != nil && t.session != sess:
		return errors.WithMessagef(ErrInUse, "%s is associated with session %q", t, t.session.ID)
	case t.state != records.TxnInFlight:
		return errors.WithMessagef(ErrInvalidOperation, "cannot associate with %s in state %s", t, t.state)
	}
	t.session, t.suspended = sess, false
	return nil
}

// persistCreate writes the transaction record of a persistent Transaction.
func (m *Manager) persistCreate(t *Transaction, done func(error)) error {
	if t.flags&(FlagPersistent|FlagAsStoreTransaction) != FlagPersistent {
		return nil
	}
	var tr = records.Transaction{
		State:     records.TxnInFlight,
		Timestamp: records.Timestamp(m.cfg.Now()),
		XID:       t.xid,
	}
	if t.xid != nil {
		tr.Flags |= records.TxnFlagGlobal
	}
	t.timestamp = tr.Timestamp

	var st, err = m.store.OpenStream()
	if err != nil {
		return m.failCreate(t, err)
	}
	h, err := st.CreateRecord(tr.Record())
	if err != nil {
		_ = st.Close()
		return m.failCreate(t, err)
	}
	var op = st.Commit()

	var finish = func(err error) error {
		_ = st.Close()
		if err != nil {
			return m.failCreate(t, err)
		}
		rc, err := m.store.OpenReferenceContext(h)
		if err != nil {
			return m.failCreate(t, err)
		}
		t.mu.Lock()
		t.handle, t.refCtx = h, rc
		t.mu.Unlock()
		return nil
	}
	if store.IsResolved(op) {
		return finish(op.Err())
	}
	store.OnResolved(op, func(err error) { done(finish(err)) })
	return ErrAsyncPending
}

// failCreate unwinds a Transaction whose creation failed.
func (m *Manager) failCreate(t *Transaction, err error) error {
	m.Release(t)
	return errors.WithMessagef(err, "creating %s", t)
}

func (m *Manager) observeCreate(t *Transaction, err error) {
	var kind = metrics.Local
	if t != nil && t.xid != nil {
		kind = metrics.Global
	}
	if err != nil && err != ErrAsyncPending {
		metrics.TxnCreatedTotal.WithLabelValues(kind, metrics.Fail).Inc()
	} else {
		metrics.TxnCreatedTotal.WithLabelValues(kind, metrics.Ok).Inc()
	}
}

// Lookup the global Transaction of |xid|. The returned Transaction is
// Acquired, and the caller must Release it.
func (m *Manager) Lookup(xid records.XID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t, ok = m.global[xid.String()]
	if !ok || !t.tryAcquire() {
		return nil, errors.WithMessagef(ErrNotFound, "%s", xid)
	}
	return t, nil
}

// Acquire a reference to the Transaction.
func (t *Transaction) Acquire() { t.useCount.Add(1) }

// tryAcquire acquires a reference only if the Transaction has not yet been
// released to zero.
func (t *Transaction) tryAcquire() bool {
	for {
		var n = t.useCount.Load()
		if n <= 0 {
			return false
		} else if t.useCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release a reference to the Transaction. Releasing the last reference frees
// the Transaction's memory pool and soft-log, closes its reference context,
// and removes it from the global table.
func (m *Manager) Release(t *Transaction) {
	var n = t.useCount.Add(-1)
	if n > 0 {
		return
	} else if n < 0 {
		m.fatal(errors.WithMessagef(ErrIntegrity, "%s use count underflow", t))
		return
	}

	if t.Flags()&FlagInGlobalTable != 0 {
		m.mu.Lock()
		if m.global[t.key] == t {
			delete(m.global, t.key)
		}
		m.mu.Unlock()
	}
	t.mu.Lock()
	t.flags &^= FlagInGlobalTable
	t.log.reset()
	t.pool.destroy()
	t.cont = nil
	t.session, t.client = nil, ""
	var rc = t.refCtx
	t.refCtx = nil
	t.mu.Unlock()

	if rc != nil {
		if err := m.store.CloseReferenceContext(rc); err != nil {
			log.WithFields(log.Fields{"txn": t.String(), "err": err}).Warn("failed to close reference context")
		}
	}
	t.freed.Store(true)
	metrics.TxnActive.Dec()
}

// Summary describes a global Transaction.
type Summary struct {
	XID       string
	State     records.TxnState
	Handle    store.Handle
	Session   string
	Suspended bool
	Client    string
	Entries   int
	StoreOps  int
	Flags     Flags
}

// GlobalTransactions summarizes global transactions, ordered on XID.
func (m *Manager) GlobalTransactions() []Summary {
	m.mu.RLock()
	var txns = make([]*Transaction, 0, len(m.global))
	for _, t := range m.global {
		txns = append(txns, t)
	}
	m.mu.RUnlock()

	var out = make([]Summary, 0, len(txns))
	for _, t := range txns {
		t.mu.Lock()
		var s = Summary{
			XID:       t.key,
			State:     t.state,
			Handle:    t.handle,
			Suspended: t.suspended,
			Client:    t.client,
			Entries:   t.log.live,
			StoreOps:  t.storeOps,
			Flags:     t.flags,
		}
		if t.session != nil {
			s.Session = t.session.ID
		}
		t.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].XID < out[j].XID })
	return out
}
