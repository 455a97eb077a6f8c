package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/jobqueue"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
)

// Flags of a Transaction.
type Flags uint32

const (
	// FlagPersistent transactions write a transaction record to the store.
	FlagPersistent Flags = 1 << iota
	// FlagGlobal transactions are identified by an XID.
	FlagGlobal
	// FlagAsStoreTransaction transactions apply all of their store work within
	// a single store commit, and never write a transaction record.
	FlagAsStoreTransaction
	// FlagRehydrated transactions were rehydrated by recovery.
	FlagRehydrated
	// FlagInGlobalTable transactions are present in the global table.
	FlagInGlobalTable
	// FlagIncremental transactions commit or roll back across multiple
	// store commits.
	FlagIncremental
)

// Completion stages of a Transaction.
const (
	stageNone int32 = iota
	stageStarted
)

// Session is an owner of transactions. It carries the session's XA
// recovery scan.
type Session struct {
	ID string

	mu   sync.Mutex
	scan *recoverScan
}

// NewSession returns a Session of |id|.
func NewSession(id string) *Session { return &Session{ID: id} }

// Transaction is one unit of atomic work. A Transaction's soft-log is not
// safe for concurrent mutation: the owning session or client is its single
// writer.
type Transaction struct {
	m      *Manager
	id     uuid.UUID
	xid    *records.XID
	key    string // XID string form, if global.
	handle store.Handle
	refCtx store.RefContext

	mu        sync.Mutex
	state     records.TxnState
	flags     Flags
	session   *Session
	suspended bool
	client    string
	jobThread jobqueue.ThreadID
	timestamp uint32

	log       softLog
	pool      pool
	storeOps  int
	savepoint int // Soft-log position of the active savepoint, or -1.
	cont      *continuation

	orderID      atomic.Uint64
	useCount     atomic.Int32
	rollbackOnly atomic.Bool
	stage        atomic.Int32
	preResolve   atomic.Int32
	freed        atomic.Bool
}

func newTransaction(m *Manager, flags Flags) *Transaction {
	var t = &Transaction{
		m:         m,
		id:        uuid.New(),
		flags:     flags,
		state:     records.TxnInFlight,
		savepoint: -1,
		pool:      pool{budget: m.cfg.PoolSize, reserve: m.cfg.PoolReserve},
	}
	t.useCount.Store(1)
	t.preResolve.Store(1)
	metrics.TxnActive.Inc()
	return t
}

// ID is the transient identity of the Transaction.
func (t *Transaction) ID() uuid.UUID { return t.id }

// XID of a global Transaction, or nil.
func (t *Transaction) XID() *records.XID { return t.xid }

// Handle of the Transaction's store record, or NullHandle if it has none.
func (t *Transaction) Handle() store.Handle { return t.handle }

// State of the Transaction.
func (t *Transaction) State() records.TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Flags of the Transaction.
func (t *Transaction) Flags() Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// Global is true of XA transactions.
func (t *Transaction) Global() bool { return t.Flags()&FlagGlobal != 0 }

// Incremental is true if the Transaction's store work exceeds the
// incremental threshold of its Manager.
func (t *Transaction) Incremental() bool { return t.Flags()&FlagIncremental != 0 }

// Session currently owning the Transaction, and whether it's suspended.
func (t *Transaction) Session() (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session, t.suspended
}

// Client currently owning the Transaction, or "".
func (t *Transaction) Client() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// RollbackOnly is true if the Transaction may only be rolled back.
func (t *Transaction) RollbackOnly() bool { return t.rollbackOnly.Load() }

// MarkRollbackOnly marks the Transaction such that a commit is redirected
// to a rollback.
func (t *Transaction) MarkRollbackOnly() { t.rollbackOnly.Store(true) }

// UseCount returns the current reference count of the Transaction.
func (t *Transaction) UseCount() int32 { return t.useCount.Load() }

// PoolUsed returns the bytes drawn from the Transaction's memory pool.
func (t *Transaction) PoolUsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.used
}

// Len returns the number of live soft-log entries.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.live
}

// Entries returns the live soft-log entries, in append order.
func (t *Transaction) Entries() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.snapshot()
}

// StoreOps returns the accumulated store operations of soft-log entries.
func (t *Transaction) StoreOps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storeOps
}

func (t *Transaction) String() string {
	if t.xid != nil {
		return fmt.Sprintf("txn(%s)", t.key)
	}
	return fmt.Sprintf("txn(%s)", t.id)
}

func (t *Transaction) completing() bool { return t.stage.Load() != stageNone }

// NextOrderID returns the next monotonic operation order of the Transaction.
func (t *Transaction) NextOrderID() uint64 { return t.orderID.Add(1) }

// SetJobThread assigns the job thread upon which the Transaction's
// job-callback phase runs.
func (t *Transaction) SetJobThread(id jobqueue.ThreadID) {
	t.mu.Lock()
	t.jobThread = id
	t.mu.Unlock()
}

// Alloc draws |n| bytes from the Transaction's memory pool. Once completion
// has started, the pool's reserve is also available.
func (t *Transaction) Alloc(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.alloc(n, t.completing())
}

// NewEntry allocates an Entry of |payloadBytes| from the memory pool.
// Pool-allocated entries are released with the Transaction.
func (t *Transaction) NewEntry(kind EntryKind, phases Phase, op Operation, payloadBytes int) (*Entry, error) {
	if err := t.Alloc(entryOverhead + payloadBytes); err != nil {
		return nil, err
	}
	return &Entry{Kind: kind, Phases: phases, Op: op, index: -1, pooled: true}, nil
}

// Append |e| to the soft-log. Entries may not be appended to a prepared or
// completing Transaction.
func (t *Transaction) Append(e *Entry) error {
	if e.Op == nil {
		return errors.WithMessage(ErrInvalidOperation, "entry has no operation")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completing() {
		return errors.WithMessagef(ErrInvalidOperation, "%s is completing", t)
	} else if t.state != records.TxnInFlight && t.flags&FlagRehydrated == 0 {
		return errors.WithMessagef(ErrInvalidOperation, "cannot append to %s in state %s", t, t.state)
	} else if e.index >= 0 && e.index < len(t.log.entries) && t.log.entries[e.index] == e {
		return errors.WithMessage(ErrInvalidOperation, "entry is already appended")
	}
	t.log.append(e)
	t.storeOps += e.storeOps()

	if t.flags&(FlagPersistent|FlagAsStoreTransaction) == FlagPersistent &&
		t.flags&FlagIncremental == 0 && t.storeOps > t.m.threshold {

		t.flags |= FlagIncremental
		log.WithFields(log.Fields{
			"txn":       t.String(),
			"storeOps":  t.storeOps,
			"threshold": t.m.threshold,
		}).Debug("transaction is incremental")
	}
	metrics.TxnSoftLogEntriesTotal.Inc()
	return nil
}

// RemoveEntry removes |e| from the soft-log. It's permitted during replay
// (typically from the Cleanup phase), as removal doesn't shift the
// positions of other entries.
func (t *Transaction) RemoveEntry(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.remove(e)
}

// AddOperationReference records, within |st|, that |child| participates in
// the Transaction as operation |kind|. Recovery uses these references to
// restore transaction membership. Transactions without a store record
// return NullHandle.
func (t *Transaction) AddOperationReference(st store.Stream, kind records.TOR, child store.Handle) (store.Handle, error) {
	if !kind.Valid() {
		return store.NullHandle, errors.WithMessagef(ErrInvalidOperation, "invalid operation reference kind %s", kind)
	} else if t.refCtx == nil {
		return store.NullHandle, nil
	}
	var h, err = st.CreateReference(t.refCtx, store.Reference{
		OrderID: t.NextOrderID(),
		Child:   child,
		Value:   uint32(kind),
	}, 0)
	if err != nil {
		return store.NullHandle, errors.WithMessagef(err, "creating %s reference of %s", kind, t)
	}
	return h, nil
}

// RemoveOperationReference deletes, within |st|, operation reference |h| of
// AddOperationReference. It's a no-op of a NullHandle |h|.
func (t *Transaction) RemoveOperationReference(st store.Stream, h store.Handle) error {
	if t.refCtx == nil || h == store.NullHandle {
		return nil
	} else if err := st.DeleteReference(t.refCtx, h, 0); err != nil {
		return errors.WithMessagef(err, "deleting operation reference %s of %s", h, t)
	}
	return nil
}

// RestoreOrderID advances the Transaction's operation order to at least
// |orderID|. Recovery invokes it with the OrderIDs of rehydrated references.
func (t *Transaction) RestoreOrderID(orderID uint64) {
	for {
		var cur = t.orderID.Load()
		if cur >= orderID || t.orderID.CompareAndSwap(cur, orderID) {
			return
		}
	}
}

// HoldPreResolve holds open the Transaction's completion: a subsequent
// commit or rollback doesn't begin replay until every hold is released.
// Asynchronous put and acknowledge operations hold while in flight.
func (t *Transaction) HoldPreResolve() error {
	for {
		var n = t.preResolve.Load()
		if n <= 0 {
			return errors.WithMessagef(ErrInvalidOperation, "%s has already resolved", t)
		} else if t.preResolve.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// ReleasePreResolve releases a hold of HoldPreResolve. If the Transaction's
// completion was waiting on this hold, its replay begins from this call.
func (t *Transaction) ReleasePreResolve() {
	var n = t.preResolve.Add(-1)
	if n > 0 {
		return
	} else if n < 0 {
		t.m.fatal(errors.WithMessagef(ErrIntegrity, "%s pre-resolve count underflow", t))
		return
	}
	t.mu.Lock()
	var c = t.cont
	t.mu.Unlock()

	if c != nil {
		c.resume(nil)
	}
}
