package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// MessageState is the state of a message within a Queue.
type MessageState uint8

const (
	// Available messages may be consumed.
	Available MessageState = iota
	// Putting messages were put by a transaction which hasn't committed.
	Putting
	// Consuming messages are consumed by a transaction which hasn't committed.
	Consuming
)

func (s MessageState) String() string {
	switch s {
	case Available:
		return "available"
	case Putting:
		return "putting"
	case Consuming:
		return "consuming"
	}
	return fmt.Sprintf("MessageState(%d)", uint8(s))
}

// QueueMessage is a Message held by a Queue, through a store reference of
// the Queue's owner.
type QueueMessage struct {
	Message *Message
	Ref     store.Handle
	OrderID uint64
	State   MessageState
	// Txn of a Putting or Consuming message.
	Txn *txn.Transaction

	q   *Queue
	tor store.Handle // Operation reference of Txn, if written.
}

// Queue is an ordered sequence of messages, referenced by an owning record.
// Standalone queues are owned by a queue definition. A Subscription, a
// RemoteServer, and a ClientState each also own a Queue.
type Queue struct {
	b *Broker

	Name      string
	Owner     store.Handle
	OwnerType store.RecordType
	// Def, Props and PropsHandle are set for standalone queues.
	Def         records.QueueDefinition
	Props       records.QueueProperties
	PropsHandle store.Handle

	rc store.RefContext

	mu        sync.Mutex
	msgs      []*QueueMessage
	byRef     map[store.Handle]*QueueMessage
	lastOrder uint64
}

func newQueue(b *Broker, name string, owner store.Handle, ownerType store.RecordType) (*Queue, error) {
	var rc, err = b.store.OpenReferenceContext(owner)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening reference context of %s %s", ownerType, owner)
	}
	return &Queue{
		b:         b,
		Name:      name,
		Owner:     owner,
		OwnerType: ownerType,
		rc:        rc,
		byRef:     make(map[store.Handle]*QueueMessage),
	}, nil
}

func (q *Queue) String() string { return fmt.Sprintf("queue %q", q.Name) }

// Len returns the number of messages of the Queue, in any state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Messages returns a snapshot of the Queue's messages, in order.
func (q *Queue) Messages() []QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out = make([]QueueMessage, len(q.msgs))
	for i, qm := range q.msgs {
		out[i] = *qm
	}
	return out
}

// Available returns the OrderIDs of Available messages, in order.
func (q *Queue) Available() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []uint64
	for _, qm := range q.msgs {
		if qm.State == Available {
			out = append(out, qm.OrderID)
		}
	}
	return out
}

// Put |rec| to the Queue within Transaction |t|. The message becomes
// available upon t's commit, and is deleted upon its rollback.
func (q *Queue) Put(t *txn.Transaction, rec records.Message) (*QueueMessage, error) {
	q.mu.Lock()
	q.lastOrder++
	var qm = &QueueMessage{
		Message: &Message{Record: &rec},
		OrderID: q.lastOrder,
		State:   Putting,
		Txn:     t,
		q:       q,
	}
	q.mu.Unlock()

	var e, err = t.NewEntry(EntryPut,
		txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseRollback|txn.PhaseMemoryRollback|txn.PhaseSavepointRollback,
		putOp{qm}, len(rec.Body()))
	if err != nil {
		return nil, err
	}
	e.CommitStoreOps, e.RollbackStoreOps = 2, 2

	if !deferred(t) {
		if err = t.HoldPreResolve(); err != nil {
			return nil, err
		}
		defer t.ReleasePreResolve()
	}
	if err = t.Append(e); err != nil {
		return nil, err
	}
	if !deferred(t) {
		if err = q.b.write(nil, qm.create); err != nil {
			t.RemoveEntry(e)
			t.MarkRollbackOnly()
			return nil, errors.WithMessagef(err, "putting to %s", q)
		}
	}

	q.mu.Lock()
	q.insert(qm)
	if qm.Ref != store.NullHandle {
		q.byRef[qm.Ref] = qm
	}
	q.mu.Unlock()

	return qm, nil
}

// create the message record and Queue reference of |qm|, and its
// operation reference within qm.Txn.
func (qm *QueueMessage) create(st store.Stream) error {
	var h, err = st.CreateRecord(qm.Message.Record.Record())
	if err != nil {
		return errors.WithMessage(err, "creating message record")
	}
	qm.Message.Handle = h
	qm.Message.refs.Store(1)

	qm.Ref, err = st.CreateReference(qm.q.rc, store.Reference{OrderID: qm.OrderID, Child: h}, 0)
	if err != nil {
		return errors.WithMessagef(err, "creating reference of %s", qm.q)
	}
	qm.tor, err = qm.Txn.AddOperationReference(st, records.TORPutMessage, qm.Ref)
	return err
}

type putOp struct{ qm *QueueMessage }

func (op putOp) Replay(r *txn.Replay) error {
	var qm, q = op.qm, op.qm.q

	switch r.Phase {
	case txn.PhaseCommit:
		if deferred(r.Txn) {
			return qm.create(r.Stream)
		}
	case txn.PhaseMemoryCommit:
		q.mu.Lock()
		qm.State, qm.Txn = Available, nil
		q.byRef[qm.Ref] = qm
		q.mu.Unlock()
	case txn.PhaseRollback:
		if qm.Ref != store.NullHandle {
			return q.dropReference(r.Stream, qm)
		}
	case txn.PhaseMemoryRollback:
		q.remove(qm)
	case txn.PhaseSavepointRollback:
		if qm.Ref != store.NullHandle {
			var err = q.b.write(nil, func(st store.Stream) error {
				if err := q.dropReference(st, qm); err != nil {
					return err
				}
				return r.Txn.RemoveOperationReference(st, qm.tor)
			})
			if err != nil {
				return err
			}
		}
		q.remove(qm)
	}
	return nil
}

// Consume the Available message |orderID| within Transaction |t|. The
// message is removed upon t's commit, and is again Available upon its
// rollback.
func (q *Queue) Consume(t *txn.Transaction, orderID uint64) (*QueueMessage, error) {
	q.mu.Lock()
	var qm = q.find(orderID)
	if qm == nil || qm.State != Available {
		q.mu.Unlock()
		return nil, errors.WithMessagef(ErrNotAvailable, "message %d of %s", orderID, q)
	}
	qm.State, qm.Txn = Consuming, t
	q.mu.Unlock()

	var err = q.consume(t, qm)
	if err != nil {
		q.mu.Lock()
		qm.State, qm.Txn = Available, nil
		q.mu.Unlock()
		return nil, err
	}
	return qm, nil
}

func (q *Queue) consume(t *txn.Transaction, qm *QueueMessage) error {
	var e, err = t.NewEntry(EntryConsume,
		txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseMemoryRollback|txn.PhaseSavepointRollback,
		consumeOp{qm}, 0)
	if err != nil {
		return err
	}
	e.CommitStoreOps = 2

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

	err = q.b.write(nil, func(st store.Stream) (err error) {
		qm.tor, err = t.AddOperationReference(st, records.TORConsumeMessage, qm.Ref)
		return err
	})
	if err != nil {
		t.RemoveEntry(e)
		t.MarkRollbackOnly()
		return errors.WithMessagef(err, "consuming from %s", q)
	}
	return nil
}

type consumeOp struct{ qm *QueueMessage }

func (op consumeOp) Replay(r *txn.Replay) error {
	var qm, q = op.qm, op.qm.q

	switch r.Phase {
	case txn.PhaseCommit:
		return q.dropReference(r.Stream, qm)
	case txn.PhaseMemoryCommit:
		q.remove(qm)
	case txn.PhaseSavepointRollback:
		if qm.tor != store.NullHandle {
			var err = q.b.write(nil, func(st store.Stream) error {
				return r.Txn.RemoveOperationReference(st, qm.tor)
			})
			if err != nil {
				return err
			}
			qm.tor = store.NullHandle
		}
		fallthrough
	case txn.PhaseMemoryRollback:
		q.mu.Lock()
		qm.State, qm.Txn = Available, nil
		q.mu.Unlock()
	}
	return nil
}

// insert must be called with |mu| held.
func (q *Queue) insert(qm *QueueMessage) {
	var i = sort.Search(len(q.msgs), func(i int) bool { return q.msgs[i].OrderID > qm.OrderID })
	q.msgs = append(q.msgs, nil)
	copy(q.msgs[i+1:], q.msgs[i:])
	q.msgs[i] = qm
}

// find must be called with |mu| held.
func (q *Queue) find(orderID uint64) *QueueMessage {
	var i = sort.Search(len(q.msgs), func(i int) bool { return q.msgs[i].OrderID >= orderID })
	if i != len(q.msgs) && q.msgs[i].OrderID == orderID {
		return q.msgs[i]
	}
	return nil
}

func (q *Queue) remove(qm *QueueMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, cur := range q.msgs {
		if cur == qm {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			break
		}
	}
	delete(q.byRef, qm.Ref)
}

// dropReference deletes the Queue reference of |qm|. The message record is
// deleted with its last reference.
func (q *Queue) dropReference(st store.Stream, qm *QueueMessage) error {
	if err := st.DeleteReference(q.rc, qm.Ref, qm.OrderID); err != nil {
		return errors.WithMessagef(err, "deleting reference %s of %s", qm.Ref, q)
	} else if qm.Message.refs.Add(-1) == 0 {
		return st.DeleteRecord(qm.Message.Handle)
	}
	return nil
}

// rehydrate a reference of the Queue's owner to |msg|.
func (q *Queue) rehydrate(ref store.Handle, orderID uint64, msg *Message) *QueueMessage {
	var qm = &QueueMessage{Message: msg, Ref: ref, OrderID: orderID, State: Available, q: q}
	msg.refs.Add(1)

	q.mu.Lock()
	q.msgs = append(q.msgs, qm)
	q.byRef[ref] = qm
	if orderID > q.lastOrder {
		q.lastOrder = orderID
	}
	q.mu.Unlock()

	return qm
}

// byReference returns the QueueMessage of reference |h|.
func (q *Queue) byReference(h store.Handle) (*QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var qm, ok = q.byRef[h]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "reference %s of %s", h, q)
	}
	return qm, nil
}

// join |qm| to the recovered Transaction of |kind|.
func (q *Queue) join(qm *QueueMessage, t *txn.Transaction, kind records.TOR) error {
	var (
		phases txn.Phase
		op     txn.Operation
		e      *txn.Entry
		err    error
	)
	switch kind {
	case records.TORPutMessage:
		phases, op = txn.PhaseMemoryCommit|txn.PhaseRollback|txn.PhaseMemoryRollback, putOp{qm}
	case records.TORConsumeMessage:
		phases, op = txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseMemoryRollback, consumeOp{qm}
	default:
		return errors.WithMessagef(ErrUnexpectedMember, "%s of %s", kind, q)
	}
	if e, err = t.NewEntry(entryKind(kind), phases, op, 0); err != nil {
		return err
	}
	e.CommitStoreOps, e.RollbackStoreOps = 2, 2

	if err = t.Append(e); err != nil {
		return err
	}
	q.mu.Lock()
	if kind == records.TORPutMessage {
		qm.State = Putting
	} else {
		qm.State = Consuming
	}
	qm.Txn = t
	q.mu.Unlock()

	return nil
}

func entryKind(kind records.TOR) txn.EntryKind {
	if kind == records.TORPutMessage {
		return EntryPut
	}
	return EntryConsume
}

// reconcile orders recovered messages, and drops those whose records
// couldn't be loaded.
func (q *Queue) reconcile() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept = q.msgs[:0]
	for _, qm := range q.msgs {
		if qm.Message.Offline {
			log.WithFields(log.Fields{"queue": q.Name, "ref": qm.Ref, "message": qm.Message.Handle}).
				Warn("dropping message which failed to load")
			delete(q.byRef, qm.Ref)
			continue
		}
		kept = append(kept, qm)
	}
	q.msgs = kept

	sort.Slice(q.msgs, func(i, j int) bool { return q.msgs[i].OrderID < q.msgs[j].OrderID })
}

// inTransaction is true if a message of the Queue is Putting or Consuming.
func (q *Queue) inTransaction() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, qm := range q.msgs {
		if qm.State != Available {
			return true
		}
	}
	return false
}

// purge releases the messages of a Queue whose owning record is being
// deleted (which also deletes its references).
func (q *Queue) purge(st store.Stream) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, qm := range q.msgs {
		if qm.Message.refs.Add(-1) == 0 {
			if err := st.DeleteRecord(qm.Message.Handle); err != nil {
				return err
			}
		}
	}
	q.msgs, q.byRef = nil, make(map[store.Handle]*QueueMessage)
	return nil
}
