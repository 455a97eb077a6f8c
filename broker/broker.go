// Package broker holds the in-memory objects which broker transactions act
// upon: queues of messages, subscriptions, client states, topics, remote
// servers, and bridge queue managers. Objects are created at runtime, or
// rehydrated from the store by recovery, for which the Broker is the
// recovery.Collaborators.
//
// Transactional operations (Queue.Put, Queue.Consume, and the unreleased
// message state of a ClientState) write their store records immediately,
// together with a transaction-operation reference, and append a soft-log
// entry which makes the operation visible upon commit or undoes it upon
// rollback. Operations of an as-store transaction instead defer their
// writes to its Commit phase.
package broker

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/rectable"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// Errors returned by Broker.
var (
	ErrNotFound         = errors.New("broker: not found")
	ErrExists           = errors.New("broker: already exists")
	ErrNotAvailable     = errors.New("broker: message not available")
	ErrUnexpectedMember = errors.New("broker: unexpected transaction member")
)

// Kinds of soft-log entries appended by the broker.
const (
	EntryPut              txn.EntryKind = "put"
	EntryConsume          txn.EntryKind = "consume"
	EntryAddUnreleased    txn.EntryKind = "add-unreleased"
	EntryRemoveUnreleased txn.EntryKind = "remove-unreleased"
	EntryMigrate          txn.EntryKind = "migrate-subscription"
)

// Broker is the set of broker objects of a store.
type Broker struct {
	store store.Store
	txns  *txn.Manager
	sess  *txn.Session

	mu      sync.Mutex
	server  *Server
	queues  map[string]*Queue
	subs    map[string]*Subscription
	clients map[string]*ClientState
	topics  map[string]*Topic
	remotes map[string]*RemoteServer
	bridges map[string]*BridgeQueueManager

	// Objects by the Handle of their defining record.
	objects *rectable.Table[any]
}

// New returns an empty Broker of the store and transaction Manager.
func New(st store.Store, txns *txn.Manager) *Broker {
	return &Broker{
		store:   st,
		txns:    txns,
		sess:    txn.NewSession("broker"),
		queues:  make(map[string]*Queue),
		subs:    make(map[string]*Subscription),
		clients: make(map[string]*ClientState),
		topics:  make(map[string]*Topic),
		remotes: make(map[string]*RemoteServer),
		bridges: make(map[string]*BridgeQueueManager),
		objects: rectable.New[any](rectable.Options{
			Capacity:   rectable.TensOfThousands,
			Concurrent: true,
		}),
	}
}

// Server returns the server of the Broker, or nil if uninitialized.
func (b *Broker) Server() *Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.server
}

// Queue returns the named Queue.
func (b *Broker) Queue(name string) (*Queue, error) {
	return lookup(b, b.queues, name)
}

// Subscription returns the named Subscription.
func (b *Broker) Subscription(name string) (*Subscription, error) {
	return lookup(b, b.subs, name)
}

// Client returns the ClientState of client |id|.
func (b *Broker) Client(id string) (*ClientState, error) {
	return lookup(b, b.clients, id)
}

// Topic returns the named Topic.
func (b *Broker) Topic(name string) (*Topic, error) {
	return lookup(b, b.topics, name)
}

// RemoteServer returns the named RemoteServer.
func (b *Broker) RemoteServer(name string) (*RemoteServer, error) {
	return lookup(b, b.remotes, name)
}

// BridgeQueueManager returns the named BridgeQueueManager.
func (b *Broker) BridgeQueueManager(name string) (*BridgeQueueManager, error) {
	return lookup(b, b.bridges, name)
}

// QueueNames returns the sorted names of Queues.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for name := range b.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup[V any](b *Broker, m map[string]V, name string) (V, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var v, ok = m[name]
	if !ok {
		return v, errors.WithMessagef(ErrNotFound, "%q", name)
	}
	return v, nil
}

// register indexes |obj| of record |h| under |name| of |m|.
func register[V any](b *Broker, m map[string]V, name string, h store.Handle, obj V) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := m[name]; ok {
		return errors.WithMessagef(ErrExists, "%q", name)
	} else if err := b.objects.Put(h, obj); err != nil {
		return errors.WithMessagef(err, "indexing %q", name)
	}
	m[name] = obj
	return nil
}

// unregister removes |name| of |m|, and its record |h|.
func unregister[V any](b *Broker, m map[string]V, name string, h store.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(m, name)
	b.objects.Remove(h)
}

// object returns the object of record |h|.
func (b *Broker) object(h store.Handle) (any, error) {
	var obj, ok = b.objects.Get(h)
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "object of record %s", h)
	}
	return obj, nil
}

// queueOf returns the Queue owned by record |h|.
func (b *Broker) queueOf(h store.Handle) (*Queue, error) {
	var obj, err = b.object(h)
	if err != nil {
		return nil, err
	}
	switch o := obj.(type) {
	case *Queue:
		return o, nil
	case *Subscription:
		return o.Queue, nil
	case *RemoteServer:
		return o.Queue, nil
	case *ClientState:
		return o.Deliveries, nil
	}
	return nil, errors.WithMessagef(ErrNotFound, "record %s has no queue", h)
}

// write applies |fn| to |st|, or if |st| is nil, to a new Stream which is
// then committed.
func (b *Broker) write(st store.Stream, fn func(store.Stream) error) error {
	if st != nil {
		return fn(st)
	}
	var own, err = b.store.OpenStream()
	if err != nil {
		return errors.WithMessage(err, "opening stream")
	}
	defer own.Close()

	if err = fn(own); err != nil {
		return err
	} else if err = own.Commit().Err(); err != nil {
		return errors.WithMessage(err, "committing stream")
	}
	return nil
}

// deferred is true if store writes of operations of |t| are applied by its
// Commit phase, rather than as the operation is made.
func deferred(t *txn.Transaction) bool {
	return t.Flags()&txn.FlagAsStoreTransaction != 0
}
