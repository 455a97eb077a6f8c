package broker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.gazette.dev/txnengine/rectable"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// Message is a message record, shared by the references of each object
// which holds it. An Offline Message is a stub of a record which hasn't
// yet been loaded.
type Message struct {
	rectable.Link

	Handle  store.Handle
	Record  *records.Message
	Offline bool

	refs atomic.Int32 // Store references to the message.
}

// Refs returns the number of store references to the Message.
func (m *Message) Refs() int { return int(m.refs.Load()) }

// Server is the broker server.
type Server struct {
	Handle store.Handle
	Config records.ServerConfig
}

// Subscription is a durable or non-durable subscription to a topic, and the
// Queue of messages delivered to it.
type Subscription struct {
	Handle      store.Handle
	PropsHandle store.Handle
	Def         records.SubscriptionDefinition
	Props       records.SubscriptionProperties
	Queue       *Queue

	mu sync.Mutex
	// migrating is the SPR being migrated to, if a migration is in flight.
	migrating store.Handle
}

// Durable is true if the Subscription survives restarts.
func (s *Subscription) Durable() bool { return s.Props.Options&records.SubDurable != 0 }

func (s *Subscription) String() string { return fmt.Sprintf("subscription %q", s.Props.Name) }

// Topic is a topic, and its retained message.
type Topic struct {
	Handle store.Handle
	Def    records.TopicDefinition

	mu        sync.Mutex
	rc        store.RefContext
	retained  *Message
	ref       store.Handle
	refOrder  uint64
	staleRefs []topicRef
}

type topicRef struct {
	ref store.Handle
	msg *Message
}

// Retained returns the retained Message of the Topic, or nil.
func (t *Topic) Retained() *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retained
}

// RemoteServer is a remote server definition, and the Queue of messages
// awaiting transmission to it.
type RemoteServer struct {
	Handle      store.Handle
	PropsHandle store.Handle
	Props       records.RemoteServerProperties
	Queue       *Queue
}

// BridgeQueueManager is a bridged queue manager.
type BridgeQueueManager struct {
	Handle store.Handle
	Def    records.BridgeQueueManager
}

// Unreleased is an unreleased message id of a client, held by a state
// object of the client's record.
type Unreleased struct {
	ID     uint32
	Handle store.Handle
	// Txn which is adding or removing the id, if any.
	Txn      *txn.Transaction
	Removing bool

	tor store.Handle // Operation reference of Txn, if written.
}
