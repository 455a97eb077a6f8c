package recovery

import (
	"go.gazette.dev/txnengine/rectable"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// Membership is the participation of a store record, reference, or state
// object (the member) in a rehydrated transaction. It's recovered from a
// transaction-operation reference (TOR) of the transaction record.
type Membership struct {
	// Txn of the member.
	Txn *txn.Transaction
	// Kind of operation of the member.
	Kind records.TOR
	// Ref is the Handle of the TOR reference.
	Ref store.Handle
	// OrderID of the TOR reference.
	OrderID uint64
}

// Item is a record read by the generation scan, together with its paired
// record (if its type has one) and the transaction memberships of each.
type Item struct {
	Handle store.Handle
	Record store.Record
	Member *Membership

	PairHandle store.Handle
	Pair       store.Record
	PairMember *Membership
}

// RefItem is a reference of a recovered owner to a message.
type RefItem struct {
	Owner     store.Handle
	OwnerType store.RecordType
	Handle    store.Handle
	Ref       store.Reference
	Message   Message
	Member    *Membership
}

// StateItem is a state object of a recovered client.
type StateItem struct {
	Owner  store.Handle
	Handle store.Handle
	Object store.StateObject
	Member *Membership
}

// LateMember is a transaction member which was recovered by the scan of a
// generation earlier than that of its TOR reference. Owner and OwnerType
// are those of a member reference, or the member itself for a record.
type LateMember struct {
	Child     store.Handle
	Owner     store.Handle
	OwnerType store.RecordType
	Member    *Membership
}

// Message is a recovered message, or an offline stub of one which is loaded
// once the generation scan completes. Implementations embed rectable.Link,
// through which they're keyed by their record Handle.
type Message interface {
	rectable.Linked
	Key() store.Handle
}

// Collaborators rehydrate broker objects from recovered records, and
// reconcile them once the records have all been read.
type Collaborators interface {
	// Rehydrate the object of a record (and its pair).
	Rehydrate(*Item) error
	// RehydrateReference of an owner to a message.
	RehydrateReference(*RefItem) error
	// RehydrateState object of a client.
	RehydrateState(*StateItem) error
	// ResolveMembership of a member recovered before its transaction reference.
	ResolveMembership(*LateMember) error

	// NewMessage returns the Message of a record.
	NewMessage(store.Handle, store.Record) (Message, error)
	// NewOfflineMessage returns an offline stub of a message record.
	NewOfflineMessage(store.Handle) Message
	// LoadMessage loads an offline stub from its record.
	LoadMessage(Message, store.Record) error

	// CompleteRecovery reconciles rehydrated objects. It's called upon the
	// transition into PhaseCompletingRecovery, before rehydrated
	// transactions are completed.
	CompleteRecovery() error
	// StartMessaging is called upon the transition into PhaseRunning.
	StartMessaging() error
}
