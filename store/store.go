// Package store defines the contract of the persistent store consumed by the
// transaction manager and the recovery engine. The store holds fixed-format
// records, references from owner records to children, and small non-generational
// state objects. Records are appended to generations, which recovery replays in
// ascending order.
//
// Mutations are buffered on a Stream and made durable by Stream.Commit, which
// may complete asynchronously.
package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by Store implementations.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrWouldBlock     = errors.New("store: operation would block")
	ErrNoMoreEntries  = errors.New("store: no more entries")
	ErrBufferTooSmall = errors.New("store: buffer too small")
	ErrGenerationFull = errors.New("store: generation full")
	ErrStoreClosed    = errors.New("store: closed")
)

// GenerationID identifies an append-only segment of the store.
// Generation zero is never used.
type GenerationID uint16

// Handle addresses a record, reference, or state object of the store. Its upper
// 16 bits are the GenerationID holding the entry, and its lower 48 bits are an
// offset within that generation.
type Handle uint64

// NullHandle is the zero-valued, invalid Handle.
const NullHandle Handle = 0

const offsetBits = 48

// MakeHandle composes a Handle from a GenerationID and offset.
func MakeHandle(gen GenerationID, offset uint64) Handle {
	return Handle(uint64(gen)<<offsetBits | offset&(1<<offsetBits-1))
}

// Generation of the Handle.
func (h Handle) Generation() GenerationID { return GenerationID(h >> offsetBits) }

// Offset of the Handle within its Generation.
func (h Handle) Offset() uint64 { return uint64(h) & (1<<offsetBits - 1) }

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Generation(), h.Offset())
}

// CompareHandles orders Handles by generation, and then by offset.
// It returns -1, 0, or 1.
func CompareHandles(a, b Handle) int {
	switch {
	case a.Generation() < b.Generation():
		return -1
	case a.Generation() > b.Generation():
		return 1
	case a.Offset() < b.Offset():
		return -1
	case a.Offset() > b.Offset():
		return 1
	default:
		return 0
	}
}

// RecordType is the type tag of a store Record.
type RecordType uint32

// Record types known to the engine.
const (
	TypeNone RecordType = iota
	TypeServer
	TypeClientState
	TypeClientProperties
	TypeQueueDefinition
	TypeQueueProperties
	TypeTopicDefinition
	TypeSubscriptionDefinition
	TypeSubscriptionProperties
	TypeTransaction
	TypeMessage
	TypeBridgeQueueManager
	TypeRemoteServerDefinition
	TypeRemoteServerProperties
)

var recordTypeNames = map[RecordType]string{
	TypeNone:                   "none",
	TypeServer:                 "server",
	TypeClientState:            "client-state",
	TypeClientProperties:       "client-properties",
	TypeQueueDefinition:        "queue-definition",
	TypeQueueProperties:        "queue-properties",
	TypeTopicDefinition:        "topic-definition",
	TypeSubscriptionDefinition: "subscription-definition",
	TypeSubscriptionProperties: "subscription-properties",
	TypeTransaction:            "transaction",
	TypeMessage:                "message",
	TypeBridgeQueueManager:     "bridge-queue-manager",
	TypeRemoteServerDefinition: "remote-server-definition",
	TypeRemoteServerProperties: "remote-server-properties",
}

func (t RecordType) String() string {
	if s, ok := recordTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RecordType(%d)", uint32(t))
}

// Record is a persisted record. Frags are the type-specific body fragments,
// which are opaque to the store. Attribute and State are small fixed fields
// which may be updated in place.
type Record struct {
	Type      RecordType
	Attribute uint64
	State     uint64
	Frags     [][]byte
}

// Size is the total byte length of the Record's fragments.
func (r Record) Size() int {
	var n int
	for _, f := range r.Frags {
		n += len(f)
	}
	return n
}

// Reference links an owner record to a Child. OrderID orders the references
// of an owner. Value and State are interpreted by the owner's type.
type Reference struct {
	OrderID uint64
	Child   Handle
	Value   uint32
	State   uint8
}

// StateObject is a small non-generational datum owned by a record.
type StateObject struct {
	Value uint32
	Data  uint64
}

// UpdateFlags select the fields modified by Stream.UpdateRecord.
type UpdateFlags uint8

const (
	UpdateAttribute UpdateFlags = 1 << iota
	UpdateState
)

// RefContext is a per-owner context through which references of the owner
// are created and deleted.
type RefContext interface {
	Owner() Handle
}

// Stream buffers store mutations until they're committed or rolled back.
// A Stream is not safe for concurrent use.
type Stream interface {
	// CreateRecord creates a Record, returning its Handle.
	CreateRecord(Record) (Handle, error)
	// UpdateRecord updates the Attribute and/or State of the record.
	UpdateRecord(h Handle, attribute, state uint64, flags UpdateFlags) error
	// DeleteRecord deletes the record, and all references and state objects it owns.
	DeleteRecord(Handle) error
	// CreateReference creates a reference of the RefContext owner. References
	// having an OrderID less than |minActiveOrderID| may be reclaimed by the store.
	CreateReference(rc RefContext, ref Reference, minActiveOrderID uint64) (Handle, error)
	// DeleteReference deletes a reference of the RefContext owner.
	DeleteReference(rc RefContext, refHandle Handle, orderID uint64) error
	// UpdateReference updates the State of a reference.
	UpdateReference(rc RefContext, refHandle Handle, orderID uint64, state uint8) error
	// CreateState creates a StateObject owned by |owner|.
	CreateState(owner Handle, obj StateObject) (Handle, error)
	// DeleteState deletes a StateObject.
	DeleteState(Handle) error
	// Reserve ensures resources for at least |ops| further operations.
	Reserve(ops int) error
	// Pending returns the number of uncommitted operations of the Stream.
	Pending() int
	// Commit makes pending operations durable. The returned OpFuture may
	// already be resolved, in which case the commit was synchronous.
	Commit() OpFuture
	// Rollback discards pending operations.
	Rollback() error
	// Close the Stream, rolling back pending operations.
	Close() error
}

// GenerationIterator iterates over generations of the store in ascending order.
type GenerationIterator interface {
	Next() (GenerationID, error)
}

// RecordIterator iterates over records of a type within a generation.
type RecordIterator interface {
	Next() (Handle, Record, error)
}

// ReferenceIterator iterates over references of an owner within a generation.
type ReferenceIterator interface {
	Next() (Handle, Reference, error)
}

// StateIterator iterates over state objects of an owner.
type StateIterator interface {
	Next() (Handle, StateObject, error)
}

// Store is the persistent store consumed by the engine.
type Store interface {
	// ReadRecord reads the record at Handle. If the record's generation
	// is not resident and |allowBlock| is false, ErrWouldBlock is returned.
	ReadRecord(h Handle, allowBlock bool) (Record, error)
	// ReadReferenceInfo returns the owner, owner type, and OrderID of a reference.
	// If the reference's generation is not resident and |allowBlock| is false,
	// ErrWouldBlock is returned.
	ReadReferenceInfo(refHandle Handle, allowBlock bool) (owner Handle, ownerType RecordType, orderID uint64, err error)
	// CompareHandles orders two Handles of this store.
	CompareHandles(a, b Handle) int
	// GenerationOf returns the GenerationID holding the Handle.
	GenerationOf(Handle) GenerationID

	// Generations iterates over store generations in ascending order.
	Generations() GenerationIterator
	// Records iterates over records of |typ| within generation |gen|.
	Records(typ RecordType, gen GenerationID) RecordIterator
	// References iterates over references of |owner| held in generation |gen|.
	References(owner Handle, gen GenerationID) ReferenceIterator
	// StateObjects iterates over state objects of |owner|.
	StateObjects(owner Handle) StateIterator

	// OpenStream opens a new Stream.
	OpenStream() (Stream, error)
	// OpenReferenceContext opens a RefContext for |owner|.
	OpenReferenceContext(owner Handle) (RefContext, error)
	// CloseReferenceContext releases a RefContext.
	CloseReferenceContext(RefContext) error

	// ReservableOpsPerTransaction is the number of operations the store
	// guarantees it can commit within a single Stream commit.
	ReservableOpsPerTransaction() int
	// RecoveryCompleted signals that recovery has finished reading the store.
	RecoveryCompleted() error
}
