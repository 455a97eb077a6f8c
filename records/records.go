// Package records defines the persisted formats of broker store records.
//
// Each record body begins with a four byte eyecatcher and a version. Decoders
// accept every prior version of a format and migrate it forward to the current
// one, filling fields which didn't yet exist with their defaults. Small fields
// which are updated in place (the record Attribute and State) are carried
// outside of the body, by the store.Record itself.
package records

import (
	"time"

	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/store"
)

// ErrCorruptRecord is returned (wrapped) by decoders of malformed records.
var ErrCorruptRecord = errors.New("corrupt record")

// Eyecatchers of record bodies.
const (
	EyeServerConfig           = "SCR "
	EyeClientState            = "CSR "
	EyeClientProperties       = "CPR "
	EyeQueueDefinition        = "QDR "
	EyeQueueProperties        = "QPR "
	EyeTopicDefinition        = "TDR "
	EyeSubscriptionDefinition = "SDR "
	EyeSubscriptionProperties = "SPR "
	EyeTransaction            = "TR  "
	EyeMessage                = "MDR "
	EyeBridgeQueueManager     = "BMR "
	EyeRemoteServerDefinition = "RDR "
	EyeRemoteServerProperties = "RPR "
)

// PackState composes a record State from a timestamp (upper 32 bits) and a
// type-specific value (lower 32 bits).
func PackState(timestamp uint32, value uint32) uint64 {
	return uint64(timestamp)<<32 | uint64(value)
}

// UnpackState is the inverse of PackState.
func UnpackState(state uint64) (timestamp uint32, value uint32) {
	return uint32(state >> 32), uint32(state)
}

// Timestamp returns the seconds-resolution timestamp stored in record states.
func Timestamp(t time.Time) uint32 { return uint32(t.Unix()) }

func checkType(rec store.Record, typ store.RecordType) error {
	if rec.Type != typ {
		return wrapCorrupt("expected record type %s, got %s", typ, rec.Type)
	} else if len(rec.Frags) == 0 {
		return wrapCorrupt("%s record has no fragments", typ)
	}
	return nil
}

// ServerConfig is the server configuration record.
type ServerConfig struct {
	Timestamp uint32 // Carried in the upper 32 bits of the record State.
	Name      string
	UID       string
}

// Record encodes the ServerConfig.
func (r ServerConfig) Record() store.Record {
	var e = newEncoder(EyeServerConfig, 1)
	e.str(r.Name)
	e.str(r.UID)
	return store.Record{Type: store.TypeServer, State: PackState(r.Timestamp, 0), Frags: [][]byte{e.b}}
}

// DecodeServerConfig decodes a ServerConfig record.
func DecodeServerConfig(rec store.Record) (*ServerConfig, error) {
	if err := checkType(rec, store.TypeServer); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeServerConfig, 1)
	var out = &ServerConfig{Name: d.str(), UID: d.str()}
	out.Timestamp, _ = UnpackState(rec.State)
	return out, d.err
}

// ClientState is the durable client-state record (CSR). Its record Attribute
// is the Handle of the paired ClientProperties record.
type ClientState struct {
	ClientID   string
	ProtocolID uint32 // Added in version 2.
	Properties store.Handle
}

// Record encodes the ClientState.
func (r ClientState) Record() store.Record {
	var e = newEncoder(EyeClientState, 2)
	e.str(r.ClientID)
	e.u32(r.ProtocolID)
	return store.Record{Type: store.TypeClientState, Attribute: uint64(r.Properties), Frags: [][]byte{e.b}}
}

// DecodeClientState decodes a ClientState record.
func DecodeClientState(rec store.Record) (*ClientState, error) {
	if err := checkType(rec, store.TypeClientState); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeClientState, 2)
	var out = &ClientState{ClientID: d.str(), Properties: store.Handle(rec.Attribute)}
	if d.version >= 2 {
		out.ProtocolID = d.u32()
	}
	return out, d.err
}

// Client property flags.
const (
	ClientDurable uint32 = 1 << iota
	ClientHasWill
)

// ClientProperties is the client-properties record (CPR). Its record Attribute
// doubles as the Handle of the client's will-message record, if any.
type ClientProperties struct {
	Flags          uint32
	UserID         string
	ExpiryInterval uint32
	WillDelay      uint32 // Added in version 2.
	WillMessage    store.Handle
}

// Record encodes the ClientProperties.
func (r ClientProperties) Record() store.Record {
	var e = newEncoder(EyeClientProperties, 2)
	e.u32(r.Flags)
	e.str(r.UserID)
	e.u32(r.ExpiryInterval)
	e.u32(r.WillDelay)
	return store.Record{Type: store.TypeClientProperties, Attribute: uint64(r.WillMessage), Frags: [][]byte{e.b}}
}

// DecodeClientProperties decodes a ClientProperties record.
func DecodeClientProperties(rec store.Record) (*ClientProperties, error) {
	if err := checkType(rec, store.TypeClientProperties); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeClientProperties, 2)
	var out = &ClientProperties{
		Flags:          d.u32(),
		UserID:         d.str(),
		ExpiryInterval: d.u32(),
		WillMessage:    store.Handle(rec.Attribute),
	}
	if d.version >= 2 {
		out.WillDelay = d.u32()
	}
	return out, d.err
}

// QueueType enumerates queue implementations.
type QueueType uint32

const (
	QueueSimple QueueType = iota + 1
	QueueIntermediate
	QueueMultiConsumer
)

// QueueDefinition is the queue-definition record (QDR). Its record Attribute
// is the Handle of the paired QueueProperties record.
type QueueDefinition struct {
	Type       QueueType
	Properties store.Handle
}

// Record encodes the QueueDefinition.
func (r QueueDefinition) Record() store.Record {
	var e = newEncoder(EyeQueueDefinition, 1)
	e.u32(uint32(r.Type))
	return store.Record{Type: store.TypeQueueDefinition, Attribute: uint64(r.Properties), Frags: [][]byte{e.b}}
}

// DecodeQueueDefinition decodes a QueueDefinition record.
func DecodeQueueDefinition(rec store.Record) (*QueueDefinition, error) {
	if err := checkType(rec, store.TypeQueueDefinition); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeQueueDefinition, 1)
	var out = &QueueDefinition{Type: QueueType(d.u32()), Properties: store.Handle(rec.Attribute)}
	if d.err == nil && (out.Type < QueueSimple || out.Type > QueueMultiConsumer) {
		return nil, wrapCorrupt("invalid queue type %d", out.Type)
	}
	return out, d.err
}

// QueueProperties is the queue-properties record (QPR).
type QueueProperties struct {
	Name        string
	MaxMessages uint64
	Flags       uint32 // Added in version 2.
}

// Queue property flags.
const (
	QueueDeleted uint32 = 1 << iota
	QueueTemporary
)

// Record encodes the QueueProperties.
func (r QueueProperties) Record() store.Record {
	var e = newEncoder(EyeQueueProperties, 2)
	e.str(r.Name)
	e.u64(r.MaxMessages)
	e.u32(r.Flags)
	return store.Record{Type: store.TypeQueueProperties, Frags: [][]byte{e.b}}
}

// DecodeQueueProperties decodes a QueueProperties record.
func DecodeQueueProperties(rec store.Record) (*QueueProperties, error) {
	if err := checkType(rec, store.TypeQueueProperties); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeQueueProperties, 2)
	var out = &QueueProperties{Name: d.str(), MaxMessages: d.u64()}
	if d.version >= 2 {
		out.Flags = d.u32()
	}
	return out, d.err
}

// TopicDefinition is the topic-definition record (TDR).
type TopicDefinition struct {
	Topic string
}

// Record encodes the TopicDefinition.
func (r TopicDefinition) Record() store.Record {
	var e = newEncoder(EyeTopicDefinition, 1)
	e.str(r.Topic)
	return store.Record{Type: store.TypeTopicDefinition, Frags: [][]byte{e.b}}
}

// DecodeTopicDefinition decodes a TopicDefinition record.
func DecodeTopicDefinition(rec store.Record) (*TopicDefinition, error) {
	if err := checkType(rec, store.TypeTopicDefinition); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeTopicDefinition, 1)
	return &TopicDefinition{Topic: d.str()}, d.err
}

// SubscriptionDefinition is the subscription-definition record (SDR). Its
// record Attribute is the Handle of the paired SubscriptionProperties record.
type SubscriptionDefinition struct {
	QueueType  QueueType
	Properties store.Handle
}

// Record encodes the SubscriptionDefinition.
func (r SubscriptionDefinition) Record() store.Record {
	var e = newEncoder(EyeSubscriptionDefinition, 1)
	e.u32(uint32(r.QueueType))
	return store.Record{Type: store.TypeSubscriptionDefinition, Attribute: uint64(r.Properties), Frags: [][]byte{e.b}}
}

// DecodeSubscriptionDefinition decodes a SubscriptionDefinition record.
func DecodeSubscriptionDefinition(rec store.Record) (*SubscriptionDefinition, error) {
	if err := checkType(rec, store.TypeSubscriptionDefinition); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeSubscriptionDefinition, 1)
	return &SubscriptionDefinition{
		QueueType:  QueueType(d.u32()),
		Properties: store.Handle(rec.Attribute),
	}, d.err
}

// BridgeQueueManager is the bridge-queue-manager record (BMR).
type BridgeQueueManager struct {
	Name string
}

// Record encodes the BridgeQueueManager.
func (r BridgeQueueManager) Record() store.Record {
	var e = newEncoder(EyeBridgeQueueManager, 1)
	e.str(r.Name)
	return store.Record{Type: store.TypeBridgeQueueManager, Frags: [][]byte{e.b}}
}

// DecodeBridgeQueueManager decodes a BridgeQueueManager record.
func DecodeBridgeQueueManager(rec store.Record) (*BridgeQueueManager, error) {
	if err := checkType(rec, store.TypeBridgeQueueManager); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeBridgeQueueManager, 1)
	return &BridgeQueueManager{Name: d.str()}, d.err
}

// RemoteServerDefinition is the remote-server-definition record (RDR). Its
// record Attribute is the Handle of the paired RemoteServerProperties record.
type RemoteServerDefinition struct {
	Properties store.Handle
}

// Record encodes the RemoteServerDefinition.
func (r RemoteServerDefinition) Record() store.Record {
	var e = newEncoder(EyeRemoteServerDefinition, 1)
	return store.Record{Type: store.TypeRemoteServerDefinition, Attribute: uint64(r.Properties), Frags: [][]byte{e.b}}
}

// DecodeRemoteServerDefinition decodes a RemoteServerDefinition record.
func DecodeRemoteServerDefinition(rec store.Record) (*RemoteServerDefinition, error) {
	if err := checkType(rec, store.TypeRemoteServerDefinition); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeRemoteServerDefinition, 1)
	return &RemoteServerDefinition{Properties: store.Handle(rec.Attribute)}, d.err
}

// RemoteServerProperties is the remote-server-properties record (RPR).
type RemoteServerProperties struct {
	Name  string
	UID   string
	Local bool
}

// Record encodes the RemoteServerProperties.
func (r RemoteServerProperties) Record() store.Record {
	var e = newEncoder(EyeRemoteServerProperties, 1)
	e.str(r.Name)
	e.str(r.UID)
	e.bool(r.Local)
	return store.Record{Type: store.TypeRemoteServerProperties, Frags: [][]byte{e.b}}
}

// DecodeRemoteServerProperties decodes a RemoteServerProperties record.
func DecodeRemoteServerProperties(rec store.Record) (*RemoteServerProperties, error) {
	if err := checkType(rec, store.TypeRemoteServerProperties); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeRemoteServerProperties, 1)
	return &RemoteServerProperties{Name: d.str(), UID: d.str(), Local: d.bool()}, d.err
}
