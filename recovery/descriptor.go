package recovery

import (
	"go.gazette.dev/txnengine/rectable"
	"go.gazette.dev/txnengine/store"
)

// descriptor is a step of the scan of a generation. A record step reads
// records of |typ|, taking each one's |pair| through its Attribute. A
// reference step reads references of every recovered owner of |typ|.
type descriptor struct {
	typ        store.RecordType
	references bool
	pair       store.RecordType
	// owner records are tracked in a table, for later reference steps.
	owner    bool
	capacity rectable.Capacity
}

// descriptors is the fixed order of a generation scan. Transactions and
// their references are read first, so that the memberships of every later
// record are known as it's rehydrated.
var descriptors = []descriptor{
	{typ: store.TypeTransaction, owner: true, capacity: rectable.Thousands},
	{typ: store.TypeTransaction, references: true},
	{typ: store.TypeServer},
	{typ: store.TypeClientState, pair: store.TypeClientProperties, owner: true, capacity: rectable.TensOfThousands},
	{typ: store.TypeSubscriptionDefinition, pair: store.TypeSubscriptionProperties, owner: true, capacity: rectable.Thousands},
	{typ: store.TypeSubscriptionDefinition, references: true},
	{typ: store.TypeRemoteServerDefinition, pair: store.TypeRemoteServerProperties, owner: true, capacity: rectable.Hundreds},
	{typ: store.TypeRemoteServerDefinition, references: true},
	{typ: store.TypeTopicDefinition, owner: true, capacity: rectable.Thousands},
	{typ: store.TypeTopicDefinition, references: true},
	{typ: store.TypeQueueDefinition, pair: store.TypeQueueProperties, owner: true, capacity: rectable.Thousands},
	{typ: store.TypeQueueDefinition, references: true},
	{typ: store.TypeClientState, references: true},
	{typ: store.TypeBridgeQueueManager},
}
