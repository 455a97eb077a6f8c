package broker

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/recovery"
	"go.gazette.dev/txnengine/store"
)

var _ recovery.Collaborators = (*Broker)(nil)

// Rehydrate implements recovery.Collaborators.
func (b *Broker) Rehydrate(item *recovery.Item) error {
	if item.PairMember != nil {
		return errors.WithMessagef(ErrUnexpectedMember, "%s of %s", item.PairMember.Kind, item.PairHandle)
	} else if m := item.Member; m != nil && !(item.Record.Type == store.TypeSubscriptionDefinition &&
		m.Kind == records.TORSubDefMigration) {
		return errors.WithMessagef(ErrUnexpectedMember, "%s of %s", m.Kind, item.Handle)
	}

	switch item.Record.Type {
	case store.TypeServer:
		return b.rehydrateServer(item)
	case store.TypeClientState:
		return b.rehydrateClient(item)
	case store.TypeSubscriptionDefinition:
		return b.rehydrateSubscription(item)
	case store.TypeRemoteServerDefinition:
		return b.rehydrateRemoteServer(item)
	case store.TypeTopicDefinition:
		return b.rehydrateTopic(item)
	case store.TypeQueueDefinition:
		return b.rehydrateQueue(item)
	case store.TypeBridgeQueueManager:
		return b.rehydrateBridge(item)
	}
	return errors.WithMessagef(records.ErrCorruptRecord, "unexpected %s record", item.Record.Type)
}

func (b *Broker) rehydrateServer(item *recovery.Item) error {
	var cfg, err = records.DecodeServerConfig(item.Record)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		return errors.WithMessagef(ErrExists, "server record %s (have %s)", item.Handle, b.server.Handle)
	}
	b.server = &Server{Handle: item.Handle, Config: *cfg}
	return nil
}

func (b *Broker) rehydrateClient(item *recovery.Item) error {
	var cs, err = records.DecodeClientState(item.Record)
	if err != nil {
		return err
	}
	props, err := records.DecodeClientProperties(item.Pair)
	if err != nil {
		return err
	}
	_, err = b.addClient(item.Handle, *cs, *props)
	return err
}

func (b *Broker) rehydrateSubscription(item *recovery.Item) error {
	var def, err = records.DecodeSubscriptionDefinition(item.Record)
	if err != nil {
		return err
	}
	props, err := records.DecodeSubscriptionProperties(item.Pair)
	if err != nil {
		return err
	}
	sub, err := b.addSubscription(item.Handle, *def, *props, store.Handle(item.Record.State))
	if err != nil {
		return err
	} else if item.Member != nil {
		return b.joinMigration(sub, item.Member)
	}
	return nil
}

func (b *Broker) rehydrateRemoteServer(item *recovery.Item) error {
	if _, err := records.DecodeRemoteServerDefinition(item.Record); err != nil {
		return err
	}
	var props, err = records.DecodeRemoteServerProperties(item.Pair)
	if err != nil {
		return err
	}
	_, err = b.addRemoteServer(item.Handle, item.PairHandle, *props)
	return err
}

func (b *Broker) rehydrateTopic(item *recovery.Item) error {
	var def, err = records.DecodeTopicDefinition(item.Record)
	if err != nil {
		return err
	}
	_, err = b.addTopic(item.Handle, *def)
	return err
}

func (b *Broker) rehydrateQueue(item *recovery.Item) error {
	var def, err = records.DecodeQueueDefinition(item.Record)
	if err != nil {
		return err
	}
	props, err := records.DecodeQueueProperties(item.Pair)
	if err != nil {
		return err
	}
	_, err = b.addQueue(item.Handle, *def, *props)
	return err
}

func (b *Broker) rehydrateBridge(item *recovery.Item) error {
	var def, err = records.DecodeBridgeQueueManager(item.Record)
	if err != nil {
		return err
	}
	var bqm = &BridgeQueueManager{Handle: item.Handle, Def: *def}
	return register(b, b.bridges, def.Name, item.Handle, bqm)
}

// RehydrateReference implements recovery.Collaborators.
func (b *Broker) RehydrateReference(item *recovery.RefItem) error {
	var msg = item.Message.(*Message)

	if item.OwnerType == store.TypeTopicDefinition {
		if item.Member != nil {
			return errors.WithMessagef(ErrUnexpectedMember, "%s of %s", item.Member.Kind, item.Handle)
		}
		var obj, err = b.object(item.Owner)
		if err != nil {
			return err
		}
		obj.(*Topic).rehydrate(item.Handle, item.Ref.OrderID, msg)
		return nil
	}

	var q, err = b.queueOf(item.Owner)
	if err != nil {
		return err
	}
	var qm = q.rehydrate(item.Handle, item.Ref.OrderID, msg)

	if m := item.Member; m != nil {
		return q.join(qm, m.Txn, m.Kind)
	}
	return nil
}

// rehydrate a retained message reference. Of multiple references, the
// latest is retained and the others are released by CompleteRecovery.
func (t *Topic) rehydrate(ref store.Handle, orderID uint64, msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg.refs.Add(1)

	if t.retained == nil || orderID > t.refOrder {
		if t.retained != nil {
			t.staleRefs = append(t.staleRefs, topicRef{ref: t.ref, msg: t.retained})
		}
		t.retained, t.ref, t.refOrder = msg, ref, orderID
	} else {
		t.staleRefs = append(t.staleRefs, topicRef{ref: ref, msg: msg})
	}
}

// RehydrateState implements recovery.Collaborators.
func (b *Broker) RehydrateState(item *recovery.StateItem) error {
	var obj, err = b.object(item.Owner)
	if err != nil {
		return err
	}
	var c, ok = obj.(*ClientState)
	if !ok {
		return errors.WithMessagef(ErrNotFound, "client of state object %s", item.Handle)
	}
	if m := item.Member; m != nil {
		return c.rehydrateState(item.Handle, item.Object, m.Txn, m.Kind)
	}
	return c.rehydrateState(item.Handle, item.Object, nil, records.TORNone)
}

// ResolveMembership implements recovery.Collaborators.
func (b *Broker) ResolveMembership(late *recovery.LateMember) error {
	switch late.Member.Kind {
	case records.TORConsumeMessage:
		var q, err = b.queueOf(late.Owner)
		if err != nil {
			return err
		}
		qm, err := q.byReference(late.Child)
		if err != nil {
			return err
		}
		return q.join(qm, late.Member.Txn, late.Member.Kind)

	case records.TORSubDefMigration:
		var obj, err = b.object(late.Child)
		if err != nil {
			return err
		}
		var sub, ok = obj.(*Subscription)
		if !ok {
			return errors.WithMessagef(ErrNotFound, "subscription of %s", late.Child)
		}
		return b.joinMigration(sub, late.Member)
	}
	return errors.WithMessagef(ErrUnexpectedMember, "%s of %s", late.Member.Kind, late.Child)
}

// NewMessage implements recovery.Collaborators.
func (b *Broker) NewMessage(h store.Handle, rec store.Record) (recovery.Message, error) {
	var msg, err = records.DecodeMessage(rec)
	if err != nil {
		return nil, err
	}
	return &Message{Handle: h, Record: msg}, nil
}

// NewOfflineMessage implements recovery.Collaborators.
func (b *Broker) NewOfflineMessage(h store.Handle) recovery.Message {
	return &Message{Handle: h, Offline: true}
}

// LoadMessage implements recovery.Collaborators.
func (b *Broker) LoadMessage(m recovery.Message, rec store.Record) error {
	var msg = m.(*Message)

	var out, err = records.DecodeMessage(rec)
	if err != nil {
		return err
	}
	msg.Record, msg.Offline = out, false

	log.WithField("message", msg.Handle).Debug("loaded offline message")
	return nil
}
