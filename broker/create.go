package broker

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
)

// InitServer returns the Server, creating its record with a new UID if the
// Broker has none.
func (b *Broker) InitServer(name string) (*Server, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		return b.server, nil
	}
	var cfg = records.ServerConfig{
		Timestamp: records.Timestamp(time.Now()),
		Name:      name,
		UID:       uuid.New().String(),
	}
	var srv = &Server{Config: cfg}

	var err = b.write(nil, func(st store.Stream) (err error) {
		srv.Handle, err = st.CreateRecord(cfg.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating server record")
	}
	b.server = srv

	log.WithFields(log.Fields{"name": name, "uid": cfg.UID}).Info("initialized server")
	return srv, nil
}

// CreateQueue creates a standalone Queue.
func (b *Broker) CreateQueue(typ records.QueueType, props records.QueueProperties) (*Queue, error) {
	if _, err := b.Queue(props.Name); err == nil {
		return nil, errors.WithMessagef(ErrExists, "queue %q", props.Name)
	}
	var def = records.QueueDefinition{Type: typ}
	var h store.Handle

	var err = b.write(nil, func(st store.Stream) (err error) {
		if def.Properties, err = st.CreateRecord(props.Record()); err != nil {
			return err
		}
		h, err = st.CreateRecord(def.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating queue %q", props.Name)
	}
	return b.addQueue(h, def, props)
}

func (b *Broker) addQueue(h store.Handle, def records.QueueDefinition, props records.QueueProperties) (*Queue, error) {
	var q, err = newQueue(b, props.Name, h, store.TypeQueueDefinition)
	if err != nil {
		return nil, err
	}
	q.Def, q.Props, q.PropsHandle = def, props, def.Properties

	if err = register(b, b.queues, props.Name, h, q); err != nil {
		return nil, err
	}
	return q, nil
}

// DeleteQueue deletes the named Queue and its messages.
func (b *Broker) DeleteQueue(name string) error {
	var q, err = b.Queue(name)
	if err != nil {
		return err
	} else if q.inTransaction() {
		return errors.WithMessagef(ErrNotAvailable, "%s has messages in transaction", q)
	}
	if err = b.write(nil, func(st store.Stream) error {
		if err := q.purge(st); err != nil {
			return err
		} else if err = st.DeleteRecord(q.PropsHandle); err != nil {
			return err
		}
		return st.DeleteRecord(q.Owner)
	}); err != nil {
		return errors.WithMessagef(err, "deleting %s", q)
	}
	unregister(b, b.queues, name, q.Owner)
	return nil
}

// CreateClient creates the ClientState of a client.
func (b *Broker) CreateClient(id string, props records.ClientProperties) (*ClientState, error) {
	if _, err := b.Client(id); err == nil {
		return nil, errors.WithMessagef(ErrExists, "client %q", id)
	}
	var cs = records.ClientState{ClientID: id}
	var h store.Handle

	var err = b.write(nil, func(st store.Stream) (err error) {
		if cs.Properties, err = st.CreateRecord(props.Record()); err != nil {
			return err
		}
		h, err = st.CreateRecord(cs.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating client %q", id)
	}
	return b.addClient(h, cs, props)
}

func (b *Broker) addClient(h store.Handle, cs records.ClientState, props records.ClientProperties) (*ClientState, error) {
	var q, err = newQueue(b, cs.ClientID, h, store.TypeClientState)
	if err != nil {
		return nil, err
	}
	var c = &ClientState{
		b:           b,
		Handle:      h,
		PropsHandle: cs.Properties,
		State:       cs,
		Props:       props,
		Deliveries:  q,
		unreleased:  make(map[uint32]*Unreleased),
	}
	if err = register(b, b.clients, cs.ClientID, h, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateSubscription creates a Subscription, and its Queue.
func (b *Broker) CreateSubscription(typ records.QueueType, props records.SubscriptionProperties) (*Subscription, error) {
	if _, err := b.Subscription(props.Name); err == nil {
		return nil, errors.WithMessagef(ErrExists, "subscription %q", props.Name)
	}
	var def = records.SubscriptionDefinition{QueueType: typ}
	var h store.Handle

	var err = b.write(nil, func(st store.Stream) (err error) {
		if def.Properties, err = st.CreateRecord(props.Record()); err != nil {
			return err
		}
		h, err = st.CreateRecord(def.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating subscription %q", props.Name)
	}
	props.Version = records.SubscriptionPropertiesVersion
	return b.addSubscription(h, def, props, store.NullHandle)
}

func (b *Broker) addSubscription(h store.Handle, def records.SubscriptionDefinition,
	props records.SubscriptionProperties, migrating store.Handle) (*Subscription, error) {

	var q, err = newQueue(b, props.Name, h, store.TypeSubscriptionDefinition)
	if err != nil {
		return nil, err
	}
	var sub = &Subscription{
		Handle:      h,
		PropsHandle: def.Properties,
		Def:         def,
		Props:       props,
		Queue:       q,
		migrating:   migrating,
	}
	if err = register(b, b.subs, props.Name, h, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreateTopic creates a Topic.
func (b *Broker) CreateTopic(name string) (*Topic, error) {
	if _, err := b.Topic(name); err == nil {
		return nil, errors.WithMessagef(ErrExists, "topic %q", name)
	}
	var def = records.TopicDefinition{Topic: name}
	var h store.Handle

	var err = b.write(nil, func(st store.Stream) (err error) {
		h, err = st.CreateRecord(def.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating topic %q", name)
	}
	return b.addTopic(h, def)
}

func (b *Broker) addTopic(h store.Handle, def records.TopicDefinition) (*Topic, error) {
	var rc, err = b.store.OpenReferenceContext(h)
	if err != nil {
		return nil, err
	}
	var t = &Topic{Handle: h, Def: def, rc: rc}

	if err = register(b, b.topics, def.Topic, h, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetRetained replaces the retained message of the Topic with |rec|.
func (b *Broker) SetRetained(t *Topic, rec records.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var msg = &Message{Record: &rec}
	var ref store.Handle

	var err = b.write(nil, func(st store.Stream) (err error) {
		if msg.Handle, err = st.CreateRecord(rec.Record()); err != nil {
			return err
		}
		ref, err = st.CreateReference(t.rc, store.Reference{OrderID: t.refOrder + 1, Child: msg.Handle}, 0)
		if err != nil {
			return err
		} else if t.retained != nil {
			return t.release(st, t.ref, t.retained)
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "retaining message of topic %q", t.Def.Topic)
	}
	msg.refs.Store(1)
	t.retained, t.ref = msg, ref
	t.refOrder++
	return nil
}

// release must be called with |mu| held.
func (t *Topic) release(st store.Stream, ref store.Handle, msg *Message) error {
	if err := st.DeleteReference(t.rc, ref, 0); err != nil {
		return err
	} else if msg.refs.Add(-1) == 0 {
		return st.DeleteRecord(msg.Handle)
	}
	return nil
}

// CreateRemoteServer creates a RemoteServer, and its transmission Queue.
func (b *Broker) CreateRemoteServer(props records.RemoteServerProperties) (*RemoteServer, error) {
	if _, err := b.RemoteServer(props.Name); err == nil {
		return nil, errors.WithMessagef(ErrExists, "remote server %q", props.Name)
	}
	var def records.RemoteServerDefinition
	var h store.Handle

	var err = b.write(nil, func(st store.Stream) (err error) {
		if def.Properties, err = st.CreateRecord(props.Record()); err != nil {
			return err
		}
		h, err = st.CreateRecord(def.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating remote server %q", props.Name)
	}
	return b.addRemoteServer(h, def.Properties, props)
}

func (b *Broker) addRemoteServer(h, propsHandle store.Handle, props records.RemoteServerProperties) (*RemoteServer, error) {
	var q, err = newQueue(b, props.Name, h, store.TypeRemoteServerDefinition)
	if err != nil {
		return nil, err
	}
	var rs = &RemoteServer{Handle: h, PropsHandle: propsHandle, Props: props, Queue: q}

	if err = register(b, b.remotes, props.Name, h, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// CreateBridgeQueueManager creates a BridgeQueueManager.
func (b *Broker) CreateBridgeQueueManager(name string) (*BridgeQueueManager, error) {
	if _, err := b.BridgeQueueManager(name); err == nil {
		return nil, errors.WithMessagef(ErrExists, "bridge queue manager %q", name)
	}
	var def = records.BridgeQueueManager{Name: name}
	var bqm = &BridgeQueueManager{Def: def}

	var err = b.write(nil, func(st store.Stream) (err error) {
		bqm.Handle, err = st.CreateRecord(def.Record())
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating bridge queue manager %q", name)
	}
	if err = register(b, b.bridges, name, bqm.Handle, bqm); err != nil {
		return nil, err
	}
	return bqm, nil
}
