package broker

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/recovery"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// CompleteRecovery implements recovery.Collaborators. It orders recovered
// queue messages, releases stale retained messages, and removes remote
// server definitions of a prior identity of this server.
func (b *Broker) CompleteRecovery() error {
	for _, q := range b.allQueues() {
		q.reconcile()
	}

	b.mu.Lock()
	var topics = make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	var remotes = make([]*RemoteServer, 0, len(b.remotes))
	for _, rs := range b.remotes {
		remotes = append(remotes, rs)
	}
	var srv = b.server
	b.mu.Unlock()

	for _, t := range topics {
		if err := b.releaseStale(t); err != nil {
			return err
		}
	}
	for _, rs := range remotes {
		if srv == nil || !rs.Props.Local || rs.Props.UID == srv.Config.UID {
			continue
		} else if rs.Queue.inTransaction() {
			continue
		}
		var err = b.write(nil, func(st store.Stream) error {
			if err := rs.Queue.purge(st); err != nil {
				return err
			} else if err = st.DeleteRecord(rs.PropsHandle); err != nil {
				return err
			}
			return st.DeleteRecord(rs.Handle)
		})
		if err != nil {
			return errors.WithMessagef(err, "deleting stale remote server %q", rs.Props.Name)
		}
		unregister(b, b.remotes, rs.Props.Name, rs.Handle)

		log.WithFields(log.Fields{"name": rs.Props.Name, "uid": rs.Props.UID, "server": srv.Config.UID}).
			Info("removed remote server of a prior server identity")
	}
	return nil
}

func (b *Broker) releaseStale(t *Topic) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.staleRefs) == 0 {
		return nil
	}
	var err = b.write(nil, func(st store.Stream) error {
		for _, s := range t.staleRefs {
			if err := t.release(st, s.ref, s.msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "releasing stale retained messages of topic %q", t.Def.Topic)
	}
	t.staleRefs = nil
	return nil
}

// StartMessaging implements recovery.Collaborators. Recovered transactions
// have completed: it drops deleted and temporary queues, non-durable
// subscriptions and clients, and migrates legacy subscription properties.
func (b *Broker) StartMessaging() error {
	for _, q := range b.standaloneQueues() {
		if q.Props.Flags&(records.QueueDeleted|records.QueueTemporary) == 0 {
			continue
		} else if err := b.DeleteQueue(q.Name); errors.Cause(err) == ErrNotAvailable {
			log.WithField("queue", q.Name).Warn("retaining deleted queue having messages in transaction")
		} else if err != nil {
			return err
		}
	}

	b.mu.Lock()
	var subs = make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	var clients = make([]*ClientState, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		var err error
		if !sub.Durable() {
			err = b.dropSubscription(sub)
		} else if sub.Props.NeedsMigration() {
			err = b.migrate(sub)
		}
		if err != nil {
			return err
		}
	}
	for _, c := range clients {
		if c.Durable() {
			continue
		} else if err := b.dropClient(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) dropSubscription(sub *Subscription) error {
	if sub.Queue.inTransaction() {
		return nil
	}
	var err = b.write(nil, func(st store.Stream) error {
		if err := sub.Queue.purge(st); err != nil {
			return err
		} else if err = st.DeleteRecord(sub.PropsHandle); err != nil {
			return err
		}
		return st.DeleteRecord(sub.Handle)
	})
	if err != nil {
		return errors.WithMessagef(err, "dropping %s", sub)
	}
	unregister(b, b.subs, sub.Props.Name, sub.Handle)
	return nil
}

func (b *Broker) dropClient(c *ClientState) error {
	if c.Deliveries.inTransaction() {
		return nil
	}
	var err = b.write(nil, func(st store.Stream) error {
		if err := c.Deliveries.purge(st); err != nil {
			return err
		} else if w := c.Props.WillMessage; w != store.NullHandle {
			if err = st.DeleteRecord(w); err != nil {
				return err
			}
		}
		if err := st.DeleteRecord(c.PropsHandle); err != nil {
			return err
		}
		return st.DeleteRecord(c.Handle)
	})
	if err != nil {
		return errors.WithMessagef(err, "dropping %s", c)
	}
	unregister(b, b.clients, c.State.ClientID, c.Handle)
	return nil
}

func (b *Broker) allQueues() []*Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Queue
	for _, q := range b.queues {
		out = append(out, q)
	}
	for _, s := range b.subs {
		out = append(out, s.Queue)
	}
	for _, rs := range b.remotes {
		out = append(out, rs.Queue)
	}
	for _, c := range b.clients {
		out = append(out, c.Deliveries)
	}
	return out
}

func (b *Broker) standaloneQueues() []*Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Queue
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

// migrate re-writes the legacy properties of |sub| at the current version,
// within a transaction. The new record is noted in the State of the
// subscription definition until the transaction commits.
func (b *Broker) migrate(sub *Subscription) error {
	var t, err = b.txns.CreateLocal(b.sess, txn.CreateOptions{}, nil)
	if err != nil {
		return errors.WithMessagef(err, "migrating %s", sub)
	}
	var op = &migrateOp{sub: sub, from: sub.PropsHandle}

	if err = b.appendMigration(t, op); err == nil {
		err = b.write(nil, func(st store.Stream) (err error) {
			if op.to, err = st.CreateRecord(sub.Props.Record()); err != nil {
				return err
			} else if err = st.UpdateRecord(sub.Handle, 0, uint64(op.to), store.UpdateState); err != nil {
				return err
			}
			_, err = t.AddOperationReference(st, records.TORSubDefMigration, sub.Handle)
			return err
		})
	}
	if err != nil {
		t.MarkRollbackOnly()
		if rbErr := b.txns.Rollback(t, txn.RollbackOptions{}, nil); rbErr != nil {
			log.WithField("err", rbErr).Warn("failed to roll back subscription migration")
		}
		return errors.WithMessagef(err, "migrating %s", sub)
	}
	sub.mu.Lock()
	sub.migrating = op.to
	sub.mu.Unlock()

	if err = b.txns.Commit(t, txn.CommitOptions{}, nil); err != nil {
		return errors.WithMessagef(err, "committing migration of %s", sub)
	}
	log.WithFields(log.Fields{"subscription": sub.Props.Name, "from": op.from, "to": op.to}).
		Info("migrated subscription properties")
	return nil
}

// joinMigration joins |sub| to the recovered migration Membership |m|.
func (b *Broker) joinMigration(sub *Subscription, m *recovery.Membership) error {
	sub.mu.Lock()
	var to = sub.migrating
	sub.mu.Unlock()

	if to == store.NullHandle {
		return errors.WithMessagef(ErrUnexpectedMember, "%s of %s, which isn't migrating", m.Kind, sub)
	}
	return b.appendMigration(m.Txn, &migrateOp{sub: sub, from: sub.PropsHandle, to: to})
}

func (b *Broker) appendMigration(t *txn.Transaction, op *migrateOp) error {
	var e, err = t.NewEntry(EntryMigrate,
		txn.PhaseCommit|txn.PhaseMemoryCommit|txn.PhaseRollback|txn.PhaseMemoryRollback, op, 0)
	if err != nil {
		return err
	}
	e.CommitStoreOps, e.RollbackStoreOps = 2, 2
	return t.Append(e)
}

type migrateOp struct {
	sub      *Subscription
	from, to store.Handle
}

func (op *migrateOp) Replay(r *txn.Replay) error {
	var sub = op.sub

	switch r.Phase {
	case txn.PhaseCommit:
		if err := r.Stream.UpdateRecord(sub.Handle, uint64(op.to), 0,
			store.UpdateAttribute|store.UpdateState); err != nil {
			return err
		}
		return r.Stream.DeleteRecord(op.from)
	case txn.PhaseRollback:
		if op.to == store.NullHandle {
			return nil
		} else if err := r.Stream.UpdateRecord(sub.Handle, 0, 0, store.UpdateState); err != nil {
			return err
		}
		return r.Stream.DeleteRecord(op.to)
	case txn.PhaseMemoryCommit:
		sub.mu.Lock()
		sub.PropsHandle, sub.Def.Properties = op.to, op.to
		sub.Props.Version = records.SubscriptionPropertiesVersion
		sub.migrating = store.NullHandle
		sub.mu.Unlock()
	case txn.PhaseMemoryRollback:
		sub.mu.Lock()
		sub.migrating = store.NullHandle
		sub.mu.Unlock()
	}
	return nil
}
