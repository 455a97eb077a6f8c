// Package recovery rebuilds broker state from the store at restart.
//
// A Context scans store generations in ascending order. Within each
// generation it reads records and references by a fixed sequence of steps,
// handing each to its Collaborators for rehydration. Transactions are read
// first, and the membership of each later record in a rehydrated
// transaction is attached to the record as it's read. Reads which would
// block on a non-resident generation are deferred and resolved once the
// scan completes. Recovery then completes rehydrated transactions, and
// finally transitions the broker into messaging.
package recovery

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/rectable"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/txn"
)

// Errors returned by Context.
var (
	ErrPhase        = errors.New("recovery: invalid phase")
	ErrInconsistent = errors.New("recovery: inconsistent store")
)

// TolerateEnv is an environment variable which, when set to a boolean,
// overrides whether recovery tolerates inconsistencies in the store.
const TolerateEnv = "TXNENGINE_TOLERATE_RECOVERY_INCONSISTENCIES"

// Phase of the broker's startup.
type Phase int32

const (
	PhaseRecovery Phase = iota
	PhaseCompletingRecovery
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseRecovery:
		return "recovery"
	case PhaseCompletingRecovery:
		return "completing-recovery"
	case PhaseRunning:
		return "running"
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// Config of recovery.
type Config struct {
	PartialRecovery bool `long:"partial" env:"PARTIAL" description:"Discard inconsistent store records during recovery, rather than failing"`
}

// ResolvePartialRecovery returns whether recovery is partial, given its
// |configured| setting and the TolerateEnv override.
func ResolvePartialRecovery(configured bool) bool {
	var v, ok = os.LookupEnv(TolerateEnv)
	if !ok {
		return configured
	}
	var b, err = strconv.ParseBool(v)
	if err != nil {
		log.WithFields(log.Fields{"env": TolerateEnv, "value": v}).
			Warn("ignoring invalid recovery override")
		return configured
	}
	return b
}

// Stats of a completed recovery.
type Stats struct {
	Generations       int                  `yaml:"generations"`
	Records           int                  `yaml:"records"`
	References        int                  `yaml:"references"`
	StateObjects      int                  `yaml:"state_objects"`
	OfflineMessages   int                  `yaml:"offline_messages"`
	OfflineMembers    int                  `yaml:"offline_members"`
	UnresolvedMembers int                  `yaml:"unresolved_members"`
	Discarded         int                  `yaml:"discarded"`
	OrphanedMessages  int                  `yaml:"orphaned_messages"`
	Transactions      txn.RehydrationStats `yaml:"transactions"`
	Duration          time.Duration        `yaml:"duration"`
}

// corruption is an item which partial recovery discards.
type corruption struct {
	typ store.RecordType
	// owner of a discarded reference.
	owner     store.Handle
	reference bool
	state     bool
	// also is a paired record discarded with the item.
	also store.Handle
}

// Context of a recovery.
type Context struct {
	store  store.Store
	txns   *txn.Manager
	collab Collaborators
	cfg    Config

	phase   atomic.Int32
	started bool

	transactions *rectable.Table[*txn.Transaction]
	owners       map[store.RecordType]*rectable.Table[struct{}]
	members      *rectable.Table[*Membership]
	messages     *rectable.Table[Message]
	corrupt      *rectable.Table[corruption]

	offlineMessages offlineSet[Message]
	offlineMembers  offlineSet[*LateMember]

	firstErr error
	stats    Stats
}

// NewContext returns a Context which recovers |st| into |txns| and |collab|.
// Config.PartialRecovery is resolved against the TolerateEnv override.
func NewContext(st store.Store, txns *txn.Manager, collab Collaborators, cfg Config) *Context {
	cfg.PartialRecovery = ResolvePartialRecovery(cfg.PartialRecovery)

	var c = &Context{
		store:    st,
		txns:     txns,
		collab:   collab,
		cfg:      cfg,
		owners:   make(map[store.RecordType]*rectable.Table[struct{}]),
		members:  rectable.New[*Membership](rectable.Options{Capacity: rectable.TensOfThousands}),
		messages: rectable.New[Message](rectable.Options{Capacity: rectable.HundredsOfThousands, EmbeddedKey: true}),
		corrupt:  rectable.New[corruption](rectable.Options{Capacity: rectable.Hundreds}),
	}
	for _, d := range descriptors {
		if !d.owner {
			continue
		} else if d.typ == store.TypeTransaction {
			c.transactions = rectable.New[*txn.Transaction](rectable.Options{Capacity: d.capacity})
		} else {
			c.owners[d.typ] = rectable.New[struct{}](rectable.Options{Capacity: d.capacity})
		}
	}
	c.phase.Store(int32(PhaseRecovery))
	return c
}

// Phase returns the current Phase. It's safe for concurrent use.
func (c *Context) Phase() Phase { return Phase(c.phase.Load()) }

// Partial is true if recovery discards inconsistent items.
func (c *Context) Partial() bool { return c.cfg.PartialRecovery }

// PendingMembers returns the number of transaction memberships which have
// not been resolved to a recovered member.
func (c *Context) PendingMembers() int { return c.members.Len() }

// Recover the store. On return without error, the Context is in
// PhaseCompletingRecovery and rehydrated transactions have been completed.
// An error is a critical failure of recovery: the broker must not proceed
// to messaging.
func (c *Context) Recover(ctx context.Context) (Stats, error) {
	if c.started || c.Phase() != PhaseRecovery {
		return c.stats, errors.WithMessagef(ErrPhase, "recover from phase %s", c.Phase())
	}
	c.started = true
	var start = time.Now()

	var err = c.recover(ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"err":     err,
			"records": c.stats.Records,
			"partial": c.cfg.PartialRecovery,
		}).Error("CRITICAL: recovery failed")
		return c.stats, err
	}
	c.stats.Duration = time.Since(start)
	metrics.RecoveryDurationSeconds.Set(c.stats.Duration.Seconds())

	var fields = log.Fields{
		"generations": c.stats.Generations,
		"records":     humanize.Comma(int64(c.stats.Records)),
		"references":  humanize.Comma(int64(c.stats.References)),
		"offline":     humanize.Comma(int64(c.stats.OfflineMessages + c.stats.OfflineMembers)),
		"committed":   c.stats.Transactions.Committed,
		"rolledBack":  c.stats.Transactions.RolledBack,
		"retained":    c.stats.Transactions.Retained,
		"dur":         c.stats.Duration,
	}
	if c.stats.Discarded != 0 {
		fields["firstErr"] = c.firstErr
		log.WithFields(fields).Warnf("recovery completed; %s inconsistent items discarded",
			humanize.Comma(int64(c.stats.Discarded)))
	} else {
		log.WithFields(fields).Info("recovery completed")
	}
	return c.stats, nil
}

func (c *Context) recover(ctx context.Context) error {
	var it = c.store.Generations()
	for {
		var gen, err = it.Next()
		if err == store.ErrNoMoreEntries {
			break
		} else if err != nil {
			return errors.WithMessage(err, "listing store generations")
		} else if err = ctx.Err(); err != nil {
			return err
		} else if err = c.recoverGeneration(gen); err != nil {
			return err
		}
	}
	if err := c.recoverStates(); err != nil {
		return err
	} else if err = c.resolveOffline(); err != nil {
		return err
	}

	if n := c.members.Len(); n != 0 {
		c.stats.UnresolvedMembers = n
		_ = c.members.Range(func(child store.Handle, m *Membership) error {
			log.WithFields(log.Fields{"child": child, "kind": m.Kind, "txn": m.Txn.String()}).
				Warn("transaction member was not recovered")
			return nil
		})
	}

	if err := c.discard(); err != nil {
		return err
	} else if err = c.store.RecoveryCompleted(); err != nil {
		return errors.WithMessage(err, "completing store recovery")
	}
	c.phase.Store(int32(PhaseCompletingRecovery))

	if err := c.collab.CompleteRecovery(); err != nil {
		return errors.WithMessage(err, "completing recovery")
	}
	var stats, err = c.txns.CompleteRehydration()
	c.stats.Transactions = stats
	if err != nil {
		return err
	}

	c.transactions.Destroy()
	for _, t := range c.owners {
		t.Destroy()
	}
	c.members.Destroy()
	c.corrupt.Destroy()
	return nil
}

// StartMessaging transitions from PhaseCompletingRecovery to PhaseRunning.
// Recovered messages are thereafter owned by the Collaborators alone.
func (c *Context) StartMessaging() error {
	if p := c.Phase(); p != PhaseCompletingRecovery {
		return errors.WithMessagef(ErrPhase, "start messaging from phase %s", p)
	}
	if err := c.collab.StartMessaging(); err != nil {
		return errors.WithMessage(err, "starting messaging")
	}
	c.messages.Destroy()
	c.phase.Store(int32(PhaseRunning))

	log.Info("messaging started")
	return nil
}

func (c *Context) recoverGeneration(gen store.GenerationID) error {
	var before = c.stats

	for _, d := range descriptors {
		var err error
		if !d.references {
			err = c.readRecords(d, gen)
		} else if d.typ == store.TypeTransaction {
			err = c.readTransactionReferences(gen)
		} else {
			err = c.owners[d.typ].Range(func(owner store.Handle, _ struct{}) error {
				return c.readReferences(d.typ, owner, gen)
			})
		}
		if err != nil {
			return err
		}
	}
	c.stats.Generations++
	metrics.RecoveryGenerationsTotal.Inc()

	log.WithFields(log.Fields{
		"gen":        gen,
		"records":    c.stats.Records - before.Records,
		"references": c.stats.References - before.References,
		"offline":    c.offlineMessages.len() + c.offlineMembers.len(),
	}).Info("recovered generation")
	return nil
}

// fail applies the recovery policy to an item which couldn't be recovered.
// Strict recovery returns |err|. Partial recovery records the item for
// discard, and continues.
func (c *Context) fail(h store.Handle, cor corruption, err error) error {
	if !c.cfg.PartialRecovery {
		return errors.WithMessagef(err, "recovering %s %s", cor.typ, h)
	}
	log.WithFields(log.Fields{
		"handle":    h,
		"type":      cor.typ,
		"reference": cor.reference,
		"err":       err,
	}).Warn("discarding inconsistent item")

	if c.firstErr == nil {
		c.firstErr = err
	}
	if err := c.corrupt.Put(h, cor); err != nil && err != rectable.ErrDuplicateKey {
		return err
	}
	return nil
}

// takeMember removes and returns the Membership of |h|, if any.
func (c *Context) takeMember(h store.Handle) *Membership {
	var m, ok = c.members.Get(h)
	if ok {
		c.members.Remove(h)
	}
	return m
}

func (c *Context) readRecords(d descriptor, gen store.GenerationID) error {
	var it = c.store.Records(d.typ, gen)
	for {
		var h, rec, err = it.Next()
		if err == store.ErrNoMoreEntries {
			return nil
		} else if err != nil {
			return errors.WithMessagef(err, "reading %s records of generation %d", d.typ, gen)
		}
		c.stats.Records++
		metrics.RecoveryRecordsTotal.WithLabelValues(d.typ.String()).Inc()

		var cor = corruption{typ: d.typ}
		if err = c.readRecord(d, h, rec, &cor); err != nil {
			if err = c.fail(h, cor, err); err != nil {
				return err
			}
		}
	}
}

func (c *Context) readRecord(d descriptor, h store.Handle, rec store.Record, cor *corruption) error {
	if d.typ == store.TypeTransaction {
		var tr, err = records.DecodeTransaction(rec)
		if err != nil {
			return err
		}
		t, err := c.txns.Rehydrate(h, tr)
		if err != nil {
			return err
		}
		return c.transactions.Put(h, t)
	}

	var item = &Item{Handle: h, Record: rec}
	if d.pair != store.TypeNone {
		item.PairHandle = store.Handle(rec.Attribute)
		if item.PairHandle == store.NullHandle {
			return errors.WithMessagef(records.ErrCorruptRecord, "%s has no %s", d.typ, d.pair)
		}
		cor.also = item.PairHandle

		var err error
		if item.Pair, err = c.store.ReadRecord(item.PairHandle, true); err != nil {
			return errors.WithMessagef(err, "reading %s %s", d.pair, item.PairHandle)
		} else if item.Pair.Type != d.pair {
			return errors.WithMessagef(records.ErrCorruptRecord, "%s is a %s, not a %s",
				item.PairHandle, item.Pair.Type, d.pair)
		}
		item.PairMember = c.takeMember(item.PairHandle)
	}
	item.Member = c.takeMember(h)

	if err := c.collab.Rehydrate(item); err != nil {
		return err
	}
	if d.owner {
		return c.owners[d.typ].Put(h, struct{}{})
	}
	return nil
}

func (c *Context) readTransactionReferences(gen store.GenerationID) error {
	return c.transactions.Range(func(owner store.Handle, t *txn.Transaction) error {
		var it = c.store.References(owner, gen)
		for {
			var h, ref, err = it.Next()
			if err == store.ErrNoMoreEntries {
				return nil
			} else if err != nil {
				return errors.WithMessagef(err, "reading references of %s", t)
			}
			c.stats.References++
			t.RestoreOrderID(ref.OrderID)

			err = c.readTransactionReference(gen, t, h, ref)
			if errors.Cause(err) == ErrInconsistent {
				return err // Never tolerated.
			} else if err != nil {
				var cor = corruption{typ: store.TypeTransaction, owner: owner, reference: true}
				if err = c.fail(h, cor, err); err != nil {
					return err
				}
			}
		}
	})
}

func (c *Context) readTransactionReference(gen store.GenerationID, t *txn.Transaction, h store.Handle, ref store.Reference) error {
	var m = &Membership{Txn: t, Kind: records.TOR(ref.Value), Ref: h, OrderID: ref.OrderID}
	if !m.Kind.Valid() {
		return errors.WithMessagef(records.ErrCorruptRecord, "%s has invalid operation kind %d", h, ref.Value)
	}
	var child = ref.Child

	// State objects have no generation, and are read after the scan.
	if child.Generation() == 0 || c.store.CompareHandles(child, store.MakeHandle(gen, 0)) >= 0 {
		var err = c.members.Put(child, m)
		if err == rectable.ErrDuplicateKey {
			err = errors.WithMessagef(ErrInconsistent, "%s is a member of multiple transactions", child)
		}
		return err
	}

	// |child| was read by the scan of an earlier generation.
	switch m.Kind {
	case records.TORConsumeMessage:
		var late = &LateMember{Child: child, Member: m}
		var owner, ownerType, _, err = c.store.ReadReferenceInfo(child, false)

		if errors.Cause(err) == store.ErrWouldBlock {
			c.offlineMembers.add(c.store.GenerationOf(child), late)
			c.stats.OfflineMembers++
			metrics.RecoveryOfflineTotal.WithLabelValues(metrics.Member).Inc()
			return nil
		} else if err != nil {
			return errors.WithMessagef(err, "reading consumed reference %s", child)
		}
		late.Owner, late.OwnerType = owner, ownerType
		return c.collab.ResolveMembership(late)

	case records.TORSubDefMigration:
		return c.collab.ResolveMembership(&LateMember{
			Child:     child,
			Owner:     child,
			OwnerType: store.TypeSubscriptionDefinition,
			Member:    m,
		})
	}
	return errors.WithMessagef(ErrInconsistent, "%s member %s of %s precedes its operation reference",
		m.Kind, child, t)
}

func (c *Context) readReferences(typ store.RecordType, owner store.Handle, gen store.GenerationID) error {
	var it = c.store.References(owner, gen)
	for {
		var h, ref, err = it.Next()
		if err == store.ErrNoMoreEntries {
			return nil
		} else if err != nil {
			return errors.WithMessagef(err, "reading references of %s %s", typ, owner)
		}
		c.stats.References++

		var item = &RefItem{Owner: owner, OwnerType: typ, Handle: h, Ref: ref}
		if item.Message, err = c.message(ref.Child); err == nil {
			item.Member = c.takeMember(h)
			err = c.collab.RehydrateReference(item)
		}
		if err != nil {
			var cor = corruption{typ: typ, owner: owner, reference: true}
			if err = c.fail(h, cor, err); err != nil {
				return err
			}
		}
	}
}

// message returns the Message of record |h|, reading it if it's not yet
// known. A message of a non-resident generation is returned as an offline
// stub, loaded after the scan.
func (c *Context) message(h store.Handle) (Message, error) {
	if msg, ok := c.messages.Get(h); ok {
		return msg, nil
	}
	var rec, err = c.store.ReadRecord(h, false)

	var msg Message
	if errors.Cause(err) == store.ErrWouldBlock {
		msg = c.collab.NewOfflineMessage(h)
		c.offlineMessages.add(c.store.GenerationOf(h), msg)
		c.stats.OfflineMessages++
		metrics.RecoveryOfflineTotal.WithLabelValues(metrics.Message).Inc()
	} else if err != nil {
		return nil, errors.WithMessagef(err, "reading message %s", h)
	} else if rec.Type != store.TypeMessage {
		return nil, errors.WithMessagef(records.ErrCorruptRecord, "%s is a %s, not a message", h, rec.Type)
	} else if msg, err = c.collab.NewMessage(h, rec); err != nil {
		return nil, err
	}
	if err = c.messages.Put(h, msg); err != nil {
		return nil, errors.WithMessagef(err, "tracking message %s", h)
	}
	return msg, nil
}

func (c *Context) recoverStates() error {
	return c.owners[store.TypeClientState].Range(func(owner store.Handle, _ struct{}) error {
		var it = c.store.StateObjects(owner)
		for {
			var h, obj, err = it.Next()
			if err == store.ErrNoMoreEntries {
				return nil
			} else if err != nil {
				return errors.WithMessagef(err, "reading state objects of %s", owner)
			}
			c.stats.StateObjects++

			var item = &StateItem{Owner: owner, Handle: h, Object: obj, Member: c.takeMember(h)}
			if err = c.collab.RehydrateState(item); err != nil {
				var cor = corruption{typ: store.TypeClientState, owner: owner, state: true}
				if err = c.fail(h, cor, err); err != nil {
					return err
				}
			}
		}
	})
}

// resolveOffline loads deferred messages and members in ascending
// generation order. Where both are deferred from a generation, its members
// are resolved first.
func (c *Context) resolveOffline() error {
	for {
		var mg, okMsg = c.offlineMessages.peek()
		var tg, okMem = c.offlineMembers.peek()

		var err error
		switch {
		case !okMsg && !okMem:
			return nil
		case okMem && (!okMsg || tg <= mg):
			err = c.loadOfflineMembers(c.offlineMembers.pop())
		default:
			err = c.loadOfflineMessages(c.offlineMessages.pop())
		}
		if err != nil {
			return err
		}
	}
}

// readOffline invokes |fn| with each item of |g|. The first read of each
// bucket may block while the generation loads. Later reads don't, unless
// the generation was evicted in the meantime.
func readOffline[T any](g *offlineGeneration[T], fn func(item T, allowBlock bool) error) error {
	for _, bucket := range g.buckets {
		for i, item := range bucket {
			var err = fn(item, i == 0)
			if errors.Cause(err) == store.ErrWouldBlock {
				err = fn(item, true)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Context) loadOfflineMessages(g *offlineGeneration[Message]) error {
	return readOffline(g, func(msg Message, allowBlock bool) error {
		var h = msg.Key()
		var rec, err = c.store.ReadRecord(h, allowBlock)

		if errors.Cause(err) == store.ErrWouldBlock {
			return err
		} else if err == nil && rec.Type != store.TypeMessage {
			err = errors.WithMessagef(records.ErrCorruptRecord, "%s is a %s, not a message", h, rec.Type)
		} else if err == nil {
			err = c.collab.LoadMessage(msg, rec)
		}
		if err != nil {
			return c.fail(h, corruption{typ: store.TypeMessage}, err)
		}
		return nil
	})
}

func (c *Context) loadOfflineMembers(g *offlineGeneration[*LateMember]) error {
	return readOffline(g, func(late *LateMember, allowBlock bool) error {
		var owner, ownerType, _, err = c.store.ReadReferenceInfo(late.Child, allowBlock)

		if errors.Cause(err) == store.ErrWouldBlock {
			return err
		} else if err == nil {
			late.Owner, late.OwnerType = owner, ownerType
			err = c.collab.ResolveMembership(late)
		}
		if err != nil {
			var cor = corruption{typ: store.TypeTransaction, owner: late.Member.Txn.Handle(), reference: true}
			return c.fail(late.Member.Ref, cor, err)
		}
		return nil
	})
}

// discard deletes items which partial recovery couldn't recover.
func (c *Context) discard() error {
	if c.corrupt.Len() == 0 {
		return nil
	}
	var st, err = c.store.OpenStream()
	if err != nil {
		return errors.WithMessage(err, "opening discard stream")
	}
	defer st.Close()

	var limit = c.store.ReservableOpsPerTransaction()
	var flush = func() error {
		if err := st.Commit().Err(); err != nil {
			return errors.WithMessage(err, "committing discards")
		}
		return nil
	}

	var orphaned = make(map[store.Handle]struct{})

	err = c.corrupt.Range(func(h store.Handle, cor corruption) error {
		var orphans []store.Handle
		var err error
		switch {
		case cor.reference:
			var rc store.RefContext
			if rc, err = c.store.OpenReferenceContext(cor.owner); err == nil {
				err = st.DeleteReference(rc, h, 0)
				_ = c.store.CloseReferenceContext(rc)
			}
		case cor.state:
			err = st.DeleteState(h)
		default:
			if orphans, err = c.orphansOf(cor.typ, h, orphaned); err == nil {
				err = st.DeleteRecord(h)
			}
		}
		if err == nil && cor.also != store.NullHandle {
			err = st.DeleteRecord(cor.also)
		}
		for i := 0; err == nil && i != len(orphans); i++ {
			if st.Pending()+1 > limit {
				err = flush()
			}
			if err == nil {
				err = st.DeleteRecord(orphans[i])
			}
		}
		if err != nil && errors.Cause(err) != store.ErrNotFound {
			return errors.WithMessagef(err, "discarding %s %s", cor.typ, h)
		}
		c.stats.Discarded++
		c.stats.OrphanedMessages += len(orphans)

		if st.Pending()+2 > limit {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	} else if err = flush(); err != nil {
		return err
	}
	metrics.RecoveryDiscardedTotal.Add(float64(c.stats.Discarded))
	return nil
}

// orphansOf returns the message records referenced by discarded owner |h|
// of type |typ| which no recovered owner references. Returned messages are
// added to |orphaned|, and aren't returned again.
func (c *Context) orphansOf(typ store.RecordType, h store.Handle, orphaned map[store.Handle]struct{}) ([]store.Handle, error) {
	if typ == store.TypeTransaction {
		return nil, nil // Operation references are to other references.
	}
	var out []store.Handle
	var gens = c.store.Generations()
	for {
		var gen, err = gens.Next()
		if err == store.ErrNoMoreEntries {
			return out, nil
		} else if err != nil {
			return nil, errors.WithMessage(err, "listing store generations")
		}
		var it = c.store.References(h, gen)
		for {
			var _, ref, err = it.Next()
			if err == store.ErrNoMoreEntries {
				break
			} else if err != nil {
				return nil, errors.WithMessagef(err, "reading references of %s %s", typ, h)
			}
			if _, ok := c.messages.Get(ref.Child); ok {
				continue // Also referenced by a recovered owner.
			} else if _, ok = orphaned[ref.Child]; ok {
				continue
			}
			rec, err := c.store.ReadRecord(ref.Child, true)
			if errors.Cause(err) == store.ErrNotFound {
				continue
			} else if err != nil {
				return nil, errors.WithMessagef(err, "reading referenced record %s", ref.Child)
			} else if rec.Type != store.TypeMessage {
				continue
			}
			orphaned[ref.Child] = struct{}{}
			out = append(out, ref.Child)
		}
	}
}
