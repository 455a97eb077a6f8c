package txn

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/jobqueue"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
)

// completion is the kind of a Transaction completion.
type completion int

const (
	completeCommit completion = iota
	completeRollback
	completeHeuristicCommit
	completeHeuristicRollback
)

func (c completion) rollback() bool {
	return c == completeRollback || c == completeHeuristicRollback
}

func (c completion) heuristic() bool {
	return c == completeHeuristicCommit || c == completeHeuristicRollback
}

func (c completion) outcome() string {
	switch c {
	case completeCommit:
		return metrics.Commit
	case completeRollback:
		return metrics.Rollback
	}
	return metrics.Heuristic
}

type stepKind int

const (
	stepOpen stepKind = iota
	stepMark
	stepPhase
	stepStore
	stepLocksBegin
	stepLocksComplete
	stepJobDispatch
	stepFinish
)

type step struct {
	kind  stepKind
	phase Phase
}

var commitPlan = []step{
	{kind: stepOpen},
	{kind: stepMark},
	{kind: stepPhase, phase: PhaseCommit},
	{kind: stepStore},
	{kind: stepLocksBegin},
	{kind: stepPhase, phase: PhaseMemoryCommit},
	{kind: stepLocksComplete},
	{kind: stepPhase, phase: PhasePostCommit},
	{kind: stepPhase, phase: PhaseCleanup},
	{kind: stepJobDispatch},
	{kind: stepPhase, phase: PhaseJobCallback},
	{kind: stepFinish},
}

var rollbackPlan = []step{
	{kind: stepOpen},
	{kind: stepMark},
	{kind: stepPhase, phase: PhaseRollback},
	{kind: stepStore},
	{kind: stepLocksBegin},
	{kind: stepPhase, phase: PhaseMemoryRollback},
	{kind: stepLocksComplete},
	{kind: stepPhase, phase: PhasePostRollback},
	{kind: stepPhase, phase: PhaseCleanup},
	{kind: stepJobDispatch},
	{kind: stepPhase, phase: PhaseJobCallback},
	{kind: stepFinish},
}

// continuation is the replay state of a completing Transaction. It records
// the step of the completion plan, and the entries processed within that
// step, so that a replay suspended by an asynchronous completion resumes
// exactly where it left off.
type continuation struct {
	m    *Manager
	t    *Transaction
	kind completion
	plan []step

	pos       int // Current step of |plan|.
	processed int // Soft-log positions visited within the current step.
	pending   int // Store operations since the last stream commit.

	stream    store.Stream
	thread    jobqueue.ThreadID
	newHandle store.Handle // Recreated record of a heuristic completion.
	started   time.Time
	result    error
	done      func(error)
}

// CommitOptions of a commit.
type CommitOptions struct {
	// OnePhase permits commit of an in-flight global transaction.
	OnePhase bool
	// Session requesting the commit, if any.
	Session *Session
	// Thread is the job thread of the caller, or NoThread.
	Thread jobqueue.ThreadID
}

// RollbackOptions of a rollback.
type RollbackOptions struct {
	// Session requesting the rollback, if any.
	Session *Session
	// Thread is the job thread of the caller, or NoThread.
	Thread jobqueue.ThreadID
}

// Commit the Transaction. A rollback-only Transaction is instead rolled back,
// and Commit returns ErrRolledBack. The released Transaction may not be used
// once Commit completes. Commit of a heuristically committed global
// Transaction succeeds without further effect, and the Transaction is
// retained until forgotten.
func (m *Manager) Commit(t *Transaction, opts CommitOptions, done func(error)) error {
	return await(func(done func(error)) error { return m.commit(t, opts, done) }, done)
}

func (m *Manager) commit(t *Transaction, opts CommitOptions, done func(error)) error {
	if err := m.check(t); err != nil {
		return err
	} else if err = checkOwner(t, opts.Session); err != nil {
		return err
	} else if t.Global() && t.State() == records.TxnHeuristicCommit {
		return nil
	}
	if t.RollbackOnly() {
		if err := validateRollback(t); err != nil {
			return err
		}
		return m.start(t, completeRollback, ErrRolledBack, opts.Thread, done)
	}
	if err := validateCommit(t, opts.OnePhase); err != nil {
		return err
	}
	return m.start(t, completeCommit, nil, opts.Thread, done)
}

// Rollback the Transaction. The released Transaction may not be used once
// Rollback completes.
func (m *Manager) Rollback(t *Transaction, opts RollbackOptions, done func(error)) error {
	return await(func(done func(error)) error { return m.rollback(t, opts, done) }, done)
}

func (m *Manager) rollback(t *Transaction, opts RollbackOptions, done func(error)) error {
	if err := m.check(t); err != nil {
		return err
	} else if err = checkOwner(t, opts.Session); err != nil {
		return err
	} else if err = validateRollback(t); err != nil {
		return err
	}
	return m.start(t, completeRollback, nil, opts.Thread, done)
}

func checkOwner(t *Transaction, sess *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess != nil && t.session != nil && t.session != sess && !t.suspended {
		return errors.WithMessagef(ErrInUse, "%s is associated with session %q", t, t.session.ID)
	}
	return nil
}

func validateCommit(t *Transaction, onePhase bool) error {
	var state, global = t.State(), t.Global()

	switch {
	case state == records.TxnHeuristicRollback:
		return errors.WithMessagef(ErrHeuristic, "%s is %s", t, state)
	case state == records.TxnCommitOnly:
		return nil
	case global && state == records.TxnPrepared:
		return nil
	case state == records.TxnInFlight && (!global || onePhase):
		return nil
	}
	return errors.WithMessagef(ErrInvalidOperation, "cannot commit %s in state %s", t, state)
}

func validateRollback(t *Transaction) error {
	var state, global = t.State(), t.Global()

	switch {
	case state == records.TxnHeuristicCommit || state == records.TxnHeuristicRollback:
		return errors.WithMessagef(ErrHeuristic, "%s is %s", t, state)
	case state == records.TxnInFlight || state == records.TxnRollbackOnly:
		return nil
	case global && state == records.TxnPrepared:
		return nil
	}
	return errors.WithMessagef(ErrInvalidOperation, "cannot roll back %s in state %s", t, state)
}

// start the completion of |t|. Exactly one caller wins the transition of the
// completion stage and proceeds to replay.
func (m *Manager) start(t *Transaction, kind completion, result error, thread jobqueue.ThreadID, done func(error)) error {
	if !t.stage.CompareAndSwap(stageNone, stageStarted) {
		return errors.WithMessagef(ErrInUse, "completion of %s has already started", t)
	}
	var c = &continuation{
		m:       m,
		t:       t,
		kind:    kind,
		plan:    commitPlan,
		thread:  thread,
		started: time.Now(),
		result:  result,
		done:    done,
	}
	if kind.rollback() {
		c.plan = rollbackPlan
	}
	t.mu.Lock()
	t.cont = c
	t.mu.Unlock()

	if n := t.preResolve.Add(-1); n > 0 {
		// Replay begins upon the final ReleasePreResolve.
		return ErrAsyncPending
	} else if n < 0 {
		return m.fatal(errors.WithMessagef(ErrIntegrity, "%s pre-resolve count underflow", t))
	}
	return c.run()
}

// resume a suspended continuation, delivering its eventual result to |done|.
func (c *continuation) resume(err error) {
	metrics.TxnAsyncResumesTotal.Inc()

	if err == nil {
		err = c.run()
	}
	if err != ErrAsyncPending {
		c.done(err)
	}
}

// suspend the continuation until |op| resolves. A failure of |op| is an
// integrity violation.
func (c *continuation) suspend(op store.OpFuture) error {
	store.OnResolved(op, func(err error) {
		if err != nil {
			err = c.integrity(err, "store commit")
		}
		c.resume(err)
	})
	return ErrAsyncPending
}

func (c *continuation) integrity(err error, what string) error {
	return c.m.fatal(errors.WithMessagef(ErrIntegrity, "%s of %s failed: %s", what, c.t, err))
}

// abort a completion which failed before doing any work, restoring the
// Transaction such that completion may be retried.
func (c *continuation) abort(err error) error {
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	var t = c.t
	t.mu.Lock()
	t.cont = nil
	t.mu.Unlock()
	t.preResolve.Store(1)
	t.stage.Store(stageNone)
	return err
}

func (c *continuation) run() error {
	for c.pos < len(c.plan) {
		var s = c.plan[c.pos]

		switch s.kind {
		case stepOpen:
			var err error
			if c.stream, err = c.m.store.OpenStream(); err != nil {
				return c.abort(errors.WithMessagef(err, "opening stream of %s", c.t))
			}

		case stepMark:
			c.pos++
			if op, err := c.mark(); err != nil {
				return c.abort(err)
			} else if op != nil && !store.IsResolved(op) {
				return c.suspend(op)
			} else if op != nil {
				if err = op.Err(); err != nil {
					return c.abort(errors.WithMessagef(err, "marking %s", c.t))
				}
			}
			continue

		case stepPhase:
			if err := c.runPhase(s.phase); err != nil {
				return err
			}

		case stepStore:
			c.pos++
			if op, err := c.completeStore(); err != nil {
				return c.integrity(err, "store completion")
			} else if op != nil && !store.IsResolved(op) {
				return c.suspend(op)
			} else if op != nil {
				if err = op.Err(); err != nil {
					return c.integrity(err, "store commit")
				}
			}
			continue

		case stepLocksBegin:
			if c.m.cfg.Locks != nil {
				c.m.cfg.Locks.BeginRelease(c.t)
			}

		case stepLocksComplete:
			if c.m.cfg.Locks != nil {
				c.m.cfg.Locks.CompleteRelease(c.t)
			}

		case stepJobDispatch:
			c.pos++
			if c.dispatchJob() {
				return ErrAsyncPending
			}
			continue

		case stepFinish:
			c.pos++
			return c.finish()
		}
		c.pos++
		c.processed = 0
	}
	return c.result
}

// mark the transaction record COMMIT_ONLY or ROLLBACK_ONLY before the first
// store work of an incremental completion, so that recovery completes the
// transaction in the same direction.
func (c *continuation) mark() (store.OpFuture, error) {
	var t = c.t
	if !t.Incremental() || t.handle == store.NullHandle {
		return nil, nil
	}
	var state = records.TxnCommitOnly
	if c.kind.rollback() {
		state = records.TxnRollbackOnly
	}
	if t.State() == state {
		return nil, nil
	}
	var packed = records.PackState(records.Timestamp(c.m.cfg.Now()), uint32(state))
	if err := c.stream.UpdateRecord(t.handle, 0, packed, store.UpdateState); err != nil {
		return nil, errors.WithMessagef(err, "marking %s as %s", t, state)
	}
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	c.pending = 0
	metrics.TxnIncrementalStoreCommitsTotal.Inc()
	return c.stream.Commit(), nil
}

func (c *continuation) storePhase(phase Phase) bool {
	return phase == PhaseCommit || phase == PhaseRollback
}

// runPhase replays entries registered for |phase|, resuming after the
// |processed| positions already visited.
func (c *continuation) runPhase(phase Phase) error {
	var t = c.t
	var reverse = phase.reverse(c.kind.rollback())
	var incremental = t.Incremental()

	for {
		t.mu.Lock()
		if c.processed >= len(t.log.entries) {
			t.mu.Unlock()
			return nil
		}
		var e = t.log.at(c.processed, reverse)
		t.mu.Unlock()

		if e == nil || e.Phases&phase == 0 {
			c.processed++
			continue
		}

		var r = &Replay{Txn: t, Phase: phase, Entry: e, Thread: c.thread}
		if c.storePhase(phase) {
			var ops = e.CommitStoreOps
			if phase == PhaseRollback {
				ops = e.RollbackStoreOps
			}
			// Commit early, before this entry would take the stream beyond
			// the threshold. |processed| is not yet advanced, so the entry
			// is replayed upon resumption.
			if incremental && c.pending != 0 && c.pending+ops > c.m.threshold {
				c.pending = 0
				metrics.TxnIncrementalStoreCommitsTotal.Inc()

				var op = c.stream.Commit()
				if !store.IsResolved(op) {
					return c.suspend(op)
				} else if err := op.Err(); err != nil {
					return c.integrity(err, "incremental store commit")
				}
			}
			c.pending += ops
			r.Stream = c.stream
		}
		c.processed++

		if aop, ok := e.Op.(AsyncOperation); ok {
			var err = aop.ReplayAsync(r, func(err error) {
				if err != nil {
					err = c.integrity(err, e.String()+" "+phase.String())
				}
				c.resume(err)
			})
			if err == ErrAsyncPending {
				return err
			} else if err != nil {
				return c.integrity(err, e.String()+" "+phase.String())
			}
		} else if err := e.Op.Replay(r); err != nil {
			return c.integrity(err, e.String()+" "+phase.String())
		}
	}
}

// completeStore stages the Transaction's own store completion, and commits
// the stream. It returns a nil OpFuture if there was nothing to commit.
func (c *continuation) completeStore() (store.OpFuture, error) {
	var t = c.t
	if h := t.handle; h != store.NullHandle {
		if err := c.stream.DeleteRecord(h); err != nil {
			return nil, err
		}
		if c.kind.heuristic() {
			var err error
			if c.newHandle, err = c.recreate(); err != nil {
				return nil, err
			}
		}
	}
	if c.stream.Pending() == 0 {
		return nil, nil
	}
	c.pending = 0
	return c.stream.Commit(), nil
}

// recreate the transaction record of a heuristically completed transaction,
// in its heuristic state, such that it remains discoverable by XA recovery.
// Deletion of the prior record removes its operation references. The
// record must exist somewhere, so a full generation is retried.
func (c *continuation) recreate() (store.Handle, error) {
	var state = records.TxnHeuristicCommit
	if c.kind == completeHeuristicRollback {
		state = records.TxnHeuristicRollback
	}
	var tr = records.Transaction{
		State:     state,
		Timestamp: records.Timestamp(c.m.cfg.Now()),
		Flags:     records.TxnFlagGlobal,
		XID:       c.t.xid,
	}
	for attempt := 0; ; attempt++ {
		var h, err = c.stream.CreateRecord(tr.Record())
		if errors.Cause(err) != store.ErrGenerationFull {
			return h, err
		}
		log.WithFields(log.Fields{
			"txn":     c.t.String(),
			"attempt": attempt,
		}).Warn("store generation full while recreating heuristic transaction record (will retry)")
		time.Sleep(backoff(attempt))
	}
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return 0
	case 2, 3, 4:
		return 10 * time.Millisecond
	default:
		return time.Second
	}
}

// dispatchJob submits the remaining job-callback phase to the Transaction's
// job thread, returning true if it was queued. It's otherwise run inline.
func (c *continuation) dispatchJob() bool {
	var t = c.t
	t.mu.Lock()
	var id, wants = t.jobThread, t.log.wants(PhaseJobCallback)
	t.mu.Unlock()

	c.processed = 0

	if !wants {
		return false
	} else if id == jobqueue.NoThread || id == c.thread || c.m.cfg.Jobs == nil {
		metrics.TxnJobsTotal.WithLabelValues("inline").Inc()
		return false
	}
	var err = c.m.cfg.Jobs.Submit(id, func() {
		c.thread = id
		c.resume(nil)
	})
	if err == nil {
		metrics.TxnJobsTotal.WithLabelValues("queued").Inc()
		return true
	}
	log.WithFields(log.Fields{
		"txn":    t.String(),
		"thread": id,
		"err":    err,
	}).Debug("running job callbacks inline")
	metrics.TxnJobsTotal.WithLabelValues("fallback").Inc()
	return false
}

func (c *continuation) finish() error {
	var t = c.t
	_ = c.stream.Close()
	c.stream = nil

	var rc store.RefContext
	t.mu.Lock()
	switch c.kind {
	case completeHeuristicCommit:
		t.state = records.TxnHeuristicCommit
	case completeHeuristicRollback:
		t.state = records.TxnHeuristicRollback
	default:
		t.state = records.TxnNone
	}
	if c.kind.heuristic() {
		rc, t.refCtx = t.refCtx, nil
		t.handle = c.newHandle
	}
	t.flags &^= FlagRehydrated
	t.cont = nil
	t.mu.Unlock()

	var kind = metrics.Local
	if t.xid != nil {
		kind = metrics.Global
	}
	var outcome = c.kind.outcome()
	if c.result == ErrRolledBack {
		outcome = metrics.RolledBack
	}
	metrics.TxnCompletedTotal.WithLabelValues(kind, outcome).Inc()

	log.WithFields(log.Fields{
		"txn":     t.String(),
		"outcome": outcome,
		"dur":     time.Since(c.started),
	}).Debug("completed transaction")

	if c.kind.heuristic() {
		// Heuristic transactions retain their last reference until forgotten.
		if rc != nil {
			_ = c.m.store.CloseReferenceContext(rc)
		}
		if c.newHandle != store.NullHandle {
			var err error
			if rc, err = c.m.store.OpenReferenceContext(c.newHandle); err != nil {
				return errors.WithMessagef(err, "opening reference context of %s", t)
			}
			t.mu.Lock()
			t.refCtx = rc
			t.mu.Unlock()
		}
	} else {
		c.m.Release(t)
	}
	return c.result
}
