package txn

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/store/memstore"
)

func TestCreateGlobalModes(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{}, Config{})
	var s1, s2 = NewSession("s1"), NewSession("s2")
	var xid = testXID("g1")

	var txn, err = m.CreateGlobal(s1, xid, CreateOptions{Mode: CreateNew}, nil)
	require.NoError(t, err)
	require.True(t, txn.Global())

	var tr = readTR(t, st, txn.Handle())
	require.True(t, tr.Global())
	require.Equal(t, xid, *tr.XID)
	require.Equal(t, records.TxnInFlight, tr.State)

	var expectErr = func(cause error, sess *Session, mode CreateMode) {
		var got, err = m.CreateGlobal(sess, xid, CreateOptions{Mode: mode}, nil)
		require.Nil(t, got)
		require.Equal(t, cause, errors.Cause(err))
	}
	expectErr(ErrAlreadyExists, s2, CreateNew)
	expectErr(ErrInUse, s2, CreateDefault)
	expectErr(ErrInvalidOperation, s1, ResumeExisting)

	// Suspended associations are resumable only by their session.
	require.NoError(t, m.EndAssociation(txn, s1, EndOptions{Suspend: true}))
	expectErr(ErrInvalidOperation, s2, ResumeExisting)
	expectErr(ErrInUse, s2, CreateDefault)

	got, err := m.CreateGlobal(s1, xid, CreateOptions{Mode: ResumeExisting}, nil)
	require.NoError(t, err)
	require.True(t, got == txn)

	// Detached transactions bound to a client are owned by it.
	require.Equal(t, ErrInUse, errors.Cause(m.EndAssociation(txn, s2, EndOptions{})))
	require.NoError(t, m.EndAssociation(txn, s1, EndOptions{}))
	_, ok := txn.Session()
	require.False(t, ok)

	require.NoError(t, m.BindClient(txn, "c1"))
	require.Equal(t, "c1", txn.Client())
	require.Equal(t, ErrInUse, errors.Cause(m.BindClient(txn, "c2")))
	expectErr(ErrInUse, s2, CreateDefault)
	require.NoError(t, m.BindClient(txn, ""))

	got, err = m.CreateGlobal(s2, xid, CreateOptions{}, nil)
	require.NoError(t, err)
	require.True(t, got == txn)
	sess, ok := txn.Session()
	require.True(t, ok)
	require.Equal(t, "s2", sess.ID)

	// Only the associated session may complete.
	require.Equal(t, ErrInUse, errors.Cause(m.Commit(txn, CommitOptions{Session: s1, OnePhase: true}, nil)))
	// An in-flight global transaction commits only in one phase.
	require.Equal(t, ErrInvalidOperation, errors.Cause(m.Commit(txn, CommitOptions{Session: s2}, nil)))
	require.NoError(t, m.Commit(txn, CommitOptions{Session: s2, OnePhase: true}, nil))

	require.Empty(t, m.GlobalTransactions())
	require.Empty(t, st.RecordsOfType(store.TypeTransaction))

	_, err = m.CreateGlobal(s1, xid, CreateOptions{Mode: ResumeExisting}, nil)
	require.Equal(t, ErrNotFound, errors.Cause(err))

	_, err = m.CreateGlobal(s1, records.XID{FormatID: 1}, CreateOptions{}, nil)
	require.Equal(t, ErrInvalidOperation, errors.Cause(err))
	_, err = m.CreateGlobal(s1, xid, CreateOptions{AsStoreTransaction: true}, nil)
	require.Equal(t, ErrInvalidOperation, errors.Cause(err))
}

func TestFailedAssociationMarksRollbackOnly(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{})
	var s1 = NewSession("s1")

	var txn, err = m.CreateGlobal(s1, testXID("g1"), CreateOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.EndAssociation(txn, s1, EndOptions{Fail: true}))
	require.True(t, txn.RollbackOnly())

	require.Equal(t, ErrRolledBack, m.Prepare(txn, nil))
	require.Equal(t, records.TxnNone, txn.State())
	require.Empty(t, m.GlobalTransactions())
}

func TestConcurrentCreateOfOneXIDHasOneWinner(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{AsyncCommits: true}, Config{})
	var xid = testXID("contended")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, exists int

	for i := 0; i != 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var _, err = m.CreateGlobal(NewSession(fmt.Sprint(i)), xid, CreateOptions{Mode: CreateNew}, nil)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Cause(err) == ErrAlreadyExists {
				exists++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Equal(t, 15, exists)
	require.Len(t, m.GlobalTransactions(), 1)
}

func TestCreateFailureUnwinds(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{
		FailCommit: func(int) error { return errors.New("no space") },
	}, Config{})

	var txn, err = m.CreateGlobal(NewSession("s"), testXID("g1"), CreateOptions{}, nil)
	require.Nil(t, txn)
	require.EqualError(t, errors.Cause(err), "no space")
	require.Empty(t, m.GlobalTransactions())
	require.Equal(t, 0, st.Len())

	txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.Nil(t, txn)
	require.Error(t, err)
}

func TestLookupAcquiresAndReleaseIsIdempotentPerReference(t *testing.T) {
	var m, _, fc = newTestManager(t, memstore.Options{}, Config{})
	var xid = testXID("g1")

	var txn, err = m.CreateGlobal(NewSession("s"), xid, CreateOptions{}, nil)
	require.NoError(t, err)
	e, err := txn.NewEntry("put", PhaseRollback, OperationFunc(func(*Replay) error { return nil }), 10)
	require.NoError(t, err)
	require.NoError(t, txn.Append(e))
	require.Equal(t, int32(1), txn.UseCount())

	got, err := m.Lookup(xid)
	require.NoError(t, err)
	require.True(t, got == txn)
	require.Equal(t, int32(2), txn.UseCount())
	m.Release(got)
	require.Equal(t, int32(1), txn.UseCount())

	require.NoError(t, m.Rollback(txn, RollbackOptions{}, nil))
	require.Equal(t, int32(0), txn.UseCount())
	require.Equal(t, 0, txn.PoolUsed())
	require.Equal(t, 0, txn.Len())
	require.Equal(t, 0, fc.count())

	_, err = m.Lookup(xid)
	require.Equal(t, ErrNotFound, errors.Cause(err))

	m.Release(txn) // Underflow.
	require.Equal(t, 1, fc.count())
}

func TestPrepareAndRecoverScan(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder
	var txns []*Transaction

	for _, id := range []string{"g3", "g1", "g2"} {
		var txn, err = m.CreateGlobal(NewSession(id), testXID(id), CreateOptions{}, nil)
		require.NoError(t, err)
		appendAll(t, txn, &rec, PhaseCommit|PhaseRollback, id)
		require.NoError(t, m.Prepare(txn, nil))
		txns = append(txns, txn)
	}
	// An in-flight transaction isn't in doubt.
	_, err := m.CreateGlobal(NewSession("g4"), testXID("g4"), CreateOptions{}, nil)
	require.NoError(t, err)

	var g3 = txns[0]
	require.Equal(t, records.TxnPrepared, g3.State())
	require.Equal(t, records.TxnPrepared, readTR(t, st, g3.Handle()).State)
	_, ok := g3.Session()
	require.False(t, ok)

	require.Equal(t, ErrInvalidOperation, errors.Cause(m.Prepare(g3, nil)))
	require.Equal(t, ErrInvalidOperation, errors.Cause(g3.Append(rec.entry("late", PhaseCommit))))

	var sess = NewSession("recover")
	_, err = m.XARecover(sess, RecoverFlags{}, 10)
	require.Equal(t, ErrInvalidOperation, errors.Cause(err))

	xids, err := m.XARecover(sess, RecoverFlags{Start: true}, 2)
	require.NoError(t, err)
	require.Equal(t, []records.XID{testXID("g1"), testXID("g2")}, xids)

	xids, err = m.XARecover(sess, RecoverFlags{}, 2)
	require.NoError(t, err)
	require.Equal(t, []records.XID{testXID("g3")}, xids)

	xids, err = m.XARecover(sess, RecoverFlags{End: true}, 2)
	require.NoError(t, err)
	require.Empty(t, xids)

	_, err = m.XARecover(sess, RecoverFlags{}, 2)
	require.Equal(t, ErrInvalidOperation, errors.Cause(err))

	// Prepared transactions complete in two phases, by either outcome.
	require.NoError(t, m.Commit(txns[1], CommitOptions{}, nil))
	require.NoError(t, m.Rollback(txns[2], RollbackOptions{}, nil))
	require.Equal(t, []string{"g1:commit", "g2:rollback"}, rec.take())

	xids, err = m.XARecover(sess, RecoverFlags{Start: true, End: true}, 10)
	require.NoError(t, err)
	require.Equal(t, []records.XID{testXID("g3")}, xids)
}

func TestRecoverScanGrowsBeyondChunk(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{})
	var expect []records.XID

	for i := 0; i != recoverChunk*2+5; i++ {
		var xid = testXID(fmt.Sprintf("g%03d", i))
		var txn, err = m.CreateGlobal(NewSession("s"), xid, CreateOptions{Volatile: true}, nil)
		require.NoError(t, err)
		require.NoError(t, m.Prepare(txn, nil))
		expect = append(expect, xid)
	}

	var xids, err = m.XARecover(NewSession("r"), RecoverFlags{Start: true}, 1000)
	require.NoError(t, err)
	require.Equal(t, expect, xids)
}

func TestHeuristicCompletionAndForget(t *testing.T) {
	var failures int
	var m, st, fc = newTestManager(t, memstore.Options{
		FailCreate: func(rec store.Record) error {
			if rec.Type != store.TypeTransaction {
				return nil
			} else if _, state := records.UnpackState(rec.State); records.TxnState(state) != records.TxnHeuristicRollback {
				return nil
			} else if failures++; failures <= 2 {
				return store.ErrGenerationFull
			}
			return nil
		},
	}, Config{})
	var rec recorder
	var xid = testXID("g1")

	var txn, err = m.CreateGlobal(NewSession("s"), xid, CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, allPhases, "e1")

	// Only prepared transactions complete heuristically.
	require.Equal(t, ErrInvalidOperation, errors.Cause(m.Complete(txn, HeuristicRollback, nil)))
	require.NoError(t, m.Prepare(txn, nil))

	var prior = txn.Handle()
	require.NoError(t, m.Complete(txn, HeuristicRollback, nil))
	require.Equal(t, 3, failures)
	require.Equal(t, 0, fc.count())

	require.Equal(t, records.TxnHeuristicRollback, txn.State())
	require.NotEqual(t, prior, txn.Handle())
	require.False(t, st.Exists(prior))

	var tr = readTR(t, st, txn.Handle())
	require.Equal(t, records.TxnHeuristicRollback, tr.State)
	require.Equal(t, xid, *tr.XID)
	require.Equal(t, []string{"e1:rollback", "e1:memory-rollback", "e1:post-rollback", "e1:cleanup"}, rec.take())

	xids, err := m.XARecover(NewSession("r"), RecoverFlags{Start: true, End: true}, 10)
	require.NoError(t, err)
	require.Equal(t, []records.XID{xid}, xids)

	require.Equal(t, ErrHeuristic, errors.Cause(m.Commit(txn, CommitOptions{}, nil)))
	require.Equal(t, ErrHeuristic, errors.Cause(m.Rollback(txn, RollbackOptions{}, nil)))

	var h = txn.Handle()
	require.NoError(t, m.Forget(xid))
	require.False(t, st.Exists(h))
	require.Empty(t, m.GlobalTransactions())
	require.Equal(t, ErrNotFound, errors.Cause(m.Forget(xid)))
}

func TestHeuristicCommitRetainsUntilForgotten(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder
	var xid = testXID("g1")

	var txn, err = m.CreateGlobal(NewSession("s"), xid, CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, commitSide, "e1")
	require.NoError(t, m.Prepare(txn, nil))

	require.Equal(t, ErrInvalidOperation, errors.Cause(m.Forget(xid)))
	require.NoError(t, m.Complete(txn, HeuristicCommit, nil))
	require.Equal(t, []string{"e1:commit", "e1:memory-commit", "e1:post-commit"}, rec.take())

	var summaries = m.GlobalTransactions()
	require.Len(t, summaries, 1)
	require.Equal(t, records.TxnHeuristicCommit, summaries[0].State)
	require.Equal(t, txn.Handle(), summaries[0].Handle)
	require.Equal(t, int32(1), txn.UseCount())

	// A commit of the outcome is accepted, and doesn't replay again.
	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.Empty(t, rec.take())
	require.Equal(t, records.TxnHeuristicCommit, txn.State())
	require.Equal(t, int32(1), txn.UseCount())
	require.Len(t, m.GlobalTransactions(), 1)

	// A rollback contradicts it.
	require.Equal(t, ErrHeuristic, errors.Cause(m.Rollback(txn, RollbackOptions{}, nil)))

	var h = txn.Handle()
	require.NoError(t, m.Forget(xid))
	require.False(t, st.Exists(h))
	require.Equal(t, int32(0), txn.UseCount())
}
