package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/jobqueue"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/store/memstore"
)

var testNames = []string{"e1", "e2", "e3", "e4", "e5"}

func appendAll(t *testing.T, txn *Transaction, rec *recorder, phases Phase, names ...string) {
	for _, n := range names {
		require.NoError(t, txn.Append(rec.entry(n, phases)))
	}
}

func TestCommitReplaysPhasesInAppendOrder(t *testing.T) {
	var m, st, fc = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	require.True(t, st.Exists(txn.Handle()))
	require.Equal(t, records.TxnInFlight, readTR(t, st, txn.Handle()).State)

	appendAll(t, txn, &rec, allPhases, testNames...)
	require.Equal(t, 5, txn.Len())

	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))

	var expect = phaseCalls([]Phase{PhaseCommit, PhaseMemoryCommit, PhasePostCommit, PhaseCleanup}, testNames...)
	require.Equal(t, expect, rec.take())
	require.False(t, st.Exists(txn.Handle()))
	require.Equal(t, records.TxnNone, txn.State())
	require.Equal(t, int32(0), txn.UseCount())
	require.Equal(t, 0, fc.count())
}

func TestRollbackReplaysPhasesInReverseOrder(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, allPhases, testNames...)

	require.NoError(t, m.Rollback(txn, RollbackOptions{}, nil))

	var rev = reversed(testNames...)
	var expect = phaseCalls([]Phase{PhaseRollback, PhaseMemoryRollback, PhasePostRollback, PhaseCleanup}, rev...)
	require.Equal(t, expect, rec.take())
	require.False(t, st.Exists(txn.Handle()))
}

func TestEntriesReplayOnlyRegisteredPhases(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{Volatile: true}, nil)
	require.NoError(t, err)
	require.Equal(t, store.NullHandle, txn.Handle())

	require.NoError(t, txn.Append(rec.entry("a", PhaseMemoryCommit)))
	require.NoError(t, txn.Append(rec.entry("b", PhaseRollback|PhaseCleanup)))
	require.NoError(t, txn.Append(rec.entry("c", PhaseCommit|PhasePostCommit)))

	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.Equal(t, []string{
		"c:commit",
		"a:memory-commit",
		"c:post-commit",
		"b:cleanup",
	}, rec.take())
}

func TestRollbackOnlyCommitIsRolledBack(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{})
	var direct, redirected recorder

	var t1, err = m.CreateLocal(NewSession("s1"), CreateOptions{}, nil)
	require.NoError(t, err)
	t2, err := m.CreateLocal(NewSession("s2"), CreateOptions{}, nil)
	require.NoError(t, err)

	appendAll(t, t1, &direct, allPhases, testNames...)
	appendAll(t, t2, &redirected, allPhases, testNames...)

	require.NoError(t, m.Rollback(t1, RollbackOptions{}, nil))

	t2.MarkRollbackOnly()
	require.Equal(t, ErrRolledBack, m.Commit(t2, CommitOptions{}, nil))

	require.Equal(t, direct.take(), redirected.take())
	require.Equal(t, records.TxnNone, t2.State())
}

// storeEntry creates |n| message records within the Commit phase.
func storeEntry(rec *recorder, name string, n int) *Entry {
	return &Entry{
		Kind:           "put",
		Phases:         PhaseCommit | PhaseMemoryCommit,
		CommitStoreOps: n,
		Op: OperationFunc(func(rp *Replay) error {
			rec.record(name, rp.Phase)
			if rp.Phase != PhaseCommit {
				return nil
			}
			for i := 0; i != n; i++ {
				if _, err := rp.Stream.CreateRecord(records.Message{Priority: 4}.Record()); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func TestIncrementalCommitSplitsStoreWork(t *testing.T) {
	var m, st, fc = newTestManager(t, memstore.Options{}, Config{IncrementalThreshold: 4})
	var rec recorder
	require.Equal(t, 4, m.IncrementalThreshold())

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)

	var observed records.TxnState
	require.NoError(t, txn.Append(&Entry{
		Kind:   "observe",
		Phases: PhaseCommit,
		Op: OperationFunc(func(rp *Replay) error {
			observed = readTR(t, st, rp.Txn.Handle()).State
			return nil
		}),
	}))
	for i, n := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		require.NoError(t, txn.Append(storeEntry(&rec, n, 2)))
		require.Equal(t, i >= 2, txn.Incremental())
	}
	require.Equal(t, 12, txn.StoreOps())

	var before = st.Commits()
	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))

	// Mark, two intermediate commits, and the final commit.
	require.Equal(t, 4, st.Commits()-before)
	require.Equal(t, records.TxnCommitOnly, observed)
	require.Len(t, st.RecordsOfType(store.TypeMessage), 12)
	require.Empty(t, st.RecordsOfType(store.TypeTransaction))
	require.Equal(t, 0, fc.count())

	var expect = phaseCalls([]Phase{PhaseCommit, PhaseMemoryCommit}, "p1", "p2", "p3", "p4", "p5", "p6")
	require.Equal(t, expect, rec.take())
}

func TestIncrementalRollbackMarksRollbackOnly(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{}, Config{IncrementalThreshold: 1})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)

	var observed records.TxnState
	require.NoError(t, txn.Append(&Entry{
		Kind:             "observe",
		Phases:           PhaseRollback,
		RollbackStoreOps: 2,
		Op: OperationFunc(func(rp *Replay) error {
			observed = readTR(t, st, rp.Txn.Handle()).State
			return nil
		}),
	}))
	require.True(t, txn.Incremental())

	require.NoError(t, m.Rollback(txn, RollbackOptions{}, nil))
	require.Equal(t, records.TxnRollbackOnly, observed)
	require.Empty(t, rec.take())
}

func TestStoreTransactionCommitsOnce(t *testing.T) {
	var m, st, _ = newTestManager(t, memstore.Options{}, Config{IncrementalThreshold: 4})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{AsStoreTransaction: true}, nil)
	require.NoError(t, err)
	require.Equal(t, store.NullHandle, txn.Handle())

	for _, n := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		require.NoError(t, txn.Append(storeEntry(&rec, n, 2)))
	}
	require.False(t, txn.Incremental())

	var before = st.Commits()
	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.Equal(t, 1, st.Commits()-before)
	require.Len(t, st.RecordsOfType(store.TypeMessage), 12)
}

func TestAsyncCommitsAndOperationsResumeWithoutRepeats(t *testing.T) {
	var m, st, fc = newTestManager(t, memstore.Options{AsyncCommits: true}, Config{IncrementalThreshold: 4})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	require.True(t, st.Exists(txn.Handle()))

	for _, n := range []string{"p1", "p2", "p3"} {
		require.NoError(t, txn.Append(storeEntry(&rec, n, 2)))
	}
	require.NoError(t, txn.Append(&Entry{
		Kind:   "async",
		Phases: PhaseCommit | PhasePostCommit,
		Op:     asyncOp{r: &rec, name: "a"},
	}))
	for _, n := range []string{"p4", "p5", "p6"} {
		require.NoError(t, txn.Append(storeEntry(&rec, n, 2)))
	}

	var doneCh = make(chan error, 1)
	require.Equal(t, ErrAsyncPending, m.Commit(txn, CommitOptions{}, func(err error) { doneCh <- err }))

	select {
	case err = <-doneCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("commit did not complete")
	}

	require.Equal(t, []string{
		"p1:commit", "p2:commit", "p3:commit", "a:commit", "p4:commit", "p5:commit", "p6:commit",
		"p1:memory-commit", "p2:memory-commit", "p3:memory-commit",
		"p4:memory-commit", "p5:memory-commit", "p6:memory-commit",
		"a:post-commit",
	}, rec.take())
	require.Len(t, st.RecordsOfType(store.TypeMessage), 12)
	require.False(t, st.Exists(txn.Handle()))
	require.Equal(t, 0, fc.count())
}

func TestPreResolveHoldDefersReplay(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, PhaseCommit, "e1")

	require.NoError(t, txn.HoldPreResolve())
	require.NoError(t, txn.HoldPreResolve())

	var doneCh = make(chan error, 1)
	require.Equal(t, ErrAsyncPending, m.Commit(txn, CommitOptions{}, func(err error) { doneCh <- err }))
	require.Empty(t, rec.take())

	// Entries may not be appended once completion has started.
	require.Equal(t, ErrInvalidOperation, errors.Cause(txn.Append(rec.entry("late", PhaseCommit))))

	txn.ReleasePreResolve()
	require.Empty(t, rec.take())

	txn.ReleasePreResolve() // Replay runs from this call.
	require.Equal(t, []string{"e1:commit"}, rec.take())
	require.NoError(t, <-doneCh)

	require.Equal(t, ErrInvalidOperation, errors.Cause(txn.HoldPreResolve()))
}

func TestCompletionHasSingleWinner(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, PhaseCommit|PhaseRollback, "e1")
	require.NoError(t, txn.HoldPreResolve())

	var doneCh = make(chan error, 1)
	require.Equal(t, ErrAsyncPending, m.Commit(txn, CommitOptions{}, func(err error) { doneCh <- err }))

	require.Equal(t, ErrInUse, errors.Cause(m.Commit(txn, CommitOptions{}, nil)))
	require.Equal(t, ErrInUse, errors.Cause(m.Rollback(txn, RollbackOptions{}, nil)))

	txn.ReleasePreResolve()
	require.NoError(t, <-doneCh)
	require.Equal(t, []string{"e1:commit"}, rec.take())
}

func TestConcurrentCompletionRacesHaveOneWinner(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{AsyncCommits: true}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, PhaseCommit|PhaseRollback, "e1")
	require.NoError(t, txn.HoldPreResolve())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var pending, inUse int

	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = m.Commit(txn, CommitOptions{}, func(error) {})
			} else {
				err = m.Rollback(txn, RollbackOptions{}, func(error) {})
			}
			mu.Lock()
			defer mu.Unlock()
			if err == ErrAsyncPending {
				pending++
			} else if errors.Cause(err) == ErrInUse {
				inUse++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, pending)
	require.Equal(t, 7, inUse)
}

func TestJobCallbacksRunOnJobThread(t *testing.T) {
	var jobs = jobqueue.New(jobqueue.Config{Threads: 2, Depth: 1})
	defer jobs.Stop(context.Background())

	var m, _, _ = newTestManager(t, memstore.Options{}, Config{Jobs: jobs})

	var observe = func(ch chan<- jobqueue.ThreadID) *Entry {
		return &Entry{
			Kind:   "job",
			Phases: PhaseJobCallback,
			Op: OperationFunc(func(rp *Replay) error {
				ch <- rp.Thread
				return nil
			}),
		}
	}

	// Queued to the transaction's job thread.
	var threadCh = make(chan jobqueue.ThreadID, 1)
	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{JobThread: jobs.Thread(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Append(observe(threadCh)))
	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.Equal(t, jobs.Thread(1), <-threadCh)

	// A caller already on the job thread runs it inline.
	txn, err = m.CreateLocal(NewSession("s"), CreateOptions{JobThread: jobs.Thread(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Append(observe(threadCh)))
	require.NoError(t, m.Commit(txn, CommitOptions{Thread: jobs.Thread(1)}, nil))
	require.Equal(t, jobs.Thread(1), <-threadCh)

	// A full queue falls back to inline execution.
	var started, release = make(chan struct{}), make(chan struct{})
	require.NoError(t, jobs.Submit(jobs.Thread(0), func() { close(started); <-release }))
	<-started
	require.NoError(t, jobs.Submit(jobs.Thread(0), func() {}))
	require.Equal(t, jobqueue.ErrQueueFull, jobs.Submit(jobs.Thread(0), func() {}))

	txn, err = m.CreateLocal(NewSession("s"), CreateOptions{JobThread: jobs.Thread(0)}, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Append(observe(threadCh)))
	require.NoError(t, m.Rollback(txn, RollbackOptions{}, nil))
	require.Equal(t, jobqueue.NoThread, <-threadCh)

	close(release)
}

type lockRecorder struct{ rec *recorder }

func (l lockRecorder) BeginRelease(*Transaction)    { l.rec.record("locks", 0) }
func (l lockRecorder) CompleteRelease(*Transaction) { l.rec.record("locks", PhaseCleanup) }

func TestLockReleaseStraddlesMemoryPhase(t *testing.T) {
	var rec recorder
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{Locks: lockRecorder{&rec}})

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, commitSide, "e1")

	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.Equal(t, []string{
		"e1:commit",
		"locks:none",
		"e1:memory-commit",
		"locks:cleanup",
		"e1:post-commit",
	}, rec.take())
}

func TestPoolReserveIsAvailableOnlyWhileCompleting(t *testing.T) {
	var m, _, _ = newTestManager(t, memstore.Options{}, Config{PoolSize: 300, PoolReserve: 200})

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)

	var allocErr = errors.New("not run")
	e, err := txn.NewEntry("alloc", PhaseCommit, OperationFunc(func(rp *Replay) error {
		allocErr = rp.Txn.Alloc(150)
		return nil
	}), 100)
	require.NoError(t, err)
	require.NoError(t, txn.Append(e))
	require.Equal(t, entryOverhead+100, txn.PoolUsed())

	_, err = txn.NewEntry("big", PhaseCommit, OperationFunc(func(*Replay) error { return nil }), 100)
	require.Equal(t, ErrAllocation, errors.Cause(err))
	require.Equal(t, ErrAllocation, errors.Cause(txn.Alloc(150)))

	require.NoError(t, m.Commit(txn, CommitOptions{}, nil))
	require.NoError(t, allocErr)
	require.Equal(t, 0, txn.PoolUsed())
}

func TestFailedFinalStoreCommitIsFatal(t *testing.T) {
	var m, _, fc = newTestManager(t, memstore.Options{
		FailCommit: func(n int) error {
			if n == 2 {
				return errors.New("disk on fire")
			}
			return nil
		},
	}, Config{})
	var rec recorder

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)
	appendAll(t, txn, &rec, commitSide, "e1")

	err = m.Commit(txn, CommitOptions{}, nil)
	require.Equal(t, ErrIntegrity, errors.Cause(err))
	require.Equal(t, 1, fc.count())
	require.Equal(t, []string{"e1:commit"}, rec.take())
}

func TestFailedReplayIsFatal(t *testing.T) {
	var m, _, fc = newTestManager(t, memstore.Options{}, Config{})

	var txn, err = m.CreateLocal(NewSession("s"), CreateOptions{Volatile: true}, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Append(&Entry{
		Kind:   "broken",
		Phases: PhaseMemoryRollback,
		Op:     OperationFunc(func(*Replay) error { return errors.New("whoops") }),
	}))

	require.Equal(t, ErrIntegrity, errors.Cause(m.Rollback(txn, RollbackOptions{}, nil)))
	require.Equal(t, 1, fc.count())
}

func TestCompletingForeignOrFreedTransactionIsFatal(t *testing.T) {
	var m1, _, fc1 = newTestManager(t, memstore.Options{}, Config{})
	var m2, _, fc2 = newTestManager(t, memstore.Options{}, Config{})

	var txn, err = m1.CreateLocal(NewSession("s"), CreateOptions{}, nil)
	require.NoError(t, err)

	require.Equal(t, ErrIntegrity, errors.Cause(m2.Commit(txn, CommitOptions{}, nil)))
	require.Equal(t, 1, fc2.count())

	require.NoError(t, m1.Commit(txn, CommitOptions{}, nil))
	require.Equal(t, ErrIntegrity, errors.Cause(m1.Rollback(txn, RollbackOptions{}, nil)))
	require.Equal(t, 1, fc1.count())
}
