package memstore

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/store"
)

func TestStreamCommitAndRollback(t *testing.T) {
	var s = New(Options{})
	var st, err = s.OpenStream()
	require.NoError(t, err)

	h, err := st.CreateRecord(store.Record{Type: store.TypeQueueDefinition, Frags: [][]byte{[]byte("q")}})
	require.NoError(t, err)
	require.Equal(t, 1, st.Pending())

	// Not visible until committed.
	_, err = s.ReadRecord(h, true)
	require.Equal(t, store.ErrNotFound, errors.Cause(err))

	require.NoError(t, st.Commit().Err())
	rec, err := s.ReadRecord(h, true)
	require.NoError(t, err)
	require.Equal(t, []byte("q"), rec.Frags[0])
	require.Equal(t, 1, s.Commits())

	// Rolled-back operations are never applied.
	require.NoError(t, st.UpdateRecord(h, 7, 8, store.UpdateAttribute|store.UpdateState))
	require.NoError(t, st.Rollback())
	require.NoError(t, st.Commit().Err())

	rec, _ = s.ReadRecord(h, true)
	require.Equal(t, uint64(0), rec.Attribute)

	require.NoError(t, st.UpdateRecord(h, 7, 8, store.UpdateState))
	require.NoError(t, st.Commit().Err())
	rec, _ = s.ReadRecord(h, true)
	require.Equal(t, uint64(0), rec.Attribute)
	require.Equal(t, uint64(8), rec.State)

	require.NoError(t, st.Close())
	_, err = st.CreateRecord(store.Record{Type: store.TypeQueueDefinition})
	require.Equal(t, store.ErrStoreClosed, err)
}

func TestDeleteCascadesToReferencesAndStates(t *testing.T) {
	var s = New(Options{})
	var st, _ = s.OpenStream()

	var owner, _ = st.CreateRecord(store.Record{Type: store.TypeClientState})
	var msg, _ = st.CreateRecord(store.Record{Type: store.TypeMessage})
	var rc, err = s.OpenReferenceContext(owner)
	require.NoError(t, err)

	ref, err := st.CreateReference(rc, store.Reference{OrderID: 1, Child: msg}, 0)
	require.NoError(t, err)
	state, err := st.CreateState(owner, store.StateObject{Value: 1, Data: 42})
	require.NoError(t, err)
	require.Equal(t, store.GenerationID(0), state.Generation())
	require.NoError(t, st.Commit().Err())

	require.True(t, s.Exists(ref))
	require.True(t, s.Exists(state))

	ownerOf, ownerType, orderID, err := s.ReadReferenceInfo(ref, true)
	require.NoError(t, err)
	require.Equal(t, owner, ownerOf)
	require.Equal(t, store.TypeClientState, ownerType)
	require.Equal(t, uint64(1), orderID)

	require.NoError(t, st.DeleteRecord(owner))
	require.NoError(t, st.Commit().Err())

	require.False(t, s.Exists(ref))
	require.False(t, s.Exists(state))
	require.True(t, s.Exists(msg))
}

func TestGenerationsAndResidency(t *testing.T) {
	var s = New(Options{RecordsPerGeneration: 2, MaxResident: 1})
	var st, _ = s.OpenStream()

	var hs []store.Handle
	for i := 0; i != 5; i++ {
		var h, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
		require.NoError(t, err)
		require.NoError(t, st.Commit().Err())
		hs = append(hs, h)
	}

	require.Equal(t, store.GenerationID(1), hs[0].Generation())
	require.Equal(t, store.GenerationID(2), hs[2].Generation())
	require.Equal(t, store.GenerationID(3), hs[4].Generation())

	var it = s.Generations()
	var gens []store.GenerationID
	for {
		var g, err = it.Next()
		if err == store.ErrNoMoreEntries {
			break
		}
		gens = append(gens, g)
	}
	require.Equal(t, []store.GenerationID{1, 2, 3}, gens)

	// Generation 1 was evicted by generation 2 (MaxResident is 1).
	_, err := s.ReadRecord(hs[0], false)
	require.Equal(t, store.ErrWouldBlock, err)
	_, err = s.ReadRecord(hs[0], true)
	require.NoError(t, err)
	require.Equal(t, 1, s.BlockingLoads())

	// Now generation 2 is evicted. The current generation is always resident.
	_, err = s.ReadRecord(hs[2], false)
	require.Equal(t, store.ErrWouldBlock, err)
	_, err = s.ReadRecord(hs[4], false)
	require.NoError(t, err)

	s.Reopen()
	_, err = s.ReadRecord(hs[0], false)
	require.Equal(t, store.ErrWouldBlock, err)
}

func TestStreamHandlesShareOneGeneration(t *testing.T) {
	var s = New(Options{RecordsPerGeneration: 2})
	var st, _ = s.OpenStream()
	var owner, _ = st.CreateRecord(store.Record{Type: store.TypeQueueDefinition})
	require.NoError(t, st.Commit().Err())
	var rc, _ = s.OpenReferenceContext(owner)

	// A stream filling its generation continues within it.
	var hs []store.Handle
	for i := 0; i != 3; i++ {
		var h, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
		require.NoError(t, err)
		hs = append(hs, h)
	}
	// A generation started mid-stream applies only to later streams.
	require.Equal(t, store.GenerationID(2), s.StartGeneration())
	ref, err := st.CreateReference(rc, store.Reference{OrderID: 1, Child: hs[0]}, 0)
	require.NoError(t, err)
	h, err := st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	hs = append(hs, ref, h)

	for _, h := range hs {
		require.Equal(t, store.GenerationID(1), h.Generation())
	}
	require.NoError(t, st.Commit().Err())
	require.Len(t, s.ReferencesOf(owner), 1)

	// The next stream allocates within the current generation.
	h, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	require.Equal(t, store.GenerationID(2), h.Generation())

	// As does a stream which rolled back.
	require.NoError(t, st.Rollback())
	s.StartGeneration()
	h, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	require.Equal(t, store.GenerationID(3), h.Generation())
}

func TestAsyncCommitAndFailures(t *testing.T) {
	var s = New(Options{
		AsyncCommits: true,
		FailCommit: func(n int) error {
			if n == 2 {
				return errors.New("injected")
			}
			return nil
		},
	})
	var st, _ = s.OpenStream()

	var h, _ = st.CreateRecord(store.Record{Type: store.TypeTopicDefinition})
	var op = st.Commit()
	<-op.Done()
	require.NoError(t, op.Err())
	require.True(t, s.Exists(h))

	h2, _ := st.CreateRecord(store.Record{Type: store.TypeTopicDefinition})
	require.EqualError(t, st.Commit().Err(), "injected")
	require.False(t, s.Exists(h2))

	require.Error(t, st.Reserve(2000))
	require.NoError(t, st.Reserve(10))
}

func TestIterationOrder(t *testing.T) {
	var s = New(Options{})
	var st, _ = s.OpenStream()

	var owner, _ = st.CreateRecord(store.Record{Type: store.TypeQueueDefinition})
	var rc, _ = s.OpenReferenceContext(owner)
	for _, id := range []uint64{3, 1, 2} {
		var _, err = st.CreateReference(rc, store.Reference{OrderID: id}, 0)
		require.NoError(t, err)
	}
	require.NoError(t, st.Commit().Err())

	var it = s.References(owner, s.Current())
	var ids []uint64
	for {
		var _, ref, err = it.Next()
		if err == store.ErrNoMoreEntries {
			break
		}
		ids = append(ids, ref.OrderID)
	}
	require.Equal(t, []uint64{1, 2, 3}, ids)

	var rit = s.Records(store.TypeQueueDefinition, s.Current())
	var h, _, err = rit.Next()
	require.NoError(t, err)
	require.Equal(t, owner, h)
	_, _, err = rit.Next()
	require.Equal(t, store.ErrNoMoreEntries, err)
}
