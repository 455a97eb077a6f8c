package rectable

import (
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/store"
)

type testMessage struct {
	Link
	body string
}

func TestPutGetRemove(t *testing.T) {
	var tbl = New[string](Options{Capacity: Hundreds})

	for i := uint64(1); i <= 500; i++ {
		require.NoError(t, tbl.Put(store.MakeHandle(store.GenerationID(i%3+1), i), "v"))
	}
	require.Equal(t, 500, tbl.Len())
	require.Equal(t, ErrDuplicateKey, tbl.Put(store.MakeHandle(2, 1), "dup"))

	var v, ok = tbl.Get(store.MakeHandle(2, 1))
	require.True(t, ok)
	require.Equal(t, "v", v)

	_, ok = tbl.Get(store.MakeHandle(1, 1))
	require.False(t, ok)

	require.True(t, tbl.Remove(store.MakeHandle(2, 1)))
	require.False(t, tbl.Remove(store.MakeHandle(2, 1)))
	require.Equal(t, 499, tbl.Len())

	tbl.Destroy()
	require.Equal(t, ErrDestroyed, tbl.Put(store.MakeHandle(1, 1), "x"))
	require.Equal(t, ErrDestroyed, tbl.Range(func(store.Handle, string) error { return nil }))
	require.Equal(t, 0, tbl.Len())
}

func TestEmbeddedKeyMode(t *testing.T) {
	var tbl = New[*testMessage](Options{Capacity: Thousands, EmbeddedKey: true})

	var msgs []*testMessage
	for i := uint64(1); i <= 64; i++ {
		var m = &testMessage{body: "m"}
		require.NoError(t, tbl.Put(store.MakeHandle(1, i), m))
		require.Equal(t, store.MakeHandle(1, i), m.Key())
		msgs = append(msgs, m)
	}
	// A value may belong to only one table at a time.
	var other = New[*testMessage](Options{Capacity: Hundreds, EmbeddedKey: true})
	require.Equal(t, ErrLinkInUse, other.Put(store.MakeHandle(9, 9), msgs[0]))

	var got, ok = tbl.Get(store.MakeHandle(1, 10))
	require.True(t, ok)
	require.Same(t, msgs[9], got)

	require.True(t, tbl.Remove(store.MakeHandle(1, 10)))
	require.Equal(t, store.NullHandle, msgs[9].Key())
	require.NoError(t, other.Put(store.MakeHandle(9, 9), msgs[9]))

	// Values which don't embed Link are rejected.
	var plain = New[any](Options{Capacity: Hundreds, EmbeddedKey: true})
	require.Equal(t, ErrNotLinked, plain.Put(store.MakeHandle(1, 1), "not linked"))

	tbl.Destroy()
	require.Equal(t, store.NullHandle, msgs[0].Key())
	require.NoError(t, other.Put(store.MakeHandle(9, 10), msgs[0]))
}

func TestRangeVisitsAllAndPermitsRemoval(t *testing.T) {
	for _, embedded := range []bool{false, true} {
		var tbl = New[*testMessage](Options{Capacity: Hundreds, EmbeddedKey: embedded})
		for i := uint64(1); i <= 300; i++ {
			require.NoError(t, tbl.Put(store.MakeHandle(1, i), &testMessage{}))
		}

		var seen []uint64
		require.NoError(t, tbl.Range(func(h store.Handle, _ *testMessage) error {
			seen = append(seen, h.Offset())
			if h.Offset()%2 == 0 {
				require.True(t, tbl.Remove(h))
			}
			return nil
		}))
		sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
		require.Len(t, seen, 300)
		require.Equal(t, uint64(300), seen[299])
		require.Equal(t, 150, tbl.Len())

		var stop = errors.New("stop")
		var n int
		require.Equal(t, stop, tbl.Range(func(store.Handle, *testMessage) error {
			if n++; n == 3 {
				return stop
			}
			return nil
		}))
		require.Equal(t, 3, n)
	}
}

func TestConcurrentTable(t *testing.T) {
	var tbl = New[int](Options{Capacity: TensOfThousands, Concurrent: true})
	var wg sync.WaitGroup

	for w := 0; w != 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i != 1000; i++ {
				var h = store.MakeHandle(store.GenerationID(w+1), uint64(i))
				require.NoError(t, tbl.Put(h, i))
				var v, ok = tbl.Get(h)
				require.True(t, ok)
				require.Equal(t, i, v)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 8000, tbl.Len())
}

func TestCapacityClasses(t *testing.T) {
	require.Equal(t, 127, Hundreds.Buckets())
	require.Equal(t, 131071, HundredsOfThousands.Buckets())
	require.Equal(t, "tens-of-thousands", TensOfThousands.String())
}
