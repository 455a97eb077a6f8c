package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/store"
)

func TestRecordsRoundTripAcrossReopen(t *testing.T) {
	var cfg = Config{Path: filepath.Join(t.TempDir(), "test.db")}
	var s, err = Open(cfg)
	require.NoError(t, err)
	require.Equal(t, store.GenerationID(1), s.Current())

	var rec = store.Record{
		Type:      store.TypeQueueDefinition,
		Attribute: 1234,
		State:     1 << 40,
		Frags:     [][]byte{[]byte("hello"), {}, []byte("world")},
	}
	var h, owner store.Handle
	var ref, state store.Handle

	st, err := s.OpenStream()
	require.NoError(t, err)
	owner, err = st.CreateRecord(store.Record{Type: store.TypeTopicDefinition, Frags: [][]byte{[]byte("t")}})
	require.NoError(t, err)
	h, err = st.CreateRecord(rec)
	require.NoError(t, err)

	rc, err := s.OpenReferenceContext(owner)
	require.NoError(t, err)
	ref, err = st.CreateReference(rc, store.Reference{OrderID: 3, Child: h, Value: 7, State: 1}, 0)
	require.NoError(t, err)
	state, err = st.CreateState(owner, store.StateObject{Value: 42, Data: 99})
	require.NoError(t, err)
	require.Equal(t, 4, st.Pending())

	// Nothing is readable until committed.
	_, err = s.ReadRecord(h, true)
	require.Equal(t, store.ErrNotFound, errors.Cause(err))

	require.NoError(t, st.Commit().Err())
	require.NoError(t, st.Close())
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, store.GenerationID(2), s.Current())

	// The prior generation isn't resident.
	_, err = s.ReadRecord(h, false)
	require.Equal(t, store.ErrWouldBlock, err)
	_, _, _, err = s.ReadReferenceInfo(ref, false)
	require.Equal(t, store.ErrWouldBlock, err)

	out, err := s.ReadRecord(h, true)
	require.NoError(t, err)
	require.Equal(t, rec, out)

	// Having loaded it, non-blocking reads succeed.
	out, err = s.ReadRecord(h, false)
	require.NoError(t, err)
	require.Equal(t, rec, out)

	o, typ, orderID, err := s.ReadReferenceInfo(ref, false)
	require.NoError(t, err)
	require.Equal(t, owner, o)
	require.Equal(t, store.TypeTopicDefinition, typ)
	require.Equal(t, uint64(3), orderID)

	var gens []store.GenerationID
	for it := s.Generations(); ; {
		var gen, err = it.Next()
		if err == store.ErrNoMoreEntries {
			break
		}
		require.NoError(t, err)
		gens = append(gens, gen)
	}
	require.Equal(t, []store.GenerationID{1, 2}, gens)

	var it = s.References(owner, 1)
	rh, r, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, ref, rh)
	require.Equal(t, store.Reference{OrderID: 3, Child: h, Value: 7, State: 1}, r)
	_, _, err = it.Next()
	require.Equal(t, store.ErrNoMoreEntries, err)

	sit := s.StateObjects(owner)
	sh, obj, err := sit.Next()
	require.NoError(t, err)
	require.Equal(t, state, sh)
	require.Equal(t, store.StateObject{Value: 42, Data: 99}, obj)

	// State handles continue past those which exist.
	st, err = s.OpenStream()
	require.NoError(t, err)
	next, err := st.CreateState(owner, store.StateObject{Value: 1})
	require.NoError(t, err)
	require.Equal(t, state.Offset()+1, next.Offset())
	require.Equal(t, store.GenerationID(0), next.Generation())
	require.NoError(t, st.Close())
}

func TestRecordsIterateByTypeAndGeneration(t *testing.T) {
	var s = openTestStore(t, Config{GenerationSize: 2})

	var hs []store.Handle
	var st, _ = s.OpenStream()
	for _, typ := range []store.RecordType{
		store.TypeMessage, store.TypeTransaction, store.TypeMessage, store.TypeMessage,
	} {
		var h, err = st.CreateRecord(store.Record{Type: typ})
		require.NoError(t, err)
		require.NoError(t, st.Commit().Err())
		hs = append(hs, h)
	}

	// Generations rolled after every two records.
	require.Equal(t, store.GenerationID(1), hs[1].Generation())
	require.Equal(t, store.GenerationID(2), hs[2].Generation())
	require.Equal(t, store.GenerationID(2), s.Current())

	require.Equal(t, []store.Handle{hs[0]}, collect(t, s.Records(store.TypeMessage, 1)))
	require.Equal(t, []store.Handle{hs[1]}, collect(t, s.Records(store.TypeTransaction, 1)))
	require.Equal(t, []store.Handle{hs[2], hs[3]}, collect(t, s.Records(store.TypeMessage, 2)))
	require.Empty(t, collect(t, s.Records(store.TypeTransaction, 2)))
}

func TestStreamCommitDoesNotStraddleGenerations(t *testing.T) {
	var s = openTestStore(t, Config{GenerationSize: 2})

	var st, _ = s.OpenStream()
	var owner, _ = st.CreateRecord(store.Record{Type: store.TypeQueueDefinition})
	require.NoError(t, st.Commit().Err())
	var rc, _ = s.OpenReferenceContext(owner)

	// Three records and their references overfill generation 1. All remain
	// within it, as they're committed together.
	var hs []store.Handle
	for i := 0; i != 3; i++ {
		var h, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
		require.NoError(t, err)
		ref, err := st.CreateReference(rc, store.Reference{OrderID: uint64(i + 1), Child: h}, 0)
		require.NoError(t, err)
		hs = append(hs, h, ref)
	}
	require.NoError(t, st.Commit().Err())

	for _, h := range hs {
		require.Equal(t, store.GenerationID(1), h.Generation())
	}
	require.Equal(t, store.GenerationID(1), s.Current())
	require.Len(t, collect(t, s.Records(store.TypeMessage, 1)), 3)

	// The next commit begins generation 2.
	var h, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	require.NoError(t, st.Commit().Err())
	require.Equal(t, store.GenerationID(2), h.Generation())
	require.Equal(t, store.GenerationID(2), s.Current())

	// Offsets of concurrent streams pinned to distinct generations are distinct.
	var other, _ = s.OpenStream()
	h1, err := st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	h2, err := other.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	require.Equal(t, store.GenerationID(3), h2.Generation())
	h3, err := st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, err)
	require.Equal(t, store.GenerationID(2), h3.Generation())
	require.NotEqual(t, h1, h3)
	require.NoError(t, st.Commit().Err())
	require.NoError(t, other.Commit().Err())
	require.NoError(t, other.Close())
}

func TestUpdateAndDeleteCascade(t *testing.T) {
	var s = openTestStore(t, Config{})

	var st, _ = s.OpenStream()
	var owner, _ = st.CreateRecord(store.Record{Type: store.TypeQueueDefinition, Attribute: 1, State: 2})
	var child, _ = st.CreateRecord(store.Record{Type: store.TypeMessage})
	var rc, _ = s.OpenReferenceContext(owner)
	var ref, _ = st.CreateReference(rc, store.Reference{OrderID: 1, Child: child}, 0)
	var _, _ = st.CreateState(owner, store.StateObject{Value: 1})
	require.NoError(t, st.Commit().Err())

	require.NoError(t, st.UpdateRecord(owner, 10, 20, store.UpdateState))
	require.NoError(t, st.UpdateReference(rc, ref, 1, 5))
	require.NoError(t, st.Commit().Err())

	var rec, err = s.ReadRecord(owner, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Attribute) // Not updated.
	require.Equal(t, uint64(20), rec.State)

	var _, r, _ = s.References(owner, 1).Next()
	require.Equal(t, uint8(5), r.State)

	require.NoError(t, st.DeleteRecord(owner))
	require.NoError(t, st.Commit().Err())

	_, err = s.ReadRecord(owner, false)
	require.Equal(t, store.ErrNotFound, errors.Cause(err))
	_, _, _, err = s.ReadReferenceInfo(ref, false)
	require.Equal(t, store.ErrNotFound, errors.Cause(err))
	_, _, err = s.StateObjects(owner).Next()
	require.Equal(t, store.ErrNoMoreEntries, err)

	// The child is not owned by |owner|, and remains.
	_, err = s.ReadRecord(child, false)
	require.NoError(t, err)
}

func TestStreamRollbackReserveAndClose(t *testing.T) {
	var s = openTestStore(t, Config{ReservableOps: 2})

	var st, _ = s.OpenStream()
	var h, _ = st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.NoError(t, st.Reserve(1))
	require.Equal(t, store.ErrBufferTooSmall, errors.Cause(st.Reserve(2)))

	require.NoError(t, st.Rollback())
	require.Zero(t, st.Pending())
	require.NoError(t, st.Commit().Err())

	var _, err = s.ReadRecord(h, true)
	require.Equal(t, store.ErrNotFound, errors.Cause(err))

	require.NoError(t, st.Close())
	_, err = st.CreateRecord(store.Record{Type: store.TypeMessage})
	require.Equal(t, store.ErrStoreClosed, err)

	_, err = st.CreateRecord(store.Record{})
	require.Error(t, err)
}

func TestCommitsApplyInOrder(t *testing.T) {
	var s = openTestStore(t, Config{})

	var h store.Handle
	var ops []store.OpFuture
	for i := uint64(0); i != 10; i++ {
		var st, _ = s.OpenStream()
		if i == 0 {
			h, _ = st.CreateRecord(store.Record{Type: store.TypeServer})
		} else {
			require.NoError(t, st.UpdateRecord(h, i, 0, store.UpdateAttribute))
		}
		ops = append(ops, st.Commit())
	}
	for _, op := range ops {
		require.NoError(t, op.Err())
	}
	var rec, err = s.ReadRecord(h, false)
	require.NoError(t, err)
	require.Equal(t, uint64(9), rec.Attribute)
}

func TestRecoveryCompletedAndClose(t *testing.T) {
	var s, err = Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, s.RecoveryCompleted())

	var value string
	require.NoError(t, s.db.QueryRow(`SELECT value FROM meta WHERE key = 'recovered'`).Scan(&value))
	require.NotEmpty(t, value)

	require.NoError(t, s.Close())
	require.Equal(t, store.ErrStoreClosed, s.Close())

	_, err = s.OpenStream()
	require.Equal(t, store.ErrStoreClosed, err)
	_, err = s.ReadRecord(store.MakeHandle(1, 1), true)
	require.Equal(t, store.ErrStoreClosed, err)
}

func TestFragmentFraming(t *testing.T) {
	var frags = [][]byte{[]byte("a"), {}, make([]byte, 300)}

	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecGzip} {
		var enc, err = encodeFrags(frags, codec)
		require.NoError(t, err)
		require.Equal(t, byte(codec), enc[0])

		out, err := decodeFrags(enc)
		require.NoError(t, err)
		require.Equal(t, frags, out)

		enc, err = encodeFrags(nil, codec)
		require.NoError(t, err)
		out, err = decodeFrags(enc)
		require.NoError(t, err)
		require.Empty(t, out)
	}

	var _, err = decodeFrags([]byte("not a codec"))
	require.Equal(t, store.ErrBufferTooSmall, errors.Cause(err))
	_, err = decodeFrags([]byte{byte(CodecSnappy), 0xff, 0xff})
	require.Equal(t, store.ErrBufferTooSmall, errors.Cause(err))
	_, err = decodeFrags([]byte{byte(CodecNone), 0x05, 0x01})
	require.Equal(t, store.ErrBufferTooSmall, errors.Cause(err))
}

func TestCodecsMixWithinStore(t *testing.T) {
	var cfg = Config{Path: filepath.Join(t.TempDir(), "test.db"), Codec: "gzip"}
	var s, err = Open(cfg)
	require.NoError(t, err)

	var rec = store.Record{Type: store.TypeMessage, Frags: [][]byte{[]byte("gzipped")}}
	st, _ := s.OpenStream()
	h1, err := st.CreateRecord(rec)
	require.NoError(t, err)
	require.NoError(t, st.Commit().Err())
	require.NoError(t, s.Close())

	cfg.Codec = "none"
	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	st, _ = s.OpenStream()
	h2, err := st.CreateRecord(rec)
	require.NoError(t, err)
	require.NoError(t, st.Commit().Err())

	for _, h := range []store.Handle{h1, h2} {
		out, err := s.ReadRecord(h, true)
		require.NoError(t, err)
		require.Equal(t, rec, out)
	}

	_, err = Open(Config{Path: cfg.Path, Codec: "lz4"})
	require.EqualError(t, err, `unsupported codec "lz4"`)
}

func openTestStore(t *testing.T, cfg Config) *Store {
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	var s, err = Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collect(t *testing.T, it store.RecordIterator) []store.Handle {
	var out []store.Handle
	for {
		var h, _, err = it.Next()
		if err == store.ErrNoMoreEntries {
			return out
		}
		require.NoError(t, err)
		out = append(out, h)
	}
}
