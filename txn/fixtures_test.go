package txn

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/store/memstore"
)

// recorder records replays of entries, as "name:phase".
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(name string, p Phase) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%s", name, p))
	r.mu.Unlock()
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = r.calls
	r.calls = nil
	return out
}

func (r *recorder) entry(name string, phases Phase) *Entry {
	return &Entry{
		Kind:   "test",
		Phases: phases,
		Op: OperationFunc(func(rp *Replay) error {
			r.record(name, rp.Phase)
			return nil
		}),
	}
}

// asyncOp completes each replay on a separate goroutine.
type asyncOp struct {
	r    *recorder
	name string
}

func (o asyncOp) Replay(*Replay) error { panic("not called") }

func (o asyncOp) ReplayAsync(rp *Replay, done func(error)) error {
	o.r.record(o.name, rp.Phase)
	go done(nil)
	return ErrAsyncPending
}

// fatalCapture is a Config.Fatal which records rather than panics.
type fatalCapture struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalCapture) fatal(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fatalCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func newTestManager(t *testing.T, opts memstore.Options, cfg Config) (*Manager, *memstore.Store, *fatalCapture) {
	var st = memstore.New(opts)
	var fc = new(fatalCapture)
	if cfg.Fatal == nil {
		cfg.Fatal = fc.fatal
	}
	var m, err = NewManager(st, cfg)
	require.NoError(t, err)
	return m, st, fc
}

func testXID(id string) records.XID {
	return records.XID{FormatID: 1, GlobalTxnID: []byte(id), BranchQualifier: []byte("b")}
}

func readTR(t *testing.T, st *memstore.Store, h store.Handle) *records.Transaction {
	var rec, err = st.ReadRecord(h, true)
	require.NoError(t, err)
	tr, err := records.DecodeTransaction(rec)
	require.NoError(t, err)
	return tr
}

// phaseCalls expands |names| for each of |phases| in order.
func phaseCalls(phases []Phase, names ...string) []string {
	var out []string
	for _, p := range phases {
		for _, n := range names {
			out = append(out, fmt.Sprintf("%s:%s", n, p))
		}
	}
	return out
}

func reversed(names ...string) []string {
	var out = make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}

const (
	commitSide   = PhaseCommit | PhaseMemoryCommit | PhasePostCommit
	rollbackSide = PhaseRollback | PhaseMemoryRollback | PhasePostRollback
	allPhases    = commitSide | rollbackSide | PhaseCleanup
)
