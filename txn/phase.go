package txn

import (
	"strings"

	"go.gazette.dev/txnengine/jobqueue"
	"go.gazette.dev/txnengine/store"
)

// Phase is a bitmask of replay phases. An Entry registers the phases it
// participates in, and is replayed only for those.
type Phase uint32

const (
	PhaseCommit Phase = 1 << iota
	PhaseMemoryCommit
	PhasePostCommit
	PhaseRollback
	PhaseMemoryRollback
	PhasePostRollback
	PhaseCleanup
	PhaseJobCallback
	PhaseSavepointRollback
)

var phaseNames = []string{
	"commit",
	"memory-commit",
	"post-commit",
	"rollback",
	"memory-rollback",
	"post-rollback",
	"cleanup",
	"job-callback",
	"savepoint-rollback",
}

func (p Phase) String() string {
	var parts []string
	for i, name := range phaseNames {
		if p&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// reverse is true of phases which visit entries in reverse append order.
func (p Phase) reverse(rollback bool) bool {
	switch p {
	case PhaseRollback, PhaseMemoryRollback, PhasePostRollback, PhaseSavepointRollback:
		return true
	case PhaseCleanup, PhaseJobCallback:
		return rollback
	}
	return false
}

// Replay is passed to an Operation as it's replayed.
type Replay struct {
	// Txn being replayed.
	Txn *Transaction
	// Phase being replayed.
	Phase Phase
	// Entry being replayed.
	Entry *Entry
	// Stream upon which store mutations of the replay are to be made. It's
	// committed by the Manager. Stream is nil outside of the Commit and
	// Rollback phases.
	Stream store.Stream
	// Thread is the job thread executing the replay, or NoThread.
	Thread jobqueue.ThreadID
}

// Operation is implemented by the type-specific payload of an Entry.
type Operation interface {
	// Replay the Operation for the Replay's Phase.
	Replay(*Replay) error
}

// AsyncOperation is an Operation which may complete asynchronously. If
// ReplayAsync returns ErrAsyncPending it must later invoke |done| exactly
// once. Otherwise it must not invoke |done|.
type AsyncOperation interface {
	Operation
	ReplayAsync(r *Replay, done func(error)) error
}

// OperationFunc adapts a function to an Operation.
type OperationFunc func(*Replay) error

// Replay invokes the OperationFunc.
func (fn OperationFunc) Replay(r *Replay) error { return fn(r) }
