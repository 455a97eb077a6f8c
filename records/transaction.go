package records

import (
	"encoding/hex"
	"fmt"

	"go.gazette.dev/txnengine/store"
)

// TxnState is the persisted state of a transaction.
type TxnState uint32

const (
	TxnNone TxnState = iota
	TxnInFlight
	TxnPrepared
	TxnCommitOnly
	TxnRollbackOnly
	TxnHeuristicCommit
	TxnHeuristicRollback
)

func (s TxnState) String() string {
	switch s {
	case TxnNone:
		return "NONE"
	case TxnInFlight:
		return "IN_FLIGHT"
	case TxnPrepared:
		return "PREPARED"
	case TxnCommitOnly:
		return "COMMIT_ONLY"
	case TxnRollbackOnly:
		return "ROLLBACK_ONLY"
	case TxnHeuristicCommit:
		return "HEURISTIC_COMMIT"
	case TxnHeuristicRollback:
		return "HEURISTIC_ROLLBACK"
	}
	return fmt.Sprintf("TxnState(%d)", uint32(s))
}

// InDoubt is true of states which an XA recovery scan reports.
func (s TxnState) InDoubt() bool {
	return s == TxnPrepared || s == TxnHeuristicCommit || s == TxnHeuristicRollback
}

// Maximum lengths of XID components.
const (
	MaxGlobalTxnIDSize     = 64
	MaxBranchQualifierSize = 64
)

// XID is an XA transaction identifier.
type XID struct {
	FormatID        int32
	GlobalTxnID     []byte
	BranchQualifier []byte
}

// Validate returns an error if the XID is malformed.
func (x XID) Validate() error {
	if x.FormatID == -1 {
		return fmt.Errorf("xid has null FormatID")
	} else if l := len(x.GlobalTxnID); l == 0 || l > MaxGlobalTxnIDSize {
		return fmt.Errorf("xid GlobalTxnID length %d outside of [1, %d]", l, MaxGlobalTxnIDSize)
	} else if l = len(x.BranchQualifier); l > MaxBranchQualifierSize {
		return fmt.Errorf("xid BranchQualifier length %d exceeds %d", l, MaxBranchQualifierSize)
	}
	return nil
}

// String returns the canonical string form of the XID,
// "formatID:hex(GlobalTxnID):hex(BranchQualifier)".
func (x XID) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID,
		hex.EncodeToString(x.GlobalTxnID), hex.EncodeToString(x.BranchQualifier))
}

// Transaction record flags.
const (
	TxnFlagGlobal uint32 = 1 << iota
)

// Transaction is the transaction record (TR). The record State carries a
// change timestamp (upper 32 bits) and the TxnState (lower 32 bits).
type Transaction struct {
	State     TxnState
	Timestamp uint32
	Flags     uint32
	XID       *XID // Set iff TxnFlagGlobal.
}

// Global is true if the Transaction is an XA transaction.
func (r Transaction) Global() bool { return r.Flags&TxnFlagGlobal != 0 }

// Record encodes the Transaction.
func (r Transaction) Record() store.Record {
	var e = newEncoder(EyeTransaction, 1)
	e.u32(r.Flags)
	if r.XID != nil {
		e.bool(true)
		e.u32(uint32(r.XID.FormatID))
		e.bytes(r.XID.GlobalTxnID)
		e.bytes(r.XID.BranchQualifier)
	} else {
		e.bool(false)
	}
	return store.Record{
		Type:  store.TypeTransaction,
		State: PackState(r.Timestamp, uint32(r.State)),
		Frags: [][]byte{e.b},
	}
}

// DecodeTransaction decodes a Transaction record.
func DecodeTransaction(rec store.Record) (*Transaction, error) {
	if err := checkType(rec, store.TypeTransaction); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeTransaction, 1)
	var out = &Transaction{Flags: d.u32()}

	if d.bool() {
		out.XID = &XID{
			FormatID:        int32(d.u32()),
			GlobalTxnID:     d.bytes(),
			BranchQualifier: d.bytes(),
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	var ts, state = UnpackState(rec.State)
	out.Timestamp, out.State = ts, TxnState(state)

	if out.State > TxnHeuristicRollback {
		return nil, wrapCorrupt("transaction state %d", state)
	} else if out.Global() != (out.XID != nil) {
		return nil, wrapCorrupt("transaction global flag %t mismatches XID presence", out.Global())
	} else if out.XID != nil {
		if err := out.XID.Validate(); err != nil {
			return nil, wrapCorrupt("%s", err.Error())
		}
	}
	return out, nil
}

// TOR is the Value of a transaction-operation reference (a reference owned by
// a Transaction record), which identifies the kind of operation the
// reference's child participates in.
type TOR uint32

const (
	TORNone TOR = iota
	// TORPutMessage: child is the queue reference of a message put in the transaction.
	TORPutMessage
	// TORSubDefMigration: child is a subscription definition migrated from a legacy format.
	TORSubDefMigration
	// TORSubPropsMigration: child is a subscription properties record migrated from a legacy format.
	TORSubPropsMigration
	// TORAddUnreleasedState: child is an unreleased-message state object being added.
	TORAddUnreleasedState
	// TORRemoveUnreleasedState: child is an unreleased-message state object being removed.
	TORRemoveUnreleasedState
	// TORConsumeMessage: child is the queue reference of a message consumed in the transaction.
	TORConsumeMessage
)

func (t TOR) String() string {
	switch t {
	case TORPutMessage:
		return "PUT_MESSAGE"
	case TORSubDefMigration:
		return "SUBDEF_MIGRATION"
	case TORSubPropsMigration:
		return "SUBPROPS_MIGRATION"
	case TORAddUnreleasedState:
		return "ADD_UNRELEASED_STATE"
	case TORRemoveUnreleasedState:
		return "REMOVE_UNRELEASED_STATE"
	case TORConsumeMessage:
		return "CONSUME_MESSAGE"
	}
	return fmt.Sprintf("TOR(%d)", uint32(t))
}

// Valid is true if the TOR is a known operation kind.
func (t TOR) Valid() bool { return t > TORNone && t <= TORConsumeMessage }
