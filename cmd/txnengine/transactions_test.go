package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/store/memstore"
)

func TestListTransactionsFiltersInDoubt(t *testing.T) {
	var st = memstore.New(memstore.Options{RecordsPerGeneration: 2})
	var s, err = st.OpenStream()
	require.NoError(t, err)

	var xid = &records.XID{FormatID: 1, GlobalTxnID: []byte("g"), BranchQualifier: []byte("b")}
	for _, tr := range []records.Transaction{
		{State: records.TxnInFlight},
		{State: records.TxnPrepared, Flags: records.TxnFlagGlobal, XID: xid},
		{State: records.TxnCommitOnly},
	} {
		_, err = s.CreateRecord(tr.Record())
		require.NoError(t, err)
	}
	_, err = s.CreateRecord(store.Record{Type: store.TypeTransaction, Frags: [][]byte{[]byte("junk")}})
	require.NoError(t, err)
	require.NoError(t, s.Commit().Err())

	rows, err := listTransactions(st, false)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, xid.String(), rows[1].XID)

	rows, err = listTransactions(st, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, records.TxnPrepared.String(), rows[0].State)

	var buf bytes.Buffer
	writeTxnTable(&buf, rows)
	require.Contains(t, buf.String(), xid.String())
}
