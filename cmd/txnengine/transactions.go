package main

import (
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/txnengine/mainboilerplate"
	"go.gazette.dev/txnengine/records"
	"go.gazette.dev/txnengine/store"
	"gopkg.in/yaml.v2"
)

type cmdTransactions struct{}

type cmdTransactionsList struct {
	Format  string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
	InDoubt bool   `long:"in-doubt" description:"List only transactions which are prepared or heuristically completed"`
}

func init() {
	Commands.AddCommand("", "transactions", "Inspect transactions of the store", `
Inspect transaction records held by the configured store.
`, &cmdTransactions{})

	Commands.AddCommand("transactions", "list", "List transaction records", `
List transaction records of the configured store, without recovering it.

Each transaction record is written by a transaction which has begun but not yet
completed. Records which remain after a clean shutdown are those of global
transactions which are in-doubt, awaiting a decision of their coordinator.
`, &cmdTransactionsList{})
}

// txnRow is a listed transaction record.
type txnRow struct {
	Handle  store.Handle `yaml:"handle"`
	State   string       `yaml:"state"`
	XID     string       `yaml:"xid,omitempty"`
	Changed time.Time    `yaml:"changed"`
}

func (cmd *cmdTransactionsList) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var st, closeStore = openStore()
	defer closeStore()

	var rows, err = listTransactions(st, cmd.InDoubt)
	mbp.Must(err, "failed to list transactions")

	switch cmd.Format {
	case "yaml":
		var b, err = yaml.Marshal(rows)
		mbp.Must(err, "failed to encode transactions")
		_, _ = os.Stdout.Write(b)
	default:
		writeTxnTable(os.Stdout, rows)
	}
	return nil
}

// listTransactions scans each generation of |st| for transaction records.
// Records which fail to decode are logged and skipped.
func listTransactions(st store.Store, inDoubtOnly bool) ([]txnRow, error) {
	var out []txnRow

	for gens := st.Generations(); ; {
		var gen, err = gens.Next()
		if err == store.ErrNoMoreEntries {
			return out, nil
		} else if err != nil {
			return nil, err
		}

		for it := st.Records(store.TypeTransaction, gen); ; {
			var h, rec, err = it.Next()
			if err == store.ErrNoMoreEntries {
				break
			} else if err != nil {
				return nil, err
			}

			tr, err := records.DecodeTransaction(rec)
			if err != nil {
				log.WithFields(log.Fields{"handle": h, "err": err}).Warn("skipping transaction record")
				continue
			} else if inDoubtOnly && !tr.State.InDoubt() {
				continue
			}
			var row = txnRow{
				Handle:  h,
				State:   tr.State.String(),
				Changed: time.Unix(int64(tr.Timestamp), 0).UTC(),
			}
			if tr.XID != nil {
				row.XID = tr.XID.String()
			}
			out = append(out, row)
		}
	}
}

func writeTxnTable(w io.Writer, rows []txnRow) {
	var table = tablewriter.NewWriter(w)
	table.Header([]string{"Handle", "State", "XID", "Changed"})

	for _, r := range rows {
		var xid = r.XID
		if xid == "" {
			xid = "<local>"
		}
		mbp.Must(table.Append([]string{
			r.Handle.String(),
			r.State,
			xid,
			humanize.Time(r.Changed),
		}), "failed to write table row")
	}
	mbp.Must(table.Render(), "failed to render table")
}
