package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	mbp "go.gazette.dev/txnengine/mainboilerplate"
	"go.gazette.dev/txnengine/recovery"
	"gopkg.in/yaml.v2"
)

type cmdRecover struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	Commands.AddCommand("", "recover", "Recover the store and report", `
Recover the configured store, completing or rolling back transactions which
were in flight when it was last closed, and then exit. Statistics of the
recovery are written to stdout.

Global transactions which are prepared or heuristically completed remain
in-doubt, and are listed by "transactions list".
`, &cmdRecover{})
}

func (cmd *cmdRecover) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var st, closeStore = openStore()
	defer closeStore()

	var e = recoverEngine(context.Background(), st)
	defer e.stop(context.Background())

	switch cmd.Format {
	case "yaml":
		var b, err = yaml.Marshal(e.stats)
		mbp.Must(err, "failed to encode recovery stats")
		_, _ = os.Stdout.Write(b)
	default:
		writeStatsTable(os.Stdout, e.stats)
	}
	return nil
}

func writeStatsTable(w io.Writer, stats recovery.Stats) {
	var table = tablewriter.NewWriter(w)
	table.Header([]string{"Measure", "Value"})

	for _, row := range [][]string{
		{"Generations", humanize.Comma(int64(stats.Generations))},
		{"Records", humanize.Comma(int64(stats.Records))},
		{"References", humanize.Comma(int64(stats.References))},
		{"State objects", humanize.Comma(int64(stats.StateObjects))},
		{"Offline messages", humanize.Comma(int64(stats.OfflineMessages))},
		{"Offline members", humanize.Comma(int64(stats.OfflineMembers))},
		{"Unresolved members", humanize.Comma(int64(stats.UnresolvedMembers))},
		{"Discarded", humanize.Comma(int64(stats.Discarded))},
		{"Orphaned messages", humanize.Comma(int64(stats.OrphanedMessages))},
		{"Committed", fmt.Sprint(stats.Transactions.Committed)},
		{"Rolled back", fmt.Sprint(stats.Transactions.RolledBack)},
		{"In doubt", fmt.Sprint(stats.Transactions.Retained)},
		{"Duration", stats.Duration.String()},
	} {
		mbp.Must(table.Append(row), "failed to write table row")
	}
	mbp.Must(table.Render(), "failed to render table")
}
