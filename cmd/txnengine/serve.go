package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	petname "github.com/dustinkirkland/golang-petname"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/txnengine/mainboilerplate"
)

type cmdServe struct {
	DrainTimeout time.Duration `long:"drain-timeout" default:"30s" description:"Time allowed for queued jobs to drain upon exit"`
}

func init() {
	Commands.AddCommand("", "serve", "Recover the store and serve broker state", `
Recover the configured store, and then hold its broker state until signaled to
exit (via SIGTERM or SIGINT). Prometheus metrics and a maintenance-mode status
endpoint are served on the configured diagnostics port.

Recovery fails startup if the store holds inconsistent records, unless partial
recovery is enabled (--recovery.partial, or the environment override
TXNENGINE_TOLERATE_RECOVERY_INCONSISTENCIES=true), in which case inconsistent
records are discarded.
`, &cmdServe{})
}

func (cmd *cmdServe) Execute([]string) error {
	mbp.InitLog(Config.Log)
	mbp.InitDiagnostics(Config.Diagnostics)

	log.WithField("config", Config).Info("starting txnengine")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var st, closeStore = openStore()
	defer closeStore()

	var e = recoverEngine(ctx, st)

	if Config.Server.Name == "" {
		Config.Server.Name = petname.Generate(2, "-")
	}
	var srv, err = e.broker.InitServer(Config.Server.Name)
	mbp.Must(err, "failed to initialize server")

	log.WithFields(log.Fields{
		"server":    srv.Config.Name,
		"uid":       srv.Config.UID,
		"queues":    humanize.Comma(int64(len(e.broker.QueueNames()))),
		"inDoubt":   len(e.txns.GlobalTransactions()),
		"recovered": e.stats.Duration.String(),
	}).Info("serving")

	<-ctx.Done()
	log.Info("signaled to exit")

	var drainCtx, drainCancel = context.WithTimeout(context.Background(), cmd.DrainTimeout)
	defer drainCancel()
	e.stop(drainCtx)

	log.Info("goodbye")
	return nil
}
