package main

import (
	"context"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/txnengine/broker"
	"go.gazette.dev/txnengine/jobqueue"
	mbp "go.gazette.dev/txnengine/mainboilerplate"
	"go.gazette.dev/txnengine/metrics"
	"go.gazette.dev/txnengine/recovery"
	"go.gazette.dev/txnengine/store"
	"go.gazette.dev/txnengine/store/memstore"
	"go.gazette.dev/txnengine/store/sqlstore"
	"go.gazette.dev/txnengine/txn"
)

const iniFilename = "txnengine.ini"

// Config is the top-level configuration object of txnengine.
var Config = new(struct {
	Store struct {
		sqlstore.Config
		Memory bool `long:"memory" env:"MEMORY" description:"Use an in-memory store, which doesn't survive the process"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Server struct {
		Name string `long:"name" env:"NAME" description:"Name of the server, recorded upon its first start. A random name is generated if empty"`
	} `group:"Server" namespace:"server" env-namespace:"SERVER"`

	Txn      txn.Config      `group:"Transactions" namespace:"txn" env-namespace:"TXN"`
	Jobs     jobqueue.Config `group:"Jobs" namespace:"jobs" env-namespace:"JOBS"`
	Recovery recovery.Config `group:"Recovery" namespace:"recovery" env-namespace:"RECOVERY"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// Commands registers sub-commands of txnengine.
var Commands = mbp.NewCommandRegistry()

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `txnengine is a transactional broker-state engine.

	It maintains queues, subscriptions, and client state within a durable store,
	and restores them upon start by recovering the store. Optionally configure
	txnengine with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/txnengine/` + iniFilename + `'. Use the 'print-config'
	sub-command to inspect the current configuration.
	`
	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.Must(Commands.AddCommands("", parser.Command, true), "could not add sub-commands")
	mbp.MustParseConfig(parser, iniFilename)
}

// openStore opens the configured store. The returned function closes it.
func openStore() (store.Store, func()) {
	if Config.Store.Memory {
		log.Warn("using an in-memory store: state will not survive this process")
		return memstore.New(memstore.Options{ReservableOps: Config.Store.ReservableOps}), func() {}
	}
	var s, err = sqlstore.Open(Config.Store.Config)
	mbp.Must(err, "failed to open store", "path", Config.Store.Path)

	return s, func() { mbp.Must(s.Close(), "failed to close store") }
}

// engine is a recovered store, and the broker state held within it.
type engine struct {
	store  store.Store
	jobs   *jobqueue.Dispatcher
	txns   *txn.Manager
	broker *broker.Broker
	rc     *recovery.Context
	stats  recovery.Stats
}

// recoverEngine builds a transaction Manager of |st| and recovers its broker
// state, through to the start of messaging.
func recoverEngine(ctx context.Context, st store.Store) *engine {
	prometheus.MustRegister(metrics.TxnCollectors()...)
	prometheus.MustRegister(metrics.RecoveryCollectors()...)
	prometheus.MustRegister(metrics.StoreCollectors()...)

	var e = &engine{store: st, jobs: jobqueue.New(Config.Jobs)}

	var cfg = Config.Txn
	cfg.Jobs = e.jobs
	cfg.Fatal = mbp.EnterMaintenance

	var err error
	e.txns, err = txn.NewManager(st, cfg)
	mbp.Must(err, "failed to build transaction manager")

	e.broker = broker.New(st, e.txns)
	e.rc = recovery.NewContext(st, e.txns, e.broker, Config.Recovery)

	e.stats, err = e.rc.Recover(ctx)
	mbp.Must(err, "failed to recover store")
	mbp.Must(e.rc.StartMessaging(), "failed to start messaging")

	return e
}

// stop the engine's job threads.
func (e *engine) stop(ctx context.Context) {
	if err := e.jobs.Stop(ctx); err != nil {
		log.WithField("err", err).Warn("failed to drain job threads")
	}
}
