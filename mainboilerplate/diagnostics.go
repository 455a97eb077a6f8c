package mainboilerplate

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Version of the program, set via -ldflags "-X ...".
var Version = "development"

// BuildDate of the program, set via -ldflags "-X ...".
var BuildDate = "unknown"

// maxStackTraceSize is the max bytes to allocate to stack traces.
const maxStackTraceSize = 1 << 16

// Must exits the process if |err| is non-nil, logging |msg| with |extra|
// key/value pairs as fields.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[fmt.Sprint(extra[i])] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}

// DiagnosticsConfig configures the program's metrics endpoint.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"METRICS_PORT" default:"8090" description:"Port for serving Prometheus metrics. Empty disables"`
	Path string `long:"path" env:"METRICS_PATH" default:"/metrics" description:"Path of the metrics endpoint"`
}

// InitDiagnostics serves Prometheus metrics on the configured port and path.
// The returned ServeMux also carries the maintenance-mode status endpoint.
func InitDiagnostics(cfg DiagnosticsConfig) *http.ServeMux {
	var mux = http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		if reason, ok := InMaintenance(); ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "maintenance: %s\n", reason)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	if cfg.Port != "" {
		go func() {
			var err = http.ListenAndServe(":"+cfg.Port, mux)
			log.WithField("err", err).Error("diagnostics server exited")
		}()
	}
	return mux
}

var maintenance atomic.Value // Of string.

// EnterMaintenance places the process into maintenance mode: a diagnostic dump
// of every goroutine is logged, and the process stops serving traffic.
// It's invoked upon integrity violations which leave in-memory state
// inconsistent with the store.
func EnterMaintenance(reason error) {
	var stack = make([]byte, maxStackTraceSize)
	stack = stack[:runtime.Stack(stack, true)]

	log.WithFields(log.Fields{
		"err":   reason,
		"stack": strings.Split(string(stack), "\n"),
	}).Error("CRITICAL: entering maintenance mode")

	maintenance.Store(reason.Error())
	writeTerminationMessage("maintenance: " + reason.Error())
}

// InMaintenance returns the reason the process entered maintenance mode, if it has.
func InMaintenance() (string, bool) {
	var s, ok = maintenance.Load().(string)
	return s, ok
}

// k8sTerminationLog is the location to write a termination message for
// Kubernetes to retrieve.
const k8sTerminationLog = "/dev/termination-log"

func writeTerminationMessage(msg string) {
	if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
		defer f.Close()
		_, _ = f.WriteString(msg)
	}
}
