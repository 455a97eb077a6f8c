package mainboilerplate

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testCmd struct{}

func (testCmd) Execute([]string) error { return nil }

func TestCommandRegistryBuildsTree(t *testing.T) {
	var reg = NewCommandRegistry()
	reg.AddCommand("", "transactions", "short", "long", &testCmd{})
	reg.AddCommand("transactions", "list", "short", "long", &testCmd{})
	reg.AddCommand("transactions.list", "deep", "short", "long", &testCmd{})
	reg.AddCommand("", "serve", "short", "long", &testCmd{})

	var parser = flags.NewParser(&struct{}{}, flags.None)
	require.NoError(t, reg.AddCommands("", parser.Command, true))

	var txns = parser.Find("transactions")
	require.NotNil(t, txns)
	require.NotNil(t, txns.Find("list"))
	require.NotNil(t, txns.Find("list").Find("deep"))
	require.NotNil(t, parser.Find("serve"))

	// Without recursion, only top-level commands are added.
	parser = flags.NewParser(&struct{}{}, flags.None)
	require.NoError(t, reg.AddCommands("", parser.Command, false))
	require.Nil(t, parser.Find("transactions").Find("list"))
}

func TestConfigPathsOrder(t *testing.T) {
	t.Setenv("HOME", "/home/test")
	t.Setenv("UserProfile", "")
	t.Setenv(ConfigRootEnv, "/etc/txnengine")

	require.Equal(t, []string{
		"txnengine.ini",
		filepath.Join("/home/test", ".config", "txnengine", "txnengine.ini"),
		filepath.Join("/etc/txnengine", "txnengine.ini"),
	}, ConfigPaths("txnengine.ini"))
}

func TestStatusReflectsMaintenance(t *testing.T) {
	var mux = InitDiagnostics(DiagnosticsConfig{Path: "/metrics"})

	var get = func(path string) *httptest.ResponseRecorder {
		var rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	require.Equal(t, http.StatusOK, get("/status").Code)
	require.Equal(t, http.StatusOK, get("/metrics").Code)

	EnterMaintenance(errors.New("store inconsistent"))

	var reason, ok = InMaintenance()
	require.True(t, ok)
	require.Equal(t, "store inconsistent", reason)

	var rec = get("/status")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store inconsistent")
}
