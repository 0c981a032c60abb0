// Package testing switches command packages into test mode. Blank-import it
// from a command's tests so main returns before dialing Postgres, Redis or the
// task queue.
package testing

import (
	"os"
	stdtesting "testing"
)

// commandEnv is applied before any test runs. Only ODYSSEY_TEST_MODE is forced;
// the rest are defaults a developer can still override.
var commandEnv = []struct {
	key   string
	value string
	force bool
}{
	{key: "ODYSSEY_TEST_MODE", value: "1", force: true},
	{key: "LEDGER_STORE", value: "memory"},
	{key: "PUBLISH_EVENTS", value: "false"},
}

func applyCommandEnv() {
	for _, kv := range commandEnv {
		if _, set := os.LookupEnv(kv.key); set && !kv.force {
			continue
		}
		_ = os.Setenv(kv.key, kv.value)
	}
}

func init() {
	applyCommandEnv()
}

func TestMain(m *stdtesting.M) {
	applyCommandEnv()
	os.Exit(m.Run())
}
