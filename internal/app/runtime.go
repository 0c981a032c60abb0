package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// TestModeEnv names the variable that turns commands into no-ops under go test.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode struct {
	sync.RWMutex
	loaded  bool
	enabled bool
}

func parseTestMode(raw string) bool {
	enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && enabled
}

// InTestMode reports whether commands should skip connecting to Postgres,
// Redis and the task queue. The variable is read once.
func InTestMode() bool {
	testMode.RLock()
	loaded, enabled := testMode.loaded, testMode.enabled
	testMode.RUnlock()
	if loaded {
		return enabled
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads ODYSSEY_TEST_MODE after the environment changed.
func RefreshTestMode() bool {
	testMode.Lock()
	defer testMode.Unlock()
	testMode.enabled = parseTestMode(os.Getenv(TestModeEnv))
	testMode.loaded = true
	return testMode.enabled
}
