package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv switches entrypoints into a no-side-effect mode.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	return on
})

// InTestMode reports whether serve and the worker should return before
// dialing Postgres or Redis. The environment is read once per process.
func InTestMode() bool {
	return testMode()
}
