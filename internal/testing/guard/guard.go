// Package guard forces test mode for any test binary that imports it, so
// entrypoints return before dialing Postgres, Redis or binding a port.
package guard

import (
	"os"

	"github.com/odyssey-erp/odyssey-rbac/internal/app"
)

func init() {
	if os.Getenv(app.TestModeEnv) == "" {
		_ = os.Setenv(app.TestModeEnv, "1")
	}
}
