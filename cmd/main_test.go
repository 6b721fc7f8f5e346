package cmd

import (
	"testing"

	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/observability"
)

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""

	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
}
