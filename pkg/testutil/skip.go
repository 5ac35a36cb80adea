// Package testutil holds helpers shared by container-backed tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv opts into container-backed tests on CI runners.
const IntegrationEnv = "RUNQUEUE_INTEGRATION"

// RequireIntegration skips t in short mode, and on CI unless IntegrationEnv is set.
// Locally the tests run whenever Docker is reachable by testcontainers.
func RequireIntegration(t testing.TB) {
	t.Helper()
	switch {
	case testing.Short():
		t.Skip("integration test skipped in short mode")
	case os.Getenv("CI") != "" && os.Getenv(IntegrationEnv) == "":
		t.Skipf("integration test skipped on CI (set %s=1 to run)", IntegrationEnv)
	}
}
