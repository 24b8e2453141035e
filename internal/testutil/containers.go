// Package testutil holds helpers shared by the package tests: throwaway
// database containers and in-memory fakes for the engine's collaborators.
package testutil

import (
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// requireDocker skips t when container tests are disabled or no container
// provider is reachable.
func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	if os.Getenv("ANTFARM_SKIP_CONTAINERS") != "" {
		t.Skip("ANTFARM_SKIP_CONTAINERS is set")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
