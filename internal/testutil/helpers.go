// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// RequirePF skips the test unless PFKIT_PF_TEST is set. Such tests open
// the real pf device and need root on a host that has one.
func RequirePF(t *testing.T) {
	t.Helper()
	if os.Getenv("PFKIT_PF_TEST") == "" {
		t.Skip("Skipping test: requires PFKIT_PF_TEST environment")
	}
}
