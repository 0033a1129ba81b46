// Package testutil holds small helpers shared by the fabric's tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireEventually polls condition every 10ms and fails the test if it
// does not hold within 10s. Used where a background goroutine needs a
// moment to settle, such as endpoint registration or watcher startup.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}
