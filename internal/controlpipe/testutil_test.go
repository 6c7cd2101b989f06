package controlpipe

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// shortTempDir keeps socket paths under the platform limit, which t.TempDir can exceed for long test names.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lgp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}
