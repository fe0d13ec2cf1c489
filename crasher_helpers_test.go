package waldb

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCrasherTest re-executes the current test binary with WALDB_CRASH_HELPER
// set to helperKey, and asserts the child process exits non-zero. Used for
// misuse checks whose fatal() fires on a goroutine the parent test cannot
// recover across (see fatal's doc comment).
func runCrasherTest(t *testing.T, testName, helperKey string) {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command(os.Args[0], "-test.run="+testName)
	cmd.Env = append(os.Environ(), "WALDB_CRASH_HELPER="+helperKey, "WALDB_CRASH_DIR="+dir)
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected the helper process to exit non-zero, got %v", err)
	assert.False(t, exitErr.Success())
}

func isSnapshotCrashHelper() bool {
	return os.Getenv("WALDB_CRASH_HELPER") == "snapshot_in_writer_tx"
}

func runSnapshotInsideWriterTransactionHelper() {
	dir := os.Getenv("WALDB_CRASH_DIR")
	p, err := OpenPool(context.Background(), DefaultConfig(filepath.Join(dir, "snap.db")))
	if err != nil {
		os.Exit(2)
	}
	_ = p.Write(context.Background(), func(ctx context.Context, conn Connection) error {
		_, err := p.CurrentSnapshotToken(ctx)
		_ = err
		return nil
	})
	// If control reaches here, the misuse check failed to abort the process.
	os.Exit(3)
}
