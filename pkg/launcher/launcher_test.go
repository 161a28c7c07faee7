//go:build test
// +build test

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"porto/pkg/container"
)

func TestStartRunsCommandAndWritesLogs(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "out.log")

	l := New()
	pid, err := l.Start(context.Background(), container.TaskEnv{
		Command:    "echo hello",
		StdoutPath: stdout,
		StderrPath: filepath.Join(dir, "err.log"),
	})
	require.NoError(t, err)
	require.NotZero(t, pid)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(stdout)
		return err == nil && len(b) > 0
	}, 2*time.Second, 20*time.Millisecond)

	b, err := os.ReadFile(stdout)
	require.NoError(t, err)
	require.Contains(t, string(b), "hello")
}

func TestKillToleratesNonexistentPid(t *testing.T) {
	l := New()
	// No process has ever existed at this pid in this test run, so Kill
	// must turn the kernel's ESRCH into a nil error rather than bubbling
	// it up as a failure.
	err := l.Kill(1<<30, syscall.SIGTERM)
	require.NoError(t, err)
}

func TestResolveCredentialDefaultsToNilForRoot(t *testing.T) {
	cred, err := resolveCredential("", "")
	require.NoError(t, err)
	require.Nil(t, cred)

	cred, err = resolveCredential("root", "root")
	require.NoError(t, err)
	require.Nil(t, cred)
}

func TestResolveCredentialUnknownUserErrors(t *testing.T) {
	_, err := resolveCredential("porto-test-nonexistent-user", "")
	require.Error(t, err)
}
