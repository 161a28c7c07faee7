//go:build test
// +build test

package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore bypasses ensureTmpfs (which needs CAP_SYS_ADMIN) and just
// creates the directory, mirroring what Open does once a tmpfs is mounted.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	kvDir := filepath.Join(dir, "kv")
	require.NoError(t, os.MkdirAll(kvDir, 0o700))
	return &Store{dir: kvDir}
}

func truncateLastByte(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("web0", []Pair{
		{Key: "state", Value: "running"},
		{Key: "cpu_limit", Value: "200000"},
	}))

	values, err := s.Load("web0")
	require.NoError(t, err)
	require.Equal(t, "running", values["state"])
	require.Equal(t, "200000", values["cpu_limit"])
}

func TestAppendLastWriteWins(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("web0", []Pair{{Key: "state", Value: "stopped"}}))
	require.NoError(t, s.Append("web0", []Pair{{Key: "state", Value: "running"}}))

	values, err := s.Load("web0")
	require.NoError(t, err)
	require.Equal(t, "running", values["state"])
}

func TestRewriteReplacesLog(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("web0", []Pair{
		{Key: "state", Value: "stopped"},
		{Key: "stale", Value: "x"},
	}))
	require.NoError(t, s.Rewrite("web0", []Pair{{Key: "state", Value: "running"}}))

	values, err := s.Load("web0")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"state": "running"}, values)
}

func TestLoadMissingNodeReturnsEmptyMap(t *testing.T) {
	s := openTestStore(t)

	values, err := s.Load("ghost")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestRemoveDeletesNode(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("web0", []Pair{{Key: "state", Value: "running"}}))
	require.NoError(t, s.Remove("web0"))

	values, err := s.Load("web0")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestLoadAllMergesEveryNode(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("web0", []Pair{{Key: "state", Value: "running"}}))
	require.NoError(t, s.Append("web1", []Pair{{Key: "state", Value: "stopped"}}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Equal(t, "running", all["web0"]["state"])
	require.Equal(t, "stopped", all["web1"]["state"])

	names, err := s.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"web0", "web1"}, names)
}

func TestLoadDetectsTruncatedTrailingRecord(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("web0", []Pair{
		{Key: "state", Value: "running"},
		{Key: "cpu_limit", Value: "200000"},
	}))

	truncateLastByte(t, s.path("web0"))

	// A truncated trailing record is dropped, not propagated as an error;
	// the well-formed prefix still loads.
	values, err := s.Load("web0")
	require.NoError(t, err)
	require.Equal(t, "running", values["state"])
}
