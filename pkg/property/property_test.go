//go:build test
// +build test

package property

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsBeforeAnySet(t *testing.T) {
	m := NewMap(NewBuiltinTable())

	v, err := m.Get(PropCwd)
	require.NoError(t, err)
	require.Equal(t, "/", v.Str)

	v, err = m.Get(PropMaxRespawns)
	require.NoError(t, err)
	require.Equal(t, int64(-1), v.Int)
}

func TestSetRejectsWrongType(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	err := m.Set(PropCommand, IntValue(1))
	require.Error(t, err)
}

func TestSetRejectsUnknownProperty(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	err := m.Set("no_such_property", StringValue("x"))
	require.Error(t, err)
}

func TestCPUSetAcceptsValidMaskAndRejectsInvalid(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	require.NoError(t, m.Set(PropCPUSet, StringValue("0,2-3")))

	v, err := m.Get(PropCPUSet)
	require.NoError(t, err)
	require.Equal(t, "0,2-3", v.Str)

	require.Error(t, m.Set(PropCPUSet, StringValue("not-a-mask")))
}

func TestStateGatingBlocksStaticPropertyWhenRunning(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	// command is a static property; legal in Stopped.
	require.NoError(t, m.Set(PropCommand, StringValue("/bin/true")))

	m.SetState(StateRunning)
	err := m.Set(PropCommand, StringValue("/bin/false"))
	require.Error(t, err)
}

func TestSetPersistsToDirtyList(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	require.NoError(t, m.Set(PropCommand, StringValue("/bin/true")))

	changes := m.Flush()
	require.Len(t, changes, 1)
	require.Equal(t, PropCommand, changes[0].Key)
	require.Equal(t, "/bin/true", changes[0].Value)

	// Flush clears the list.
	require.Empty(t, m.Flush())
}

func TestSetToCurrentValueIsNoopAndNotDirty(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	m.SetState(StateRunning)

	require.NoError(t, m.Set(PropMemoryLimit, UintValue(1024)))
	m.Flush()

	require.NoError(t, m.Set(PropMemoryLimit, UintValue(1024)))
	require.Empty(t, m.Flush())
}

func TestSubscriptedMapAccess(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	m.SetState(StateRunning)

	require.NoError(t, m.SetKey(PropNetGuarantee, "eth0", 5000))
	v, err := m.GetKey(PropNetGuarantee, "eth0")
	require.NoError(t, err)
	require.Equal(t, uint64(5000), v)

	// Existing default entry is preserved.
	def, err := m.GetKey(PropNetGuarantee, "default")
	require.NoError(t, err)
	require.NotZero(t, def)
}

func TestAliasRewritesToCanonicalName(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	m.SetState(StateRunning)

	require.NoError(t, m.Set("memory_limit_bytes", UintValue(2048)))
	v, err := m.Get(PropMemoryLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(2048), v.Uint)
}

func TestRestoreReconstructsPersistedValues(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	require.NoError(t, m.Restore(map[string]string{
		PropCommand: "/bin/sh",
		DataState:   "running",
	}))

	v, err := m.Get(PropCommand)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", v.Str)
}

func TestHiddenDataExcludedFromSnapshot(t *testing.T) {
	m := NewMap(NewBuiltinTable())
	snap := m.Snapshot()

	_, present := snap[DataMemoryLimitBound]
	require.False(t, present)
	_, present = snap[PropCommand]
	require.True(t, present)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []Value{
		StringValue("hello"),
		BoolValue(true),
		IntValue(-7),
		UintValue(42),
		StringListValue([]string{"a", "b"}),
		UintMapValue(map[string]uint64{"eth0": 10, "eth1": 20}),
	}
	for _, v := range cases {
		s := v.Marshal()
		got, err := Unmarshal(v.Type, s)
		require.NoError(t, err)
		require.Equal(t, s, got.Marshal())
	}
}
