//go:build test
// +build test

package netclass

import (
	"testing"

	"github.com/stretchr/testify/require"

	defs "porto/definitions"
)

type fakeDriver struct {
	ifaces  []string
	classes map[Handle]bool
	deletes []Handle
	statsErr bool
}

func newFakeDriver(ifaces ...string) *fakeDriver {
	return &fakeDriver{ifaces: ifaces, classes: map[Handle]bool{}}
}

func (f *fakeDriver) EnsureRootQdisc(iface string, major uint16) error { return nil }

func (f *fakeDriver) CreateClass(iface string, handle, parent Handle, prio int, rate, ceil uint64) error {
	if rate == 0 {
		panic("rate must never reach the driver as 0")
	}
	f.classes[handle] = true
	return nil
}

func (f *fakeDriver) DeleteClass(iface string, handle Handle) error {
	f.deletes = append(f.deletes, handle)
	delete(f.classes, handle)
	return nil
}

func (f *fakeDriver) ClassStats(iface string, handle Handle) (ClassStats, error) {
	if f.statsErr {
		return ClassStats{}, errStats
	}
	return ClassStats{Bytes: 100, Packets: 10}, nil
}

func (f *fakeDriver) Interfaces() ([]string, error) { return f.ifaces, nil }

var errStats = &statsError{}

type statsError struct{}

func (*statsError) Error() string { return "stats unavailable" }

func TestHandleEncoding(t *testing.T) {
	h := NewHandle(1, 42)
	require.Equal(t, uint16(1), h.Major())
	require.Equal(t, uint16(42), h.Minor())
}

func TestPrepareInstallsDefaultAndPortoRootClasses(t *testing.T) {
	driver := newFakeDriver("eth0")
	m := New(driver)
	require.NoError(t, m.Prepare())

	require.True(t, driver.classes[NewHandle(defs.HTBMajor, 1)])
	require.True(t, m.ifaces["eth0"])
}

func TestCreateClassTopLevelParentsAtPortoRoot(t *testing.T) {
	driver := newFakeDriver("eth0")
	m := New(driver)
	require.NoError(t, m.Prepare())

	require.NoError(t, m.CreateClass(5, 0, nil))
	node := m.nodes[5]
	require.Equal(t, NewHandle(defs.HTBMajor, uint16(m.portoRootID)), node.parent)
}

func TestCreateClassRemapsZeroRateToOne(t *testing.T) {
	driver := newFakeDriver("eth0")
	m := New(driver)
	require.NoError(t, m.Prepare())

	// Limits{} defaults to zero, which CreateClass must remap before
	// calling the driver (the fake driver panics on rate=0).
	require.NotPanics(t, func() {
		require.NoError(t, m.CreateClass(5, 0, map[string]Limits{"eth0": {}}))
	})
}

func TestCreateClassRejectsUnknownParent(t *testing.T) {
	driver := newFakeDriver("eth0")
	m := New(driver)
	require.NoError(t, m.Prepare())

	err := m.CreateClass(6, 99, nil)
	require.Error(t, err)
}

func TestDeleteClassRecursesIntoChildrenFirst(t *testing.T) {
	driver := newFakeDriver("eth0")
	m := New(driver)
	require.NoError(t, m.Prepare())
	require.NoError(t, m.CreateClass(5, 0, nil))
	require.NoError(t, m.CreateClass(6, 5, nil))

	require.NoError(t, m.DeleteClass(5))
	require.Len(t, m.nodes, 0)
	// Child (6) must be deleted before the parent (5).
	require.Equal(t, NewHandle(defs.HTBMajor, 6), driver.deletes[0])
}

func TestUpdateInterfacesForgetsRemovedInterface(t *testing.T) {
	driver := newFakeDriver("eth0", "eth1")
	m := New(driver)
	require.NoError(t, m.Prepare())
	require.NoError(t, m.CreateClass(5, 0, nil))

	driver.ifaces = []string{"eth0"}
	require.NoError(t, m.UpdateInterfaces())

	require.NotContains(t, m.ifaces, "eth1")
	require.NotContains(t, m.nodes[5].perIface, "eth1")
}

func TestStatsFallsBackOnDriverError(t *testing.T) {
	driver := newFakeDriver("eth0")
	driver.statsErr = true
	m := New(driver)
	require.NoError(t, m.Prepare())
	require.NoError(t, m.CreateClass(5, 0, nil))

	stats, err := m.Stats(5)
	require.NoError(t, err)
	require.Contains(t, stats, "eth0")
}
