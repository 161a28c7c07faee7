//go:build test
// +build test

package cgroup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToLinuxResourcesMemory(t *testing.T) {
	res := toLinuxResources(Spec{MemoryLimitBytes: 1024, MemoryGuaranteeBytes: 512})
	require.NotNil(t, res.Memory)
	require.Equal(t, int64(1024), *res.Memory.Limit)
	require.Equal(t, int64(512), *res.Memory.Reservation)
}

func TestToLinuxResourcesOmitsUnsetMemory(t *testing.T) {
	res := toLinuxResources(Spec{})
	require.Nil(t, res.Memory)
}

func TestToLinuxResourcesNormalCPU(t *testing.T) {
	res := toLinuxResources(Spec{
		CPUPolicy:          PolicyNormal,
		CPUQuotaUs:         50000,
		CPUPeriodUs:        100000,
		CPUSharesGuarantee: 512,
	})
	require.NotNil(t, res.CPU)
	require.Equal(t, int64(50000), *res.CPU.Quota)
	require.Equal(t, uint64(100000), *res.CPU.Period)
	require.Equal(t, uint64(512), *res.CPU.Shares)
}

func TestToLinuxResourcesRTPolicyIgnoresNormalFields(t *testing.T) {
	res := toLinuxResources(Spec{CPUPolicy: PolicyRT, CPUQuotaUs: 20000})
	require.NotNil(t, res.CPU)
	require.Equal(t, int64(20000), *res.CPU.RealtimeRuntime)
	require.Nil(t, res.CPU.Quota)
}

func TestToLinuxResourcesDeviceRules(t *testing.T) {
	res := toLinuxResources(Spec{Devices: []DeviceRule{
		{Type: 'c', Major: 1, Minor: 5, Permissions: "rwm", Allow: true},
	}})
	require.Len(t, res.Devices, 1)
	require.Equal(t, "c", res.Devices[0].Type)
	require.Equal(t, int64(1), *res.Devices[0].Major)
	require.True(t, res.Devices[0].Allow)
}

func TestToLinuxResourcesCPUSetMask(t *testing.T) {
	res := toLinuxResources(Spec{CPUSetMask: "0,2-3"})
	require.NotNil(t, res.CPU)
	require.Equal(t, "0,2-3", res.CPU.Cpus)
}

func TestToLinuxResourcesNetClsClassID(t *testing.T) {
	res := toLinuxResources(Spec{NetClsClassID: 0x10001})
	require.NotNil(t, res.Network)
	require.Equal(t, uint32(0x10001), *res.Network.ClassID)
}

func TestLeafPathIncludesPortoRootAndAncestors(t *testing.T) {
	d := New()
	path := d.leafPath([]string{"parent"}, "child")
	require.Equal(t, "/porto/parent/child", path)
}

func TestDestroyOnUnknownContainerIsNoop(t *testing.T) {
	d := New()
	require.NoError(t, d.Destroy("never-created"))
}

func TestHandleLookupFailsForUnknownContainer(t *testing.T) {
	d := New()
	_, err := d.handle("ghost")
	require.Error(t, err)
}
