//go:build test
// +build test

package container

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	er "porto/errors"
	"porto/pkg/cgroup"
	"porto/pkg/kvstore"
	"porto/pkg/netclass"
	"porto/pkg/property"
	"porto/pkg/registry"
)

// fakeCgroups is an in-memory CgroupDriver so tests never touch the real
// cgroup filesystem.
type fakeCgroups struct {
	mu      sync.Mutex
	created map[string]cgroup.Spec
	procs   map[string][]int
	frozen  map[string]bool
}

func newFakeCgroups() *fakeCgroups {
	return &fakeCgroups{created: map[string]cgroup.Spec{}, procs: map[string][]int{}, frozen: map[string]bool{}}
}

func (f *fakeCgroups) Create(ancestors []string, name string, spec cgroup.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name] = spec
	return nil
}
func (f *fakeCgroups) Attach(name string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[name] = append(f.procs[name], pid)
	return nil
}
func (f *fakeCgroups) Update(name string, spec cgroup.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name] = spec
	return nil
}
func (f *fakeCgroups) Freeze(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen[name] = true
	return nil
}
func (f *fakeCgroups) Thaw(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen[name] = false
	return nil
}
func (f *fakeCgroups) Processes(name string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.procs[name]...), nil
}
func (f *fakeCgroups) Empty(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs[name]) == 0, nil
}
func (f *fakeCgroups) OOMEventFD(name string) (uintptr, error) {
	return 0, nil
}
func (f *fakeCgroups) Destroy(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, name)
	delete(f.procs, name)
	return nil
}

// fakeNetmgr is an in-memory TrafficClassManager.
type fakeNetmgr struct {
	mu      sync.Mutex
	classes map[int]int // containerID -> parentID
	deleted []int
}

func newFakeNetmgr() *fakeNetmgr { return &fakeNetmgr{classes: map[int]int{}} }

func (f *fakeNetmgr) CreateClass(containerID, parentID int, perIface map[string]netclass.Limits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[containerID] = parentID
	return nil
}
func (f *fakeNetmgr) DeleteClass(containerID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.classes, containerID)
	f.deleted = append(f.deleted, containerID)
	return nil
}

// fakeLauncher is an in-memory TaskLauncher that "runs" each task forever
// until Kill is called, at which point Wait unblocks.
type fakeLauncher struct {
	mu      sync.Mutex
	nextPid int
	alive   map[int]bool
	envs    map[int]TaskEnv
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPid: 100, alive: map[int]bool{}, envs: map[int]TaskEnv{}}
}

func (f *fakeLauncher) Start(_ context.Context, env TaskEnv) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	pid := f.nextPid
	f.alive[pid] = true
	f.envs[pid] = env
	return pid, nil
}
func (f *fakeLauncher) Kill(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = false
	return nil
}
func (f *fakeLauncher) Wait(pid int) (int, error) {
	return 0, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeCgroups, *fakeNetmgr, *fakeLauncher) {
	t.Helper()
	kv, err := kvstore.OpenDir(t.TempDir() + "/kv")
	require.NoError(t, err)

	reg := registry.New()
	table := property.NewBuiltinTable()

	cg := newFakeCgroups()
	nm := newFakeNetmgr()
	launcher := newFakeLauncher()

	mgr := NewManager(reg, table, kv, cg, nm, launcher, Config{
		NetworkEnabled: false,
		KillTimeoutMs:  50,
		StopTimeoutMs:  50,
		RespawnDelayMs: 1,
		SoftLimitMiB:   64,
	})
	return mgr, cg, nm, launcher
}

func TestCreateStartStopLifecycle(t *testing.T) {
	mgr, cg, _, launcher := newTestManager(t)

	c, err := mgr.Create("app", "")
	require.NoError(t, err)
	require.Equal(t, Stopped, c.State())

	require.NoError(t, mgr.Set("app", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Start("app"))
	require.Equal(t, Running, c.State())
	require.NotZero(t, c.pid)
	require.Contains(t, cg.created, "app")
	pid := c.pid

	require.NoError(t, mgr.Stop("app"))
	require.Equal(t, Stopped, c.State())
	require.False(t, launcher.alive[pid])
}

func TestStartWithEmptyCommandBecomesMeta(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.Create("meta", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Start("meta"))

	c, err := mgr.get("meta")
	require.NoError(t, err)
	require.Equal(t, Meta, c.State())
	require.Zero(t, c.pid)
}

func TestStartRejectedFromNonStoppedState(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("app", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Start("app"))

	err = mgr.Start("app")
	require.Error(t, err)
}

func TestSetRejectsExceedingParentLimit(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("parent", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("parent", property.PropMemoryLimit, property.UintValue(1000)))

	_, err = mgr.Create("parent/child", "parent")
	require.NoError(t, err)

	err = mgr.Set("parent/child", property.PropMemoryLimit, property.UintValue(2000))
	require.Error(t, err)
	require.True(t, er.Is(err, er.InvalidValue), "sibling/parent-sum rejection must be InvalidValue, got %v", err)

	require.NoError(t, mgr.Set("parent/child", property.PropMemoryLimit, property.UintValue(500)))
}

func TestSetRejectsSiblingSumExceedingParentWithInvalidValue(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("p", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("p", property.PropMemoryGuarantee, property.UintValue(100<<20)))

	_, err = mgr.Create("p/c1", "p")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("p/c1", property.PropMemoryGuarantee, property.UintValue(60<<20)))

	_, err = mgr.Create("p/c2", "p")
	require.NoError(t, err)

	err = mgr.Set("p/c2", property.PropMemoryGuarantee, property.UintValue(50<<20))
	require.Error(t, err)
	require.True(t, er.Is(err, er.InvalidValue), "expected InvalidValue, got %v", err)
}

func TestSetRejectsAncestorBelowRequestedTransitively(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("gp", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("gp", property.PropMemoryLimit, property.UintValue(500)))

	_, err = mgr.Create("gp/parent", "gp")
	require.NoError(t, err)
	_, err = mgr.Create("gp/parent/child", "gp/parent")
	require.NoError(t, err)

	// parent has no limit of its own (0 = unbounded), but the grandparent
	// caps at 500: a 1000 request on the leaf must still be rejected by
	// walking the full ancestor chain, not just the immediate parent.
	err = mgr.Set("gp/parent/child", property.PropMemoryLimit, property.UintValue(1000))
	require.Error(t, err)
}

func TestRespawnBoundedByMaxRespawns(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("app", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("app", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Set("app", property.PropMaxRespawns, property.IntValue(1)))
	require.NoError(t, mgr.Start("app"))

	require.NoError(t, mgr.Exit("app", 0, false))
	c, err := mgr.get("app")
	require.NoError(t, err)
	require.Equal(t, Dead, c.State())

	require.NoError(t, mgr.Respawn("app"))
	count, err := mgr.Get("app", property.DataRespawnCount)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count.Uint)

	c, err = mgr.get("app")
	require.NoError(t, err)
	require.Equal(t, Running, c.State())
	require.NoError(t, mgr.Exit("app", 0, false))

	err = mgr.Respawn("app")
	require.NoError(t, err)
	count, err = mgr.Get("app", property.DataRespawnCount)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count.Uint, "respawn_count must not advance once max_respawns is reached")
	c, err = mgr.get("app")
	require.NoError(t, err)
	require.Equal(t, Dead, c.State(), "a respawn blocked by max_respawns must leave the container Dead")
}

func TestDestroyFailsWithChildrenPresent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("p", "")
	require.NoError(t, err)
	_, err = mgr.Create("p/c", "p")
	require.NoError(t, err)

	err = mgr.Destroy("p")
	require.Error(t, err)
}

func TestDestroyRemovesFromRegistry(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("solo", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy("solo"))
	_, err = mgr.get("solo")
	require.Error(t, err)
}

func TestPauseCascadesToChildrenAndResumeRestoresThem(t *testing.T) {
	mgr, cg, _, _ := newTestManager(t)

	_, err := mgr.Create("p", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Start("p"))

	_, err = mgr.Create("p/c", "p")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("p/c", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Start("p/c"))

	pc, err := mgr.get("p/c")
	require.NoError(t, err)
	require.Equal(t, Running, pc.State())

	require.NoError(t, mgr.Pause("p"))

	p, err := mgr.get("p")
	require.NoError(t, err)
	require.Equal(t, Paused, p.State())
	require.Equal(t, Paused, pc.State(), "child must become Paused when its parent is Paused")
	require.True(t, cg.frozen["p"])
	require.True(t, cg.frozen["p/c"])

	require.NoError(t, mgr.Resume("p"))
	require.Equal(t, Meta, p.State())
	require.Equal(t, Running, pc.State(), "child must restore its prior task-owning state on Resume")
	require.False(t, cg.frozen["p"])
	require.False(t, cg.frozen["p/c"])
}

func TestResumeRejectedWhilePausedAncestorPending(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.Create("p", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Start("p"))

	_, err = mgr.Create("p/c", "p")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("p/c", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Start("p/c"))

	require.NoError(t, mgr.Pause("p"))

	// Directly attempting to resume the child while its ancestor is still
	// Paused must be rejected, independent of the parent-driven cascade.
	err = mgr.Resume("p/c")
	require.Error(t, err)
	require.True(t, er.Is(err, er.InvalidState), "expected InvalidState, got %v", err)

	c, err := mgr.get("p/c")
	require.NoError(t, err)
	require.Equal(t, Paused, c.State(), "rejected Resume must leave the child Paused")
}

func TestKillTaskThawsPausedContainerBeforeSignalling(t *testing.T) {
	mgr, cg, _, launcher := newTestManager(t)

	_, err := mgr.Create("app", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("app", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Start("app"))
	require.NoError(t, mgr.Pause("app"))
	require.True(t, cg.frozen["app"])

	c, err := mgr.get("app")
	require.NoError(t, err)
	pid := c.pid

	require.NoError(t, mgr.Stop("app"))
	require.Equal(t, Stopped, c.State())
	require.False(t, cg.frozen["app"], "stopping a Paused container must thaw it before signalling")
	require.False(t, launcher.alive[pid])
}

func TestRestoreAllRecreatesTrafficClassForReattachedContainer(t *testing.T) {
	kv, err := kvstore.OpenDir(t.TempDir() + "/kv")
	require.NoError(t, err)

	reg := registry.New()
	table := property.NewBuiltinTable()
	cg := newFakeCgroups()
	nm := newFakeNetmgr()
	launcher := newFakeLauncher()

	mgr := NewManager(reg, table, kv, cg, nm, launcher, Config{
		NetworkEnabled: true,
		KillTimeoutMs:  50,
		StopTimeoutMs:  50,
		RespawnDelayMs: 1,
		SoftLimitMiB:   64,
	})

	_, err = mgr.Create("app", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("app", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Start("app"))

	c, err := mgr.get("app")
	require.NoError(t, err)
	require.Contains(t, nm.classes, c.id)

	// reattach's liveness check is a real syscall.Kill(pid, 0), so the
	// persisted pid must be one this test process can actually signal;
	// its own pid always qualifies. Overwrite the kv record the same way
	// a crashed-and-restarted daemon would find it on disk.
	pid := os.Getpid()
	require.NoError(t, kv.Append("app", []kvstore.Pair{
		{Key: property.DataRawPid, Value: fmt.Sprintf("%d", pid)},
	}))

	// Simulate a process restart: fresh in-memory driver state, but the
	// task itself (and its cgroup membership) is still alive.
	reg2 := registry.New()
	cg2 := newFakeCgroups()
	cg2.procs["app"] = []int{pid}
	nm2 := newFakeNetmgr()
	mgr2 := NewManager(reg2, table, kv, cg2, nm2, launcher, Config{
		NetworkEnabled: true,
		KillTimeoutMs:  50,
		StopTimeoutMs:  50,
		RespawnDelayMs: 1,
		SoftLimitMiB:   64,
	})

	require.NoError(t, mgr2.RestoreAll())

	restored, err := mgr2.get("app")
	require.NoError(t, err)
	require.Equal(t, Running, restored.State())
	require.Contains(t, nm2.classes, restored.id, "traffic class must be recreated for a reattached container")
}

func TestStartRejectsRootRdonlyWithRootSlash(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("app", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("app", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Set("app", property.PropRootRdonly, property.BoolValue(true)))

	err = mgr.Start("app")
	require.Error(t, err)
	require.True(t, er.Is(err, er.InvalidValue), "expected InvalidValue, got %v", err)

	c, err := mgr.get("app")
	require.NoError(t, err)
	require.Equal(t, Stopped, c.State(), "rejected Start must leave the container Stopped")
}

func TestStartAllowsRootRdonlyWithNonRootPath(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.Create("app", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Set("app", property.PropCommand, property.StringValue("/bin/true")))
	require.NoError(t, mgr.Set("app", property.PropRoot, property.StringValue("/var/lib/porto/app")))
	require.NoError(t, mgr.Set("app", property.PropRootRdonly, property.BoolValue(true)))

	require.NoError(t, mgr.Start("app"))
}
