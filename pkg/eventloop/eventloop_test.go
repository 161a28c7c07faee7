//go:build test
// +build test

package eventloop

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeManager is an in-memory eventloop.Manager so tests never touch real
// cgroups, pids, or the dispatcher's epoll fd path.
type fakeManager struct {
	mu sync.Mutex

	pidNames map[int]string
	running  []string
	logPaths map[string][3]any // name -> [stdout, stderr, maxSize]

	exitCalls    []exitCall
	respawnCalls []string
	agingCalls   []int64
	departure    func(name string)
}

type exitCall struct {
	name      string
	status    int
	oomKilled bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{pidNames: map[int]string{}, logPaths: map[string][3]any{}}
}

func (f *fakeManager) NameForPid(pid int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.pidNames[pid]
	return n, ok
}
func (f *fakeManager) OOMEventFD(name string) (uintptr, error) { return 0, nil }
func (f *fakeManager) ListRunning() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.running...)
}
func (f *fakeManager) LogPaths(name string) (string, string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.logPaths[name]
	return v[0].(string), v[1].(string), v[2].(uint64), nil
}
func (f *fakeManager) Exit(name string, status int, oomKilled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls = append(f.exitCalls, exitCall{name: name, status: status, oomKilled: oomKilled})
	return nil
}
func (f *fakeManager) Respawn(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respawnCalls = append(f.respawnCalls, name)
	return nil
}
func (f *fakeManager) SetDepartureHook(fn func(name string)) {
	f.departure = fn
}
func (f *fakeManager) AgingSweep(agingSeconds int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agingCalls = append(f.agingCalls, agingSeconds)
}

func newTestLoop(t *testing.T) (*Loop, *fakeManager) {
	t.Helper()
	mgr := newFakeManager()
	l, err := New(mgr, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, mgr
}

func TestHandleExitEventResolvesNameAndCallsExit(t *testing.T) {
	l, mgr := newTestLoop(t)
	mgr.pidNames[42] = "app"

	l.handle(exitEvent{pid: 42, status: 7})

	require.Len(t, mgr.exitCalls, 1)
	require.Equal(t, exitCall{name: "app", status: 7, oomKilled: false}, mgr.exitCalls[0])
}

func TestHandleExitEventUnknownPidIsIgnored(t *testing.T) {
	l, mgr := newTestLoop(t)

	l.handle(exitEvent{pid: 999, status: 0})

	require.Empty(t, mgr.exitCalls)
}

func TestHandleOomEventCallsExitWithOomKilled(t *testing.T) {
	l, mgr := newTestLoop(t)

	l.handle(oomEvent{name: "app"})

	require.Len(t, mgr.exitCalls, 1)
	require.True(t, mgr.exitCalls[0].oomKilled)
	require.Equal(t, "app", mgr.exitCalls[0].name)
}

func TestHandleRespawnEventCallsRespawn(t *testing.T) {
	l, mgr := newTestLoop(t)

	l.handle(respawnEvent{name: "app"})

	require.Equal(t, []string{"app"}, mgr.respawnCalls)
}

func TestScheduleRespawnFiresAfterDelay(t *testing.T) {
	l, mgr := newTestLoop(t)
	l.wg.Add(1)
	go l.dispatch(nil)

	l.ScheduleRespawn("app", 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.respawnCalls) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWaitClosesOnDeparture(t *testing.T) {
	l, mgr := newTestLoop(t)
	require.NotNil(t, mgr.departure)

	ch := l.Wait("app")
	select {
	case <-ch:
		t.Fatal("waiter fired before any departure")
	default:
	}

	mgr.departure("app")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter never fired after departure")
	}
}

func TestWaitIsPerContainerAndOneShot(t *testing.T) {
	l, mgr := newTestLoop(t)

	chApp := l.Wait("app")
	chOther := l.Wait("other")

	mgr.departure("app")

	select {
	case <-chApp:
	case <-time.After(time.Second):
		t.Fatal("app waiter never fired")
	}
	select {
	case <-chOther:
		t.Fatal("other's waiter must not fire on app's departure")
	default:
	}
}

func TestHandleAgingSweepEventCallsAgingSweepWithConfiguredSeconds(t *testing.T) {
	l, mgr := newTestLoop(t)
	l.agingSeconds = 60

	l.handle(agingSweepEvent{})

	require.Equal(t, []int64{60}, mgr.agingCalls)
}

func TestRotateAllTruncatesOversizeLogs(t *testing.T) {
	l, mgr := newTestLoop(t)

	dir := t.TempDir()
	stdout := filepath.Join(dir, "app.stdout.log")
	stderr := filepath.Join(dir, "app.stderr.log")
	require.NoError(t, os.WriteFile(stdout, make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(stderr, make([]byte, 10), 0o644))

	mgr.running = []string{"app"}
	mgr.logPaths["app"] = [3]any{stdout, stderr, uint64(50)}

	l.rotateAll()

	info, err := os.Stat(stdout)
	require.NoError(t, err)
	require.Zero(t, info.Size(), "oversize stdout log must be truncated")

	info, err = os.Stat(stderr)
	require.NoError(t, err)
	require.EqualValues(t, 10, info.Size(), "under-limit stderr log must be left alone")
}
