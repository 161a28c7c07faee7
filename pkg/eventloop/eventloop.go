// Package eventloop implements the Event Loop & Waiters component
// (spec.md §4.7): a single dispatcher that reaps exited tasks, watches
// every running container's memory cgroup for OOM via epoll, drives
// delayed respawns and periodic log rotation, and wakes per-container
// waiter lists on any departure from a task-owning state.
//
// The tagged-event-over-a-channel shape (an exitEvent/oomEvent/... struct
// per source, all funneled through one dispatch loop) is grounded on the
// teacher's pkg/shim/events.go eventsForwarder: that file consumes a
// generic `events chan any` and a type switch picks the handling path;
// this package keeps the same shape but dispatches to the state
// machine's Exit/Respawn instead of publishing a containerd topic.
package eventloop

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	defs "porto/definitions"
	log "porto/logger"
)

// Manager is the subset of *pkg/container.Manager the event loop drives.
// Declared here, not imported as a concrete type, for the same
// testability reason pkg/container declares CgroupDriver/TaskLauncher
// itself: unit tests substitute a fake instead of wiring real cgroups.
type Manager interface {
	NameForPid(pid int) (string, bool)
	OOMEventFD(name string) (uintptr, error)
	ListRunning() []string
	LogPaths(name string) (stdout, stderr string, maxSize uint64, err error)
	Exit(name string, status int, oomKilled bool) error
	Respawn(name string) error
	SetDepartureHook(fn func(name string))
	AgingSweep(agingSeconds int64)
}

// exitEvent is produced by the SIGCHLD reaper for one reaped pid.
type exitEvent struct {
	pid    int
	status int
}

// oomEvent is produced when a watched container's memory cgroup signals
// OOM via its eventfd.
type oomEvent struct {
	name string
}

// respawnEvent asks the dispatcher to invoke Respawn once delay_ms has
// elapsed, per a container's respawn_delay_ms property.
type respawnEvent struct {
	name string
}

// rotateLogsEvent fires periodically, driving the log-rotation sweep
// across every Running container.
type rotateLogsEvent struct{}

// agingSweepEvent fires periodically, driving the automatic-removal
// sweep over every Dead container (spec.md §4.6's aging edge).
type agingSweepEvent struct{}

// Loop owns the epoll fd used for OOM eventfd watching, the SIGCHLD
// reaper, the respawn timer queue, and the per-container waiter lists.
// One Loop serves the whole daemon (spec.md §4.7: "engine has one event
// loop", mirroring the teacher's one-eventsForwarder-per-shim-instance
// design).
type Loop struct {
	mgr Manager

	epfd   int
	oomMu  sync.Mutex
	oomFDs map[int]string // epoll fd -> container name

	events chan any

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}

	rotateInterval time.Duration

	agingSweepInterval time.Duration
	agingSeconds       int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Loop. rotateInterval is how often the log-rotation sweep
// runs; pkg/engine passes defs.DefaultLogRotateIntervalSeconds, and no
// config key sets it. agingSeconds is the Dead-removal age (spec.md
// §4.6's Dead-removal edge); pkg/engine passes config.Config's
// AgingTimeSeconds, which no config key overrides. The sweep itself
// runs on its own fixed cadence (defs.DefaultAgingSweepIntervalSeconds),
// independent of how long a container must actually sit Dead.
func New(mgr Manager, rotateInterval time.Duration, agingSeconds int64) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		mgr:                mgr,
		epfd:               epfd,
		oomFDs:             map[int]string{},
		events:             make(chan any, 64),
		waiters:            map[string][]chan struct{}{},
		rotateInterval:     rotateInterval,
		agingSweepInterval: time.Duration(defs.DefaultAgingSweepIntervalSeconds) * time.Second,
		agingSeconds:       agingSeconds,
		stop:               make(chan struct{}),
	}
	mgr.SetDepartureHook(l.signalWaiters)
	return l, nil
}

// Run starts the reaper, epoll poller, rotation ticker, aging ticker, and
// dispatcher goroutines. It returns immediately; call Close to stop them.
func (l *Loop) Run(ctx context.Context) {
	l.wg.Add(5)
	go l.reapChildren(ctx)
	go l.pollOOM(ctx)
	go l.tickRotation(ctx)
	go l.tickAging(ctx)
	go l.dispatch(ctx)
}

// Close stops every Loop goroutine and releases the epoll fd.
func (l *Loop) Close() error {
	close(l.stop)
	l.wg.Wait()
	return syscall.Close(l.epfd)
}

func (l *Loop) send(ev any) {
	select {
	case l.events <- ev:
	case <-l.stop:
	}
}

// dispatch is the single consumer of l.events, the same
// one-goroutine-owns-the-channel shape as the teacher's
// eventsForwarder.forward loop, so events that pass through the loop
// reach the state machine one at a time. Respawns that pkg/container
// schedules itself (Manager.Exit's scheduleRespawn goroutine) call
// Respawn outside this loop.
func (l *Loop) dispatch(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

func (l *Loop) handle(ev any) {
	switch e := ev.(type) {
	case exitEvent:
		name, ok := l.mgr.NameForPid(e.pid)
		if !ok {
			return
		}
		if err := l.mgr.Exit(name, e.status, false); err != nil {
			log.Warnf("eventloop: exit %s (pid %d): %v", name, e.pid, err)
		}
	case oomEvent:
		if err := l.mgr.Exit(e.name, -1, true); err != nil {
			log.Warnf("eventloop: oom exit %s: %v", e.name, err)
		}
	case respawnEvent:
		if err := l.mgr.Respawn(e.name); err != nil {
			log.Warnf("eventloop: respawn %s: %v", e.name, err)
		}
	case rotateLogsEvent:
		l.rotateAll()
	case agingSweepEvent:
		l.mgr.AgingSweep(l.agingSeconds)
	default:
		log.Warnf("eventloop: unrecognized event %T", ev)
	}
}

// reapChildren turns SIGCHLD into exitEvents. WNOHANG-looping on each
// signal drains every zombie that accumulated since the last delivery,
// since POSIX coalesces repeated pending signals of the same number.
func (l *Loop) reapChildren(ctx context.Context) {
	defer l.wg.Done()

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-sigCh:
			l.reapAll()
		}
	}
}

func (l *Loop) reapAll() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		l.send(exitEvent{pid: pid, status: ws.ExitStatus()})
	}
}

// WatchOOM registers name's memory cgroup eventfd with epoll. Called by
// the container manager (or its caller) once a container transitions to
// Running/Meta and again unregistered (UnwatchOOM) on departure.
func (l *Loop) WatchOOM(name string) error {
	fd, err := l.mgr.OOMEventFD(name)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return err
	}
	l.oomMu.Lock()
	l.oomFDs[int(fd)] = name
	l.oomMu.Unlock()
	return nil
}

// UnwatchOOM removes name's eventfd from epoll, tolerating one that was
// never added (e.g. a container that was never started).
func (l *Loop) UnwatchOOM(name string) {
	l.oomMu.Lock()
	defer l.oomMu.Unlock()
	for fd, n := range l.oomFDs {
		if n == name {
			_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(l.oomFDs, fd)
			return
		}
	}
}

// pollOOM blocks in EpollWait and turns each readable OOM eventfd into an
// oomEvent, clearing the eventfd's counter per eventfd(2)'s read contract
// so the next notification is not masked by a stale readable state.
func (l *Loop) pollOOM(ctx context.Context) {
	defer l.wg.Done()

	const maxEvents = 32
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Warnf("eventloop: epoll wait: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			l.oomMu.Lock()
			name, ok := l.oomFDs[fd]
			l.oomMu.Unlock()
			if !ok {
				continue
			}
			var buf [8]byte
			_, _ = syscall.Read(fd, buf[:])
			l.send(oomEvent{name: name})
		}
	}
}

// ScheduleRespawn enqueues a respawn of name after delay. Kept as a
// simple timer rather than a priority queue since the number of
// concurrently pending respawns is bounded by the number of dying
// containers, not by anything the event loop itself must throttle.
func (l *Loop) ScheduleRespawn(name string, delay time.Duration) {
	t := time.NewTimer(delay)
	go func() {
		defer t.Stop()
		select {
		case <-t.C:
			l.send(respawnEvent{name: name})
		case <-l.stop:
		}
	}()
}

// tickRotation periodically enqueues a rotateLogsEvent.
func (l *Loop) tickRotation(ctx context.Context) {
	defer l.wg.Done()
	if l.rotateInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.rotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.send(rotateLogsEvent{})
		}
	}
}

// tickAging periodically enqueues an agingSweepEvent. Disabled when
// agingSeconds is non-positive, mirroring tickRotation's rotateInterval
// <= 0 guard.
func (l *Loop) tickAging(ctx context.Context) {
	defer l.wg.Done()
	if l.agingSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(l.agingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.send(agingSweepEvent{})
		}
	}
}

// rotateAll truncates the stdout/stderr log of every Running container
// once it exceeds its configured max_log_size (spec.md §4.2's
// PropMaxLogSize). Truncation rather than rename-and-reopen: the
// TaskLauncher's child holds the fd open across the whole run, so only
// in-place truncation is visible to it without a reopen protocol this
// engine does not have.
func (l *Loop) rotateAll() {
	for _, name := range l.mgr.ListRunning() {
		stdout, stderr, maxSize, err := l.mgr.LogPaths(name)
		if err != nil {
			continue
		}
		if maxSize == 0 {
			continue
		}
		rotateIfOversize(stdout, maxSize)
		rotateIfOversize(stderr, maxSize)
	}
}

func rotateIfOversize(path string, maxSize uint64) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if uint64(info.Size()) <= maxSize {
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		log.Warnf("eventloop: truncate %s: %v", path, err)
	}
}

// Wait returns a channel closed the next time name departs a task-owning
// state (Stop, Pause, or Exit — spec.md §4.7's waiter contract). The
// channel is single-use: callers that need to wait again call Wait again.
func (l *Loop) Wait(name string) <-chan struct{} {
	ch := make(chan struct{})
	l.waitMu.Lock()
	l.waiters[name] = append(l.waiters[name], ch)
	l.waitMu.Unlock()
	return ch
}

// signalWaiters closes and reaps every waiter channel registered for
// name. Installed as the container manager's departure hook.
func (l *Loop) signalWaiters(name string) {
	l.waitMu.Lock()
	chans := l.waiters[name]
	delete(l.waiters, name)
	l.waitMu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}
