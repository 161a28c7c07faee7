// Package launcher implements pkg/container.TaskLauncher: fork/exec,
// namespace setup, chroot, and credential switching for a container's
// root task (spec.md §6 names this collaborator's contract but leaves
// its implementation out of scope; this package is the concrete, Linux-
// specific implementation this engine ships by default).
//
// The verb-per-operation shape (Start/Kill/Wait as the whole surface)
// is grounded on the teacher's pkg/libmica/client.go, whose package-level
// Start(id)/Stop(id)/Pause(id)/Resume(id) functions wrap a single
// control-socket call each; here the same three verbs wrap fork/exec and
// signal delivery instead of a MICA ioctl, dropping the socket framing
// entirely since this engine's launcher runs in-process.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	er "porto/errors"
	"porto/pkg/container"
)

// Launcher is the default TaskLauncher. It never reaps its own children:
// pkg/eventloop owns the single process-wide SIGCHLD reaper (spec.md
// §4.7), so calling exec.Cmd.Wait here would race that reaper for the
// same pid. Launcher only forks, execs, and signals.
type Launcher struct {
	mu    sync.Mutex
	procs map[int]*os.Process
}

// New returns a ready Launcher.
func New() *Launcher {
	return &Launcher{procs: map[int]*os.Process{}}
}

var _ container.TaskLauncher = (*Launcher)(nil)

// Start forks and execs env.Command as the container's root task, per
// spec.md §4.6 Start step 6. The command runs under /bin/sh -c, matching
// the single-string command property rather than requiring callers to
// pre-split it into argv.
func (l *Launcher) Start(ctx context.Context, env container.TaskEnv) (int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", env.Command)
	cmd.Dir = env.Cwd
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.Env = env.Env

	stdout, err := openLogFile(env.StdoutPath)
	if err != nil {
		return 0, er.Wrap("launcher.Start", err)
	}
	stderr, err := openLogFile(env.StderrPath)
	if err != nil {
		stdout.Close()
		return 0, er.Wrap("launcher.Start", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	attr, err := buildSysProcAttr(env)
	if err != nil {
		stdout.Close()
		stderr.Close()
		return 0, er.Wrap("launcher.Start", err)
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return 0, &er.Error{Kind: er.ResourceNotAvailable, Op: "launcher.Start", Msg: err.Error()}
	}
	// The child inherited these fds across exec; the parent's copies are
	// no longer needed once Start has returned.
	stdout.Close()
	stderr.Close()

	l.mu.Lock()
	l.procs[cmd.Process.Pid] = cmd.Process
	l.mu.Unlock()

	return cmd.Process.Pid, nil
}

// Kill signals pid directly. The container state machine is responsible
// for escalation (SIGTERM then SIGKILL after kill_timeout_ms); Kill only
// ever delivers the one signal it is asked for.
func (l *Launcher) Kill(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return &er.Error{Kind: er.Unknown, Op: "launcher.Kill", Msg: err.Error()}
	}
	l.mu.Lock()
	delete(l.procs, pid)
	l.mu.Unlock()
	return nil
}

// Wait blocks until pid exits. Not used by this engine's own Exit path
// (pkg/eventloop's SIGCHLD reaper observes termination instead) but kept
// for callers that run a Launcher standalone, outside the event loop.
func (l *Launcher) Wait(pid int) (int, error) {
	l.mu.Lock()
	p, ok := l.procs[pid]
	l.mu.Unlock()
	if !ok {
		return 0, er.New(er.ContainerDoesNotExist, "launcher.Wait", "no tracked process for pid %d", pid)
	}
	state, err := p.Wait()
	if err != nil {
		return 0, &er.Error{Kind: er.Unknown, Op: "launcher.Wait", Msg: err.Error()}
	}
	l.mu.Lock()
	delete(l.procs, pid)
	l.mu.Unlock()
	return state.ExitCode(), nil
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// buildSysProcAttr translates the isolation/identity fields of TaskEnv
// into the kernel-level fork/exec attributes that realize them: new
// namespaces for Isolate, chroot for a non-host Root, and a Credential
// switch for User/Group. Namespace flag selection follows the same
// CLONE_NEW* vocabulary the teacher's pkg/netns/netns.go already uses for
// CLONE_NEWNET (golang.org/x/sys/unix), generalized here to the full set
// a container root task needs.
func buildSysProcAttr(env container.TaskEnv) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}

	if env.Isolate {
		attr.Cloneflags = unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWPID | unix.CLONE_NEWNET
	}
	if env.Root != "" && env.Root != "/" {
		attr.Chroot = env.Root
	}

	cred, err := resolveCredential(env.User, env.Group)
	if err != nil {
		return nil, err
	}
	attr.Credential = cred

	return attr, nil
}

// resolveCredential looks up userName/groupName and returns nil (inherit
// the daemon's own uid/gid) when both are empty or resolve to root,
// matching spec.md §4.2's PropUser/PropGroup default of "root".
func resolveCredential(userName, groupName string) (*syscall.Credential, error) {
	if userName == "" && groupName == "" {
		return nil, nil
	}

	uid := uint32(0)
	if userName != "" && userName != "root" {
		u, err := user.Lookup(userName)
		if err != nil {
			return nil, fmt.Errorf("resolve user %q: %w", userName, err)
		}
		n, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse uid for %q: %w", userName, err)
		}
		uid = uint32(n)
	}

	gid := uint32(0)
	if groupName != "" && groupName != "root" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", groupName, err)
		}
		n, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse gid for %q: %w", groupName, err)
		}
		gid = uint32(n)
	}

	if uid == 0 && gid == 0 {
		return nil, nil
	}
	return &syscall.Credential{Uid: uid, Gid: gid}, nil
}

