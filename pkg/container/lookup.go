package container

import "porto/pkg/property"

// trackPid and untrackPid maintain the pid->name index the event loop uses
// to resolve a reaped SIGCHLD to a container without scanning the whole
// registry.
func (m *Manager) trackPid(pid int, name string) {
	if pid == 0 {
		return
	}
	m.pidMu.Lock()
	m.pids[pid] = name
	m.pidMu.Unlock()
}

func (m *Manager) untrackPid(pid int) {
	if pid == 0 {
		return
	}
	m.pidMu.Lock()
	delete(m.pids, pid)
	m.pidMu.Unlock()
}

// NameForPid resolves a reaped pid to its owning container name, for the
// event loop's SIGCHLD dispatch (spec.md §4.7).
func (m *Manager) NameForPid(pid int) (string, bool) {
	m.pidMu.Lock()
	defer m.pidMu.Unlock()
	name, ok := m.pids[pid]
	return name, ok
}

// OOMEventFD exposes the leaf cgroup's OOM eventfd for name, so the event
// loop can register it with epoll directly (spec.md §4.7's Oom source).
func (m *Manager) OOMEventFD(name string) (uintptr, error) {
	return m.cgroups.OOMEventFD(name)
}

// ListRunning returns the names of every container currently in the
// Running state, for the event loop's periodic log-rotation sweep.
func (m *Manager) ListRunning() []string {
	var names []string
	for _, name := range m.reg.List() {
		c, err := m.get(name)
		if err != nil {
			continue
		}
		if c.State() == Running {
			names = append(names, name)
		}
	}
	return names
}

// LogPaths returns the stdout/stderr paths and the configured max log size
// for name, for the event loop's rotation check.
func (m *Manager) LogPaths(name string) (stdout, stderr string, maxSize uint64, err error) {
	c, err := m.get(name)
	if err != nil {
		return "", "", 0, err
	}
	out, _ := c.props.Get(property.PropStdoutPath)
	errp, _ := c.props.Get(property.PropStderrPath)
	size, _ := c.props.Get(property.PropMaxLogSize)

	stdout = out.Str
	if stdout == "" {
		stdout = defaultLogPath(name, "stdout")
	}
	stderr = errp.Str
	if stderr == "" {
		stderr = defaultLogPath(name, "stderr")
	}
	return stdout, stderr, size.Uint, nil
}
