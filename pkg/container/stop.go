package container

import (
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	er "porto/errors"
	log "porto/logger"
	"porto/pkg/property"
)

// Stop runs the stop protocol (spec.md §4.6): signal the task, wait for
// it to exit (escalating to SIGKILL if it ignores the deadline), recurse
// into children, and free every resource the container holds — even
// when an earlier step in the sequence failed, so a stuck task never
// prevents cgroups and traffic classes from being released.
func (m *Manager) Stop(name string) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		m.reg.Unlock(name)
		return err
	}

	if err := Validate(c.State(), OpStop); err != nil {
		m.reg.Unlock(name)
		return err
	}

	var result *multierror.Error

	wasRunning := c.State() == Running
	m.stopChildrenLocked(name)
	if err := m.killTask(c); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.releaseResources(c); err != nil {
		result = multierror.Append(result, err)
	}

	if wasRunning {
		m.bumpRunningAncestors(c, -1)
	}
	m.untrackPid(c.pid)
	c.pid = 0
	_ = c.props.SetData(property.DataRawPid, property.IntValue(0))
	c.setState(Stopped)
	if err := m.persist(c); err != nil {
		result = multierror.Append(result, err)
	}
	m.reg.Unlock(name)
	m.notifyDeparture(name)
	return result.ErrorOrNil()
}

// stopChildrenLocked stops every direct child before the parent itself,
// so a child never outlives the cgroup/network resources of a parent it
// may still be attached to.
func (m *Manager) stopChildrenLocked(name string) {
	children, err := m.reg.ListChildren(name)
	if err != nil {
		return
	}
	for _, child := range children {
		cc := child.(*Container)
		if !IsTaskState(cc.State()) && cc.State() != Paused {
			continue
		}
		if err := m.Stop(cc.name); err != nil {
			log.Warnf("container: %s: stop child %s: %v", name, cc.name, err)
		}
	}
}

// killTask signals and waits for c's root task, escalating from SIGTERM
// to SIGKILL (briefly freezing the cgroup so the whole process group is
// reachable at once) when the task outlives kill_timeout_ms. A Paused
// container is implicitly resumed first (spec.md §4.6 Stop step 1):
// signalling a frozen task would otherwise burn the whole kill_timeout_ms
// polling a cgroup that can never empty until thawed. Every failure is
// logged and folded into the returned multierror.
func (m *Manager) killTask(c *Container) error {
	if c.pid == 0 {
		return nil
	}

	var result *multierror.Error

	if c.State() == Paused {
		if err := m.cgroups.Thaw(c.name); err != nil {
			log.Warnf("container: %s: implicit resume before stop: %v", c.name, err)
			result = multierror.Append(result, err)
		}
	}

	if err := m.launcher.Kill(c.pid, syscall.SIGTERM); err != nil {
		log.Warnf("container: %s: SIGTERM pid %d: %v", c.name, c.pid, err)
		result = multierror.Append(result, err)
	}

	if m.waitExit(c.name, c.pid, m.killTimeout) {
		return result.ErrorOrNil()
	}

	if err := m.cgroups.Freeze(c.name); err != nil {
		log.Warnf("container: %s: freeze before SIGKILL: %v", c.name, err)
		result = multierror.Append(result, err)
	}
	if err := m.launcher.Kill(c.pid, syscall.SIGKILL); err != nil {
		log.Warnf("container: %s: SIGKILL pid %d: %v", c.name, c.pid, err)
		result = multierror.Append(result, err)
	}
	if err := m.cgroups.Thaw(c.name); err != nil {
		log.Warnf("container: %s: thaw after SIGKILL: %v", c.name, err)
		result = multierror.Append(result, err)
	}

	m.waitExit(c.name, c.pid, m.stopTimeout)
	return result.ErrorOrNil()
}

// waitExit polls the leaf cgroup's Empty check until pid's cgroup is
// vacated or deadline elapses, returning whether it vacated in time.
func (m *Manager) waitExit(name string, pid int, deadline time.Duration) bool {
	const pollInterval = 20 * time.Millisecond
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		empty, err := m.cgroups.Empty(name)
		if err != nil || empty {
			return true
		}
		time.Sleep(pollInterval)
	}
	empty, err := m.cgroups.Empty(name)
	return err == nil && empty
}

// Pause freezes a Running or Meta container's cgroup and cascades the
// freeze down to every Running/Meta descendant, so a paused parent never
// leaves a child still runnable underneath it (spec.md §4.6 scenario 7:
// "Pause p; assert all children become Paused").
func (m *Manager) Pause(name string) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}

	c, err := m.get(name)
	if err != nil {
		m.reg.Unlock(name)
		return err
	}
	if err := Validate(c.State(), OpPause); err != nil {
		m.reg.Unlock(name)
		return err
	}
	if err := m.cgroups.Freeze(name); err != nil {
		m.reg.Unlock(name)
		return err
	}
	c.setState(Paused)
	err = m.persist(c)
	m.reg.Unlock(name)
	m.notifyDeparture(name)
	if err != nil {
		return err
	}

	m.pauseChildren(name)
	return nil
}

// pauseChildren recurses Pause into every direct child still holding a
// task (Running or Meta); a child already Stopped, Dead, or Paused is
// left as is.
func (m *Manager) pauseChildren(name string) {
	children, err := m.reg.ListChildren(name)
	if err != nil {
		return
	}
	for _, child := range children {
		cc := child.(*Container)
		if !IsTaskState(cc.State()) {
			continue
		}
		if err := m.Pause(cc.name); err != nil {
			log.Warnf("container: %s: pause child %s: %v", name, cc.name, err)
		}
	}
}

// Resume thaws a Paused container back to its prior task-owning state
// and cascades into every child still Paused, the mirror of Pause's
// cascade (scenario 7: "Resume on p restores prior states"). Rejected
// if any ancestor is still Paused: resuming a container whose parent's
// cgroup is still frozen would unblock a task that cannot actually run
// (container.cpp's parent walk, "parent ... is paused").
func (m *Manager) Resume(name string) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}

	c, err := m.get(name)
	if err != nil {
		m.reg.Unlock(name)
		return err
	}
	if err := Validate(c.State(), OpResume); err != nil {
		m.reg.Unlock(name)
		return err
	}
	if err := m.ancestorPausedCheck(name); err != nil {
		m.reg.Unlock(name)
		return err
	}
	if err := m.cgroups.Thaw(name); err != nil {
		m.reg.Unlock(name)
		return err
	}

	cmd, _ := c.props.Get(property.PropCommand)
	if cmd.Str == "" {
		c.setState(Meta)
	} else {
		c.setState(Running)
	}
	err = m.persist(c)
	m.reg.Unlock(name)
	if err != nil {
		return err
	}

	m.resumeChildren(name)
	return nil
}

// ancestorPausedCheck rejects a Resume whose parent chain includes a
// still-Paused container.
func (m *Manager) ancestorPausedCheck(name string) error {
	ancestors, err := m.reg.Ancestors(name)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		ac := a.(*Container)
		if ac.State() == Paused {
			return er.New(er.InvalidState, "container.Resume", "%s: ancestor %s is paused", name, ac.name)
		}
	}
	return nil
}

// resumeChildren recurses Resume into every direct child still Paused.
func (m *Manager) resumeChildren(name string) {
	children, err := m.reg.ListChildren(name)
	if err != nil {
		return
	}
	for _, child := range children {
		cc := child.(*Container)
		if cc.State() != Paused {
			continue
		}
		if err := m.Resume(cc.name); err != nil {
			log.Warnf("container: %s: resume child %s: %v", name, cc.name, err)
		}
	}
}
