package container

import (
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	er "porto/errors"
	log "porto/logger"
	"porto/pkg/property"
)

// Exit is invoked by the event loop when a container's root task has
// terminated (SIGCHLD reaped) or its memory cgroup reported OOM
// (spec.md §4.7). It persists the outcome, propagates the departure to
// any Running/Meta descendants that shared the dying task's cgroup, and
// schedules a respawn when the container's policy calls for one.
func (m *Manager) Exit(name string, status int, oomKilled bool) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		m.reg.Unlock(name)
		return err
	}

	if err := Validate(c.State(), OpExit); err != nil {
		m.reg.Unlock(name)
		return err
	}

	// Only a Running container (one with its own task) ever incremented
	// its ancestors' running_children in Start; a Meta container never
	// did, so only Running's departure is un-counted here.
	wasRunning := c.State() == Running
	_ = c.props.SetData(property.DataExitStatus, property.IntValue(int64(status)))
	_ = c.props.SetData(property.DataDeathTime, property.UintValue(uint64(time.Now().Unix())))

	if oomKilled {
		_ = c.props.SetData(property.DataOOMKilled, property.BoolValue(true))
		if c.pid != 0 {
			if err := m.launcher.Kill(c.pid, syscall.SIGKILL); err != nil {
				log.Warnf("container: %s: SIGKILL after OOM: %v", name, err)
			}
		}
	}

	isolate, _ := c.props.Get(property.PropIsolate)
	if !isolate.Bool {
		// A non-isolated task shares its cgroup's net/pid namespace with
		// the rest of the container; when it dies the whole cgroup is
		// killed so no orphaned process lingers.
		if pids, err := m.cgroups.Processes(name); err == nil {
			for _, pid := range pids {
				_ = m.launcher.Kill(pid, syscall.SIGKILL)
			}
		}
	}

	_ = m.releaseResources(c)
	if wasRunning {
		m.bumpRunningAncestors(c, -1)
	}
	m.untrackPid(c.pid)
	c.pid = 0
	_ = c.props.SetData(property.DataRawPid, property.IntValue(0))
	c.setState(Dead)
	if err := m.persist(c); err != nil {
		m.reg.Unlock(name)
		return err
	}
	m.reg.Unlock(name)
	m.notifyDeparture(name)

	m.exitChildren(name)

	respawn, _ := c.props.Get(property.PropRespawn)
	if respawn.Bool {
		go m.scheduleRespawn(name)
	}
	return nil
}

// exitChildren propagates Exit to any descendant still in a task state,
// since its own task cannot outlive the namespace its parent's task
// owned (spec.md §4.6 Exit step).
func (m *Manager) exitChildren(name string) {
	children, err := m.reg.ListChildren(name)
	if err != nil {
		return
	}
	for _, child := range children {
		cc := child.(*Container)
		if !IsTaskState(cc.State()) {
			continue
		}
		if err := m.Exit(cc.name, -1, false); err != nil {
			log.Warnf("container: %s: propagate exit to child %s: %v", name, cc.name, err)
		}
	}
}

// scheduleRespawn waits respawn_delay_ms and then respawns name, unless
// max_respawns has already been reached. Run from its own goroutine so
// Exit itself never blocks the event loop on the delay.
func (m *Manager) scheduleRespawn(name string) {
	c, err := m.get(name)
	if err != nil {
		return
	}
	delay, _ := c.props.Get(property.PropRespawnDelayMs)
	wait := m.respawnDelay
	if delay.Uint != 0 {
		wait = time.Duration(delay.Uint) * time.Millisecond
	}
	time.Sleep(wait)

	if err := m.Respawn(name); err != nil {
		log.Warnf("container: %s: respawn: %v", name, err)
	}
}

// Respawn stops (if necessary) and restarts a Dead container, bounded by
// max_respawns (negative means unlimited, spec.md §4.2's PropMaxRespawns
// default). respawn_count is incremented regardless of Start's outcome,
// since a failed respawn attempt still counts against the bound.
func (m *Manager) Respawn(name string) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		m.reg.Unlock(name)
		return err
	}

	if err := Validate(c.State(), OpRespawn); err != nil {
		m.reg.Unlock(name)
		return err
	}

	maxRespawns, _ := c.props.Get(property.PropMaxRespawns)
	count, _ := c.props.Get(property.DataRespawnCount)
	if maxRespawns.Int >= 0 && int64(count.Uint) >= maxRespawns.Int {
		m.reg.Unlock(name)
		return nil
	}

	_ = c.props.SetData(property.DataRespawnCount, property.UintValue(count.Uint+1))
	c.setState(Stopped)
	if err := m.persist(c); err != nil {
		m.reg.Unlock(name)
		return err
	}
	m.reg.Unlock(name)

	return m.Start(name)
}

// AgingSweep destroys every Dead container whose death_time has aged
// past agingSeconds, per spec.md §4.6's "Dead -> (removed) ... automatic
// aging when now >= death_time + aging_time" edge. A Dead container that
// still has children is left alone until they age out first, same as a
// manual Destroy would require.
func (m *Manager) AgingSweep(agingSeconds int64) {
	if agingSeconds <= 0 {
		return
	}
	cutoff := time.Now().Unix() - agingSeconds

	for _, name := range m.reg.List() {
		c, err := m.get(name)
		if err != nil || c.State() != Dead {
			continue
		}
		deathTime, _ := c.props.Get(property.DataDeathTime)
		if deathTime.Uint == 0 || int64(deathTime.Uint) > cutoff {
			continue
		}
		if err := m.Destroy(name); err != nil {
			log.Warnf("container: %s: automatic aging removal: %v", name, err)
		}
	}
}

// Destroy tears down a Stopped or Dead container and removes it from the
// registry. Children must already be destroyed; a container that still
// has children is rejected before anything is released. Best-effort
// cleanup failures (resource release, kv removal) are aggregated rather
// than swallowed, so a caller sees everything that went wrong even when
// the registry removal itself still succeeds.
func (m *Manager) Destroy(name string) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		m.reg.Unlock(name)
		return err
	}

	if err := Validate(c.State(), OpDestroy); err != nil {
		m.reg.Unlock(name)
		return err
	}
	if children, err := m.reg.ListChildren(name); err == nil && len(children) > 0 {
		m.reg.Unlock(name)
		return er.New(er.InvalidState, "container.Destroy", "%q still has children", name)
	}

	var result *multierror.Error
	if err := m.releaseResources(c); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.kv.Remove(name); err != nil {
		log.Warnf("container: %s: remove kv node: %v", name, err)
		result = multierror.Append(result, err)
	}
	m.reg.Unlock(name)

	if err := m.reg.Remove(name); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
