package container

import (
	"sort"
	"strings"
	"syscall"

	log "porto/logger"
	"porto/pkg/property"
)

// parentOf derives a container's parent name from the "/"-separated
// naming convention the registry's tests and this package both rely on
// ("parent/child"); a top-level container's parent is "".
func parentOf(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ""
	}
	return name[:i]
}

func depthOf(name string) int {
	return strings.Count(name, "/")
}

// RestoreAll rebuilds the registry and every container's property map
// from the KV store, in shallow-to-deep order so a child is never
// created before its parent (spec.md §4.5's "sort by depth"). For each
// persisted container, it attempts to reattach to its recorded task
// before falling back to lost-and-restored, per spec.md's Restore
// paragraph.
func (m *Manager) RestoreAll() error {
	all, err := m.kv.LoadAll()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if depthOf(names[i]) != depthOf(names[j]) {
			return depthOf(names[i]) < depthOf(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if err := m.restoreOne(name, all[name]); err != nil {
			log.Warnf("container: restore %s: %v", name, err)
		}
	}
	return nil
}

func (m *Manager) restoreOne(name string, kv map[string]string) error {
	parent := parentOf(name)
	id, err := m.reg.Create(name, parent)
	if err != nil {
		return err
	}
	parentID := 0
	if parent != "" {
		if p, err := m.reg.Get(parent); err == nil {
			parentID = p.ID()
		}
	}

	c := &Container{id: id, name: name, parentID: parentID, props: property.NewMap(m.table)}
	if err := m.reg.Bind(id, c); err != nil {
		return err
	}
	if err := c.props.Restore(kv); err != nil {
		return err
	}

	persistedState := c.State()
	if !IsTaskState(persistedState) {
		// Stopped/Paused/Dead containers need no reattachment; Paused is
		// recovered as-is (the freezer knob itself isn't replayed here,
		// since no cgroup exists until Start re-creates it).
		return nil
	}

	pidV, _ := c.props.Get(property.DataRawPid)
	pid := int(pidV.Int)

	// Re-create (or re-load, if the on-disk cgroup survived the restart)
	// the leaf cgroup before checking membership, since the driver's
	// in-memory handle table starts empty on every process restart.
	if spec, err := m.cgroupSpec(c); err == nil {
		_ = m.cgroups.Create(m.ancestorNames(c), name, spec)
	}

	if pid > 0 && m.reattach(name, pid) {
		c.pid = pid
		m.trackPid(pid, name)
		m.recomputeSoftLimit(c)
		m.restoreTrafficClass(c)
		return nil
	}

	// Reattachment was inconclusive: mark lost-and-restored and demote to
	// Dead immediately, since no further events will ever arrive for a
	// task this engine can no longer observe (spec.md's lost-and-restored
	// rule).
	_ = m.releaseResources(c)
	_ = c.props.SetData(property.DataLostAndRestored, property.BoolValue(true))
	_ = c.props.SetData(property.DataRawPid, property.IntValue(0))
	c.setState(Dead)
	return m.persist(c)
}

// restoreTrafficClass recreates a reattached container's traffic class,
// same as prepareResources' network branch does on a fresh Start —
// the in-memory class table (like the cgroup handle table) starts empty
// on every process restart, so a restored container's class must be
// rebuilt on every interface rather than assumed still present.
func (m *Manager) restoreTrafficClass(c *Container) {
	if !m.networkEnabled {
		return
	}
	limits, err := m.netLimits(c)
	if err != nil {
		log.Warnf("container: %s: restore traffic class limits: %v", c.name, err)
		return
	}
	m.netLock.Lock()
	defer m.netLock.Unlock()
	if err := m.netmgr.CreateClass(c.id, c.parentID, limits); err != nil {
		log.Warnf("container: %s: restore traffic class: %v", c.name, err)
	}
}

// reattach checks whether pid is still alive and owned by this engine's
// tracked cgroup for name, per the Restore paragraph's "inspect /proc/
// <pid> parent and freezer cgroup membership" rule. A liveness check
// (signal 0) plus membership in the tracked leaf cgroup's process list
// stands in for the full inspection; the /proc parent pid is not checked.
// It is conservative by design — any doubt falls through to
// lost-and-restored rather than claiming a reattachment it cannot prove.
func (m *Manager) reattach(name string, pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	pids, err := m.cgroups.Processes(name)
	if err != nil {
		return false
	}
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}
