package container

import (
	"context"
	"os"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	er "porto/errors"
	log "porto/logger"
	"porto/pkg/cgroup"
	"porto/pkg/netclass"
	"porto/pkg/property"
)

// Start runs the crash-safe start protocol (spec.md §4.6): validate,
// prepare resources, launch the task, and on any failure unwind whatever
// was already prepared rather than leaving the container half-started.
func (m *Manager) Start(name string) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}
	defer m.reg.Unlock(name)

	c, err := m.get(name)
	if err != nil {
		return err
	}

	// Step 1: state and precondition checks.
	if err := Validate(c.State(), OpStart); err != nil {
		return err
	}
	root, _ := c.props.Get(property.PropRoot)
	rootRdonly, _ := c.props.Get(property.PropRootRdonly)
	if (root.Str == "" || root.Str == "/") && rootRdonly.Bool {
		return er.New(er.InvalidValue, "container.Start", "root_rdonly cannot be set with root=/")
	}
	cmd, _ := c.props.Get(property.PropCommand)
	meta := cmd.Str == ""

	// Step 2: re-check non-zero hierarchical memory/cpu values against the
	// tree, since they can become invalid between Set time and Start time
	// (e.g. an ancestor's limit was lowered in between). Other properties'
	// Validate hooks are not re-run here.
	if err := m.revalidateAll(c); err != nil {
		return err
	}

	// Step 3: reset per-run data fields.
	_ = c.props.SetData(property.DataExitStatus, property.IntValue(-1))
	_ = c.props.SetData(property.DataOOMKilled, property.BoolValue(false))
	_ = c.props.SetData(property.DataStartTime, property.UintValue(uint64(time.Now().Unix())))
	_ = c.props.SetData(property.DataDeathTime, property.UintValue(0))

	// Step 4: prepare resources. Any failure here must unwind everything
	// already prepared before returning.
	if err := m.prepareResources(c); err != nil {
		_ = m.releaseResources(c)
		return err
	}

	// Step 5: no loop device is set up for a regular-file root. Root is
	// passed verbatim in TaskEnv; the default launcher (pkg/launcher) only
	// uses it as a chroot directory and mounts nothing.

	// Step 6: launch.
	if meta {
		c.setState(Meta)
		m.recomputeSoftLimit(c)
		return m.persist(c)
	}

	env, err := m.buildTaskEnv(c)
	if err != nil {
		_ = m.releaseResources(c)
		return err
	}

	pid, err := m.launcher.Start(context.Background(), env)
	if err != nil {
		_ = m.releaseResources(c)
		return er.New(er.ResourceNotAvailable, "container.Start", "launch %s: %v", name, err)
	}

	if err := m.cgroups.Attach(name, pid); err != nil {
		log.Warnf("container: %s: attach pid %d to cgroup: %v", name, pid, err)
	}

	c.pid = pid
	m.trackPid(pid, name)
	_ = c.props.SetData(property.DataRawPid, property.IntValue(int64(pid)))
	c.setState(Running)
	m.bumpRunningAncestors(c, 1)
	return m.persist(c)
}

// revalidateAll re-checks every non-zero hierarchical memory/cpu value
// against the current tree, catching values that became invalid because
// of a change elsewhere in the tree since they were last set. Other
// properties' Validate hooks are not re-run.
func (m *Manager) revalidateAll(c *Container) error {
	for _, name := range m.table.Names() {
		v, err := c.props.Get(name)
		if err != nil {
			continue
		}
		if isHierarchicalUint(name) && v.Type == property.TypeUint && v.Uint != 0 {
			if err := m.validateHierarchical(c, name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) ancestorNames(c *Container) []string {
	ancestors, err := m.reg.Ancestors(c.name)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(ancestors))
	for _, a := range ancestors {
		names = append(names, a.(*Container).name)
	}
	return names
}

// prepareResources creates the leaf cgroup, the traffic class, and
// applies the device whitelist for c, per spec.md §4.6 Start step 4.
func (m *Manager) prepareResources(c *Container) error {
	spec, err := m.cgroupSpec(c)
	if err != nil {
		return err
	}
	if err := m.cgroups.Create(m.ancestorNames(c), c.name, spec); err != nil {
		return err
	}

	if m.networkEnabled {
		m.netLock.Lock()
		defer m.netLock.Unlock()

		limits, err := m.netLimits(c)
		if err != nil {
			return err
		}
		if err := m.netmgr.CreateClass(c.id, c.parentID, limits); err != nil {
			return err
		}
	}
	return nil
}

// releaseResources tears down whatever prepareResources may have
// created, tolerating partial state (spec.md §4.6: Start failure unwinds
// via the same resource-free path Stop uses). Every failure is logged
// and folded into the returned multierror so Stop/Destroy can report
// everything that went wrong rather than only the last failure; callers
// that only need best-effort cleanup (Start's own unwind, Exit) are free
// to discard the return value.
func (m *Manager) releaseResources(c *Container) error {
	var result *multierror.Error
	if m.networkEnabled {
		m.netLock.Lock()
		if err := m.netmgr.DeleteClass(c.id); err != nil {
			log.Warnf("container: %s: release traffic class: %v", c.name, err)
			result = multierror.Append(result, err)
		}
		m.netLock.Unlock()
	}
	if err := m.cgroups.Destroy(c.name); err != nil {
		log.Warnf("container: %s: release cgroup: %v", c.name, err)
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (m *Manager) cgroupSpec(c *Container) (cgroup.Spec, error) {
	memLimit, _ := c.props.Get(property.PropMemoryLimit)
	memGuarantee, _ := c.props.Get(property.PropMemoryGuarantee)
	cpuPolicy, _ := c.props.Get(property.PropCPUPolicy)
	cpuLimit, _ := c.props.Get(property.PropCPULimit)
	cpuGuarantee, _ := c.props.Get(property.PropCPUGuarantee)
	cpuSet, _ := c.props.Get(property.PropCPUSet)
	devices, _ := c.props.Get(property.PropDevices)

	spec := cgroup.Spec{
		MemoryLimitBytes:     memLimit.Uint,
		MemoryGuaranteeBytes: memGuarantee.Uint,
		CPUPolicy:            cgroup.Policy(cpuPolicy.Str),
		CPUPeriodUs:          100000,
		CPUSharesGuarantee:   cpuGuarantee.Uint,
		CPUSetMask:           cpuSet.Str,
	}
	if cpuLimit.Uint != 0 {
		spec.CPUQuotaUs = int64(cpuLimit.Uint)
	}
	for _, rule := range devices.StrList {
		spec.Devices = append(spec.Devices, cgroup.DeviceRule{Type: 'a', Allow: rule != ""})
	}
	return spec, nil
}

func (m *Manager) netLimits(c *Container) (map[string]netclass.Limits, error) {
	guarantee, _ := c.props.Get(property.PropNetGuarantee)
	limit, _ := c.props.Get(property.PropNetLimit)
	prio, _ := c.props.Get(property.PropNetPriority)

	out := map[string]netclass.Limits{}
	for iface, rate := range guarantee.UintMap {
		out[iface] = netclass.Limits{Rate: rate, Ceil: limit.UintMap[iface], Prio: int(prio.Int)}
	}
	if _, ok := out["default"]; !ok {
		out["default"] = netclass.Limits{Rate: guarantee.UintMap["default"], Ceil: limit.UintMap["default"], Prio: int(prio.Int)}
	}
	return out, nil
}

func (m *Manager) buildTaskEnv(c *Container) (TaskEnv, error) {
	cmd, _ := c.props.Get(property.PropCommand)
	cwd, _ := c.props.Get(property.PropCwd)
	root, _ := c.props.Get(property.PropRoot)
	rootRdonly, _ := c.props.Get(property.PropRootRdonly)
	user, _ := c.props.Get(property.PropUser)
	group, _ := c.props.Get(property.PropGroup)
	env, _ := c.props.Get(property.PropEnv)
	hostname, _ := c.props.Get(property.PropHostname)
	isolate, _ := c.props.Get(property.PropIsolate)
	bindMounts, _ := c.props.Get(property.PropBindMounts)
	stdoutPath, _ := c.props.Get(property.PropStdoutPath)
	stderrPath, _ := c.props.Get(property.PropStderrPath)

	if stdoutPath.Str == "" {
		stdoutPath = property.StringValue(defaultLogPath(c.name, "stdout"))
	}
	if stderrPath.Str == "" {
		stderrPath = property.StringValue(defaultLogPath(c.name, "stderr"))
	}

	return TaskEnv{
		Command:    cmd.Str,
		Cwd:        cwd.Str,
		Root:       root.Str,
		RootRdonly: rootRdonly.Bool,
		User:       user.Str,
		Group:      group.Str,
		Env:        env.StrList,
		Hostname:   hostname.Str,
		BindMounts: bindMounts.StrList,
		Isolate:    isolate.Bool,
		StdoutPath: stdoutPath.Str,
		StderrPath: stderrPath.Str,
	}, nil
}

func defaultLogPath(name, stream string) string {
	return os.TempDir() + "/porto/" + name + "." + stream + ".log"
}

// bumpRunningAncestors adjusts running_children on every ancestor by
// delta and recomputes each Meta ancestor's soft limit, per spec.md
// §4.6's "recomputed on every Running-boundary-crossing transition"
// rule.
func (m *Manager) bumpRunningAncestors(c *Container, delta int64) {
	ancestors, err := m.reg.Ancestors(c.name)
	if err != nil {
		return
	}
	for _, a := range ancestors {
		ac := a.(*Container)
		v, _ := ac.props.Get(property.DataRunningChild)
		next := int64(v.Uint) + delta
		if next < 0 {
			next = 0
		}
		_ = ac.props.SetData(property.DataRunningChild, property.UintValue(uint64(next)))
		m.recomputeSoftLimit(ac)
	}
}
