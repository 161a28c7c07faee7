package container

import (
	"context"
	"sync"
	"syscall"
	"time"

	defs "porto/definitions"
	er "porto/errors"
	log "porto/logger"
	"porto/pkg/cgroup"
	"porto/pkg/kvstore"
	"porto/pkg/netclass"
	"porto/pkg/property"
	"porto/pkg/registry"
)

// TaskEnv is the fully-resolved environment handed to the TaskLauncher
// when starting a container's root task (spec.md §4.6 Start step 6).
type TaskEnv struct {
	Command     string
	Cwd         string
	Root        string
	RootRdonly  bool
	User        string
	Group       string
	Env         []string
	Hostname    string
	BindMounts  []string
	Isolate     bool
	StdoutPath  string
	StderrPath  string
	CgroupPaths map[string]string
}

// TaskLauncher is the external collaborator that performs fork/exec,
// namespace setup, mount pivoting, and capability application inside the
// child (spec.md §6) — out of scope for this engine, specified only as
// this interface.
type TaskLauncher interface {
	Start(ctx context.Context, env TaskEnv) (pid int, err error)
	Kill(pid int, sig syscall.Signal) error
	Wait(pid int) (status int, err error)
}

// Container is one node in the registry's tree: identity plus its
// property/data map. The state machine's mutating logic lives on
// Manager, not here, so that Manager can take the registry's
// per-container lock around every operation.
type Container struct {
	id       int
	name     string
	parentID int

	props *property.Map
	pid   int
}

func (c *Container) ID() int       { return c.id }
func (c *Container) Name() string  { return c.name }
func (c *Container) ParentID() int { return c.parentID }
func (c *Container) Props() *property.Map { return c.props }

func (c *Container) State() State {
	v, _ := c.props.Get(property.DataState)
	return State(v.Str)
}

func (c *Container) setState(s State) {
	c.props.SetState(s)
	_ = c.props.SetData(property.DataState, property.StringValue(string(s)))
}

// CgroupDriver is the subset of *pkg/cgroup.Driver the state machine
// needs. Declared here (rather than depending on *cgroup.Driver
// directly) so tests can substitute a fake instead of touching the real
// cgroup filesystem, the same reasoning that keeps TaskLauncher and
// NetlinkDriver as interfaces.
type CgroupDriver interface {
	Create(ancestors []string, name string, spec cgroup.Spec) error
	Attach(name string, pid int) error
	Update(name string, spec cgroup.Spec) error
	Freeze(name string) error
	Thaw(name string) error
	Processes(name string) ([]int, error)
	Empty(name string) (bool, error)
	OOMEventFD(name string) (uintptr, error)
	Destroy(name string) error
}

// TrafficClassManager is the subset of *pkg/netclass.Manager the state
// machine needs.
type TrafficClassManager interface {
	CreateClass(containerID, parentID int, perIface map[string]netclass.Limits) error
	DeleteClass(containerID int) error
}

// Manager wires the state machine to its collaborators: the registry
// (tree + locks), the KV store (persistence), the cgroup driver, the
// traffic-class manager, and the external TaskLauncher. This is the
// "explicit Engine context" of Design Notes §9, scoped to container
// lifecycle rather than the whole daemon (pkg/engine composes this with
// the event loop and bootstrap).
type Manager struct {
	reg      *registry.Registry
	table    *property.Table
	kv       *kvstore.Store
	cgroups  CgroupDriver
	netmgr   TrafficClassManager
	launcher TaskLauncher

	networkEnabled   bool
	killTimeout      time.Duration
	stopTimeout      time.Duration
	respawnDelay     time.Duration
	softLimitMiB     uint64

	netLock sync.Mutex // the network lock, spec.md §5, taken after the per-container lock

	pidMu sync.Mutex
	pids  map[int]string // pid -> container name, for the event loop's SIGCHLD reaper

	// departureHook, if set, is called after any transition that leaves
	// a container's task-owning state (Running/Meta) behind — Stop,
	// Pause, and Exit. pkg/eventloop wires this to wake its waiter lists
	// (spec.md §4.7) without this package needing to know waiters exist.
	departureHook func(name string)
}

// SetDepartureHook installs the callback invoked on every departure from
// a task-owning state. Only one hook is supported; the event loop is the
// sole intended caller.
func (m *Manager) SetDepartureHook(fn func(name string)) {
	m.departureHook = fn
}

func (m *Manager) notifyDeparture(name string) {
	if m.departureHook != nil {
		m.departureHook(name)
	}
}

// Config bundles Manager's tunables, normally sourced from pkg/config.
type Config struct {
	NetworkEnabled  bool
	KillTimeoutMs   int
	StopTimeoutMs   int
	RespawnDelayMs  int
	SoftLimitMiB    uint64
}

// NewManager wires a Manager from its collaborators.
func NewManager(reg *registry.Registry, table *property.Table, kv *kvstore.Store, cgroups CgroupDriver, netmgr TrafficClassManager, launcher TaskLauncher, cfg Config) *Manager {
	return &Manager{
		reg:      reg,
		table:    table,
		kv:       kv,
		cgroups:  cgroups,
		netmgr:   netmgr,
		launcher: launcher,
		pids:     map[int]string{},

		networkEnabled: cfg.NetworkEnabled,
		killTimeout:    time.Duration(cfg.KillTimeoutMs) * time.Millisecond,
		stopTimeout:    time.Duration(cfg.StopTimeoutMs) * time.Millisecond,
		respawnDelay:   time.Duration(cfg.RespawnDelayMs) * time.Millisecond,
		softLimitMiB:   cfg.SoftLimitMiB,
	}
}

// Create allocates and registers a new Stopped container under parent
// (empty for top-level), per spec.md §4.5 create().
func (m *Manager) Create(name, parent string) (*Container, error) {
	id, err := m.reg.Create(name, parent)
	if err != nil {
		return nil, err
	}

	parentID := 0
	if parent != "" {
		p, err := m.reg.Get(parent)
		if err != nil {
			return nil, err
		}
		parentID = p.ID()
	}

	c := &Container{id: id, name: name, parentID: parentID, props: property.NewMap(m.table)}
	if err := m.reg.Bind(id, c); err != nil {
		return nil, err
	}

	if err := m.persist(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) get(name string) (*Container, error) {
	v, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	c, ok := v.(*Container)
	if !ok {
		return nil, er.New(er.Unknown, "container.get", "registry entry for %q is not a Container", name)
	}
	return c, nil
}

func (m *Manager) persist(c *Container) error {
	changes := c.props.Flush()
	if len(changes) == 0 {
		return nil
	}
	pairs := make([]kvstore.Pair, 0, len(changes))
	for _, ch := range changes {
		pairs = append(pairs, kvstore.Pair{Key: ch.Key, Value: ch.Value})
	}
	return m.kv.Append(c.name, pairs)
}

// Set validates and stores a property, persisting any PERSISTENT change
// before returning, per spec.md §4.2's persistence contract.
func (m *Manager) Set(name, prop string, v property.Value) error {
	if err := m.reg.Lock(name); err != nil {
		return err
	}
	defer m.reg.Unlock(name)

	c, err := m.get(name)
	if err != nil {
		return err
	}

	if isHierarchicalUint(prop) {
		if err := m.validateHierarchical(c, prop, v); err != nil {
			return err
		}
	}

	if err := c.props.Set(prop, v); err != nil {
		return err
	}
	return m.persist(c)
}

// Get reads a property or data field.
func (m *Manager) Get(name, field string) (property.Value, error) {
	c, err := m.get(name)
	if err != nil {
		return property.Value{}, err
	}
	return c.props.Get(field)
}

var hierarchicalProps = map[string]bool{
	property.PropMemoryLimit:     true,
	property.PropMemoryGuarantee: true,
	property.PropCPULimit:        true,
	property.PropCPUGuarantee:    true,
}

func isHierarchicalUint(prop string) bool { return hierarchicalProps[prop] }

// validateHierarchical enforces spec.md §4.6's corrected invariant:
// "reject if Σ children(P) > v, or if any ancestor A with non-zero A.P
// has A.P < v, or if the parent's children-sum substituting this
// container's v would exceed parent.P." This walks the *entire* ancestor
// chain rather than only the immediate parent, fixing the bug Design
// Notes §9(a) flags in the source's ValidHierarchicalProperty (which
// only checked one level).
func (m *Manager) validateHierarchical(c *Container, prop string, v property.Value) error {
	if v.Type != property.TypeUint {
		return nil
	}

	children, err := m.reg.ListChildren(c.name)
	if err != nil {
		return err
	}
	var childSum uint64
	for _, child := range children {
		cc := child.(*Container)
		cv, err := cc.props.Get(prop)
		if err != nil {
			continue
		}
		childSum += cv.Uint
	}
	if childSum > v.Uint {
		return er.New(er.InvalidValue, "validateHierarchical", "%s: children sum %d exceeds requested %d", prop, childSum, v.Uint)
	}

	ancestors, err := m.reg.Ancestors(c.name)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		ac := a.(*Container)
		av, err := ac.props.Get(prop)
		if err != nil {
			continue
		}
		if av.Uint != 0 && av.Uint < v.Uint {
			return er.New(er.InvalidValue, "validateHierarchical", "%s: ancestor %s has %d < requested %d", prop, ac.name, av.Uint, v.Uint)
		}
	}

	if len(ancestors) > 0 {
		parent := ancestors[0].(*Container)
		pv, err := parent.props.Get(prop)
		if err == nil && pv.Uint != 0 {
			siblingSum, err := m.siblingSum(parent, c.name, prop)
			if err == nil && siblingSum+v.Uint > pv.Uint {
				return er.New(er.InvalidValue, "validateHierarchical", "%s: sibling sum %d + requested %d exceeds parent %d", prop, siblingSum, v.Uint, pv.Uint)
			}
		}
	}
	return nil
}

func (m *Manager) siblingSum(parent *Container, exceptName, prop string) (uint64, error) {
	children, err := m.reg.ListChildren(parent.name)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, child := range children {
		cc := child.(*Container)
		if cc.name == exceptName {
			continue
		}
		v, err := cc.props.Get(prop)
		if err != nil {
			continue
		}
		sum += v.Uint
	}
	return sum, nil
}

// recomputeSoftLimit applies spec.md §4.6's soft-limit policy: a Meta
// container's memory soft-limit is the configured default when it has
// >=1 running descendant, and the minimum otherwise. Recomputed on every
// state change that crosses the Running boundary.
func (m *Manager) recomputeSoftLimit(c *Container) {
	if c.State() != Meta {
		return
	}
	v, _ := c.props.Get(property.DataRunningChild)
	softMiB := uint64(defs.MinSoftLimitMiB)
	if v.Uint > 0 {
		softMiB = m.softLimitMiB
	}
	if err := m.cgroups.Update(c.name, cgroup.Spec{MemoryGuaranteeBytes: softMiB * 1024 * 1024}); err != nil {
		log.Warnf("container: %s: recompute soft limit: %v", c.name, err)
	}
}

func init() {
	// registry.Container is satisfied structurally by *Container; this
	// blank assertion documents the contract at compile time.
	var _ registry.Container = (*Container)(nil)
}
