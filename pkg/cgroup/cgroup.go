// Package cgroup implements the engine's cgroup driver (spec.md §4.3): a
// per-subsystem leaf cgroup for every container, with idempotent setters
// so lowering a limit never EBUSYs on a no-op write.
//
// The Subsystem-per-controller shape (Apply/Set/Remove/Stat) is grounded
// on docker-archive-libcontainer's cgroups/fs/cpu.go; the actual cgroup
// filesystem manipulation is delegated to github.com/containerd/cgroups
// (legacy v1 hierarchy), the same import the teacher's pkg/shim/utils.go
// uses for cgroups.Mode().
package cgroup

import (
	"path/filepath"
	"sync"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	defs "porto/definitions"
	er "porto/errors"
	log "porto/logger"
)

// Policy is the cpu.cpu_policy knob value (spec.md §4.3).
type Policy string

const (
	PolicyNormal Policy = "normal"
	PolicyRT     Policy = "rt"
	PolicyIdle   Policy = "idle"
)

// DeviceRule is one allowed-device entry (spec.md §4.3 "devices: allow a
// list of device rules").
type DeviceRule struct {
	Type        rune // 'a', 'c', 'b'
	Major       int64
	Minor       int64
	Permissions string
	Allow       bool
}

// Spec is the set of resource knobs the state machine asks the driver to
// apply to one container's leaf cgroup. Zero-value fields are left
// unset/unbounded by the kernel.
type Spec struct {
	MemoryLimitBytes     uint64
	MemoryGuaranteeBytes uint64
	RechargeOnPgfault    bool
	BlkioWeight          uint64
	CPUPolicy            Policy
	CPUQuotaUs           int64
	CPUPeriodUs          uint64
	CPUSharesGuarantee   uint64
	CPUSetMask           string // e.g. "0,2-3"; validated upstream via pkg/cpuset
	Devices              []DeviceRule
	NetClsClassID        uint32
}

// Driver owns the leaf cgroups for every container under the engine's
// porto-root, one containerd/cgroups.Cgroup per container.
type Driver struct {
	mu       sync.Mutex
	root     string // e.g. "porto"
	handles  map[string]cgroups.Cgroup
}

// New returns a Driver rooted at defs.PortoRootName under each subsystem
// (spec.md §4.3's `root(S) / <porto-root> / ...` leaf path rule).
func New() *Driver {
	return &Driver{root: defs.PortoRootName, handles: map[string]cgroups.Cgroup{}}
}

// leafPath builds the cgroup path for a container given its ancestor
// chain (root-to-leaf, excluding the synthetic porto root) and own name.
func (d *Driver) leafPath(ancestors []string, name string) string {
	parts := append([]string{"/", d.root}, ancestors...)
	parts = append(parts, name)
	return filepath.Join(parts...)
}

// Create makes (or re-attaches to, if already present) the leaf cgroup
// for a container and applies spec.
func (d *Driver) Create(ancestors []string, name string, spec Spec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.leafPath(ancestors, name)
	resources := toLinuxResources(spec)

	cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		cg, err = cgroups.New(cgroups.V1, cgroups.StaticPath(path), resources)
		if err != nil {
			return &er.Error{Kind: er.ResourceNotAvailable, Op: "cgroup.Create", Msg: err.Error()}
		}
	} else if err := cg.Update(resources); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "cgroup.Create", Msg: err.Error()}
	}

	d.handles[name] = cg
	return nil
}

// Attach moves pid into the container's leaf cgroup across every
// subsystem it spans.
func (d *Driver) Attach(name string, pid int) error {
	cg, err := d.handle(name)
	if err != nil {
		return err
	}
	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		return &er.Error{Kind: er.Unknown, Op: "cgroup.Attach", Msg: err.Error()}
	}
	return nil
}

// Update re-applies spec to an already-created leaf cgroup, idempotently
// (containerd/cgroups's Update only issues the writes each subsystem's
// Set needs, but Spec carries the currently-applied values in the state
// machine so repeated identical Update calls are themselves no-ops
// there, per spec.md §4.3).
func (d *Driver) Update(name string, spec Spec) error {
	cg, err := d.handle(name)
	if err != nil {
		return err
	}
	if err := cg.Update(toLinuxResources(spec)); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "cgroup.Update", Msg: err.Error()}
	}
	return nil
}

// Freeze/Thaw implement the freezer subsystem's pause/resume contract
// used by the Paused state.
func (d *Driver) Freeze(name string) error {
	cg, err := d.handle(name)
	if err != nil {
		return err
	}
	if err := cg.Freeze(); err != nil {
		return &er.Error{Kind: er.Unknown, Op: "cgroup.Freeze", Msg: err.Error()}
	}
	return nil
}

func (d *Driver) Thaw(name string) error {
	cg, err := d.handle(name)
	if err != nil {
		return err
	}
	if err := cg.Thaw(); err != nil {
		return &er.Error{Kind: er.Unknown, Op: "cgroup.Thaw", Msg: err.Error()}
	}
	return nil
}

// Processes enumerates pids currently attached to the container's leaf
// cgroup, read from the freezer subsystem; Empty, the cgroup-wide kill on
// Exit and restore's reattach check use it.
func (d *Driver) Processes(name string) ([]int, error) {
	cg, err := d.handle(name)
	if err != nil {
		return nil, err
	}
	procs, err := cg.Processes(cgroups.Freezer, true)
	if err != nil {
		return nil, &er.Error{Kind: er.Unknown, Op: "cgroup.Processes", Msg: err.Error()}
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
	}
	return pids, nil
}

// Empty reports whether the container's leaf cgroup currently holds no
// tasks (freezer subsystem's emptiness test, spec.md §4.3).
func (d *Driver) Empty(name string) (bool, error) {
	pids, err := d.Processes(name)
	if err != nil {
		return false, err
	}
	return len(pids) == 0, nil
}

// OOMEventFD returns the kernel event source the event loop polls for
// this container's memory-cgroup OOM notifications (spec.md §4.7).
func (d *Driver) OOMEventFD(name string) (uintptr, error) {
	cg, err := d.handle(name)
	if err != nil {
		return 0, err
	}
	fd, err := cg.OOMEventFD()
	if err != nil {
		return 0, &er.Error{Kind: er.NotSupported, Op: "cgroup.OOMEventFD", Msg: err.Error()}
	}
	return fd, nil
}

// Destroy removes the container's leaf cgroup across every subsystem.
// Idempotent: a missing handle is not an error (already destroyed, or
// never created for a Meta container with no own task).
func (d *Driver) Destroy(name string) error {
	d.mu.Lock()
	cg, ok := d.handles[name]
	delete(d.handles, name)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	if err := cg.Delete(); err != nil {
		log.Warnf("cgroup: delete %s: %v", name, err)
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "cgroup.Destroy", Msg: err.Error()}
	}
	return nil
}

func (d *Driver) handle(name string) (cgroups.Cgroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cg, ok := d.handles[name]
	if !ok {
		return nil, er.New(er.ContainerDoesNotExist, "cgroup", "no cgroup for %q", name)
	}
	return cg, nil
}

// toLinuxResources translates the engine's Spec into the OCI resource
// struct containerd/cgroups applies, the same runtime-spec types the
// teacher's container_resources.go uses to describe OCI resources.
func toLinuxResources(spec Spec) *specs.LinuxResources {
	res := &specs.LinuxResources{}

	mem := &specs.LinuxMemory{}
	hasMemory := false
	if spec.MemoryLimitBytes != 0 {
		limit := int64(spec.MemoryLimitBytes)
		mem.Limit = &limit
		hasMemory = true
	}
	if spec.MemoryGuaranteeBytes != 0 {
		reservation := int64(spec.MemoryGuaranteeBytes)
		mem.Reservation = &reservation
		hasMemory = true
	}
	if spec.RechargeOnPgfault {
		enabled := true
		mem.DisableOOMKiller = &enabled
		hasMemory = true
	}
	if hasMemory {
		res.Memory = mem
	}

	cpu := &specs.LinuxCPU{}
	hasCPU := false
	switch spec.CPUPolicy {
	case PolicyRT:
		if spec.CPUQuotaUs != 0 {
			rt := spec.CPUQuotaUs
			cpu.RealtimeRuntime = &rt
			hasCPU = true
		}
	case PolicyIdle:
		weight := uint64(10)
		cpu.Shares = &weight
		hasCPU = true
	default: // normal
		if spec.CPUQuotaUs != 0 {
			q := spec.CPUQuotaUs
			cpu.Quota = &q
			hasCPU = true
		}
		if spec.CPUPeriodUs != 0 {
			p := spec.CPUPeriodUs
			cpu.Period = &p
			hasCPU = true
		}
		if spec.CPUSharesGuarantee != 0 {
			s := spec.CPUSharesGuarantee
			cpu.Shares = &s
			hasCPU = true
		}
	}
	if spec.CPUSetMask != "" {
		cpu.Cpus = spec.CPUSetMask
		hasCPU = true
	}
	if hasCPU {
		res.CPU = cpu
	}

	if spec.BlkioWeight != 0 {
		w := uint16(spec.BlkioWeight)
		res.BlockIO = &specs.LinuxBlockIO{Weight: &w}
	}

	for _, rule := range spec.Devices {
		res.Devices = append(res.Devices, specs.LinuxDeviceCgroup{
			Allow:  rule.Allow,
			Type:   string(rule.Type),
			Major:  majorPtr(rule.Major),
			Minor:  majorPtr(rule.Minor),
			Access: rule.Permissions,
		})
	}

	if spec.NetClsClassID != 0 {
		res.Network = &specs.LinuxNetwork{ClassID: &spec.NetClsClassID}
	}

	return res
}

func majorPtr(v int64) *int64 {
	if v < 0 {
		return nil
	}
	return &v
}
