// Package netclass implements the Network / Traffic Class Manager
// (spec.md §4.4): an HTB qdisc-and-class tree, one class per container
// per running non-loopback interface, with the actual netlink syscalls
// delegated to an external NetlinkDriver collaborator — the same way the
// teacher delegates actual MICA-client syscalls to pkg/libmica rather
// than doing them inline.
package netclass

import (
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/net"

	defs "porto/definitions"
	er "porto/errors"
	log "porto/logger"
)

// Handle is an HTB class handle, (major:minor) encoded as one uint32 the
// way Linux TC represents it: major in the high 16 bits, minor in the
// low 16 bits.
type Handle uint32

func NewHandle(major, minor uint16) Handle {
	return Handle(uint32(major)<<16 | uint32(minor))
}

func (h Handle) Major() uint16 { return uint16(h >> 16) }
func (h Handle) Minor() uint16 { return uint16(h) }

// ClassStats mirrors the per-interface counters spec.md §4.4's get_stats
// reports.
type ClassStats struct {
	Packets    uint64
	Bytes      uint64
	Drops      uint64
	Overlimits uint64
	RateBPS    uint64
	RatePPS    uint64
}

// NetlinkDriver is the external collaborator that performs the real
// netlink syscalls (spec.md §6's "Netlink/TC" contract). Production
// wiring (pkg/engine) supplies TCDriver, which runs the tc and ip
// binaries; tests supply a fake.
type NetlinkDriver interface {
	EnsureRootQdisc(iface string, major uint16) error
	CreateClass(iface string, handle, parent Handle, prio int, rate, ceil uint64) error
	DeleteClass(iface string, handle Handle) error
	ClassStats(iface string, handle Handle) (ClassStats, error)
	Interfaces() ([]string, error)
}

// Limits is the per-interface (rate, ceil, prio) a container requests,
// read from its net_guarantee/net_limit/net_priority properties.
type Limits struct {
	Rate uint64
	Ceil uint64
	Prio int
}

// classNode is one entry in the in-memory HTB tree bookkeeping; the
// actual class lives in the kernel, reached only through driver.
type classNode struct {
	containerID int
	parent      Handle
	perIface    map[string]Handle // iface -> this container's handle on that iface
}

// Manager owns the HTB tree across every running interface. All mutating
// operations run under one manager-wide lock per spec.md §4.4's "single
// manager-wide lock" rule; this lock is taken after a container's lock,
// never before one (spec.md §5).
type Manager struct {
	mu         sync.Mutex
	driver     NetlinkDriver
	major      uint16
	portoRootID int
	ifaces     map[string]bool // iface name -> prepared
	nodes      map[int]*classNode
}

// New constructs a Manager that delegates real netlink work to driver.
func New(driver NetlinkDriver) *Manager {
	return &Manager{
		driver:      driver,
		major:       defs.HTBMajor,
		portoRootID: defs.PortoRootID,
		ifaces:      map[string]bool{},
		nodes:       map[int]*classNode{},
	}
}

// Prepare discovers interfaces, installs the root HTB qdisc, and
// installs the default and porto-root classes on each (spec.md §4.4
// prepare()).
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ifaces, err := m.driver.Interfaces()
	if err != nil {
		return er.Wrap("netclass.Prepare", err)
	}
	for _, iface := range ifaces {
		if err := m.prepareInterfaceLocked(iface); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) prepareInterfaceLocked(iface string) error {
	if m.ifaces[iface] {
		return nil
	}
	if err := m.driver.EnsureRootQdisc(iface, m.major); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "netclass.Prepare", Msg: err.Error()}
	}

	defaultHandle := NewHandle(m.major, 1)
	rootHandle := NewHandle(m.major, 0)
	if err := m.driver.CreateClass(iface, defaultHandle, rootHandle, defs.DefaultNetPriority, defs.DefaultNetGuaranteeBits, defs.DefaultNetLimitBits); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "netclass.Prepare", Msg: err.Error()}
	}

	portoRootHandle := NewHandle(m.major, uint16(m.portoRootID))
	if err := m.driver.CreateClass(iface, portoRootHandle, rootHandle, defs.DefaultNetPriority, defs.DefaultNetGuaranteeBits, defs.DefaultNetLimitBits); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "netclass.Prepare", Msg: err.Error()}
	}

	m.ifaces[iface] = true
	return nil
}

// CreateClass installs a container's HTB class on every prepared
// interface, parented at parentID's handle (or the porto-root class for
// top-level containers when parentID is 0), per spec.md §4.4
// create_class().
func (m *Manager) CreateClass(containerID, parentID int, perIface map[string]Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := &classNode{containerID: containerID, perIface: map[string]Handle{}}

	if parentID != 0 {
		if _, ok := m.nodes[parentID]; !ok {
			return er.New(er.InvalidState, "netclass.CreateClass", "parent container %d has no traffic class yet", parentID)
		}
		node.parent = NewHandle(m.major, uint16(parentID))
	} else {
		node.parent = NewHandle(m.major, uint16(m.portoRootID))
	}
	parentHandle := node.parent

	handle := NewHandle(m.major, uint16(containerID))
	for iface := range m.ifaces {
		lim, ok := perIface[iface]
		if !ok {
			lim = Limits{Rate: defs.DefaultNetGuaranteeBits, Ceil: defs.DefaultNetLimitBits, Prio: defs.DefaultNetPriority}
		}
		rate := lim.Rate
		if rate == 0 {
			// spec.md §4.4: rate=0 is remapped to 1 (HTB rejects a zero rate).
			rate = 1
		}
		ceil := lim.Ceil
		if ceil == 0 {
			ceil = rate
		}
		if err := m.driver.CreateClass(iface, handle, parentHandle, lim.Prio, rate, ceil); err != nil {
			return &er.Error{Kind: er.ResourceNotAvailable, Op: "netclass.CreateClass", Msg: err.Error()}
		}
		node.perIface[iface] = handle
	}

	m.nodes[containerID] = node
	return nil
}

// DeleteClass removes a container's class from every interface it was
// installed on. Its child classes are always deleted first, in
// post-order, and then its own class; no busy check or retry is made
// (spec.md §4.4 delete_class()).
func (m *Manager) DeleteClass(containerID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteClassLocked(containerID)
}

func (m *Manager) deleteClassLocked(containerID int) error {
	node, ok := m.nodes[containerID]
	if !ok {
		return nil
	}

	for _, child := range m.childrenLocked(containerID) {
		if err := m.deleteClassLocked(child); err != nil {
			return err
		}
	}

	for iface, handle := range node.perIface {
		if err := m.driver.DeleteClass(iface, handle); err != nil {
			return &er.Error{Kind: er.ResourceNotAvailable, Op: "netclass.DeleteClass", Msg: err.Error()}
		}
	}
	delete(m.nodes, containerID)
	return nil
}

func (m *Manager) childrenLocked(containerID int) []int {
	parentHandle := NewHandle(m.major, uint16(containerID))
	var children []int
	for id, node := range m.nodes {
		if node.parent == parentHandle {
			children = append(children, id)
		}
	}
	sort.Ints(children)
	return children
}

// Stats reports per-interface counters for a container's class, falling
// back to host-wide gopsutil counters (logged as degraded) when the
// driver itself cannot report per-class stats — the same fallback
// pattern the teacher's pedestal package uses gopsutil for host
// capacity detection.
func (m *Manager) Stats(containerID int) (map[string]ClassStats, error) {
	m.mu.Lock()
	node, ok := m.nodes[containerID]
	m.mu.Unlock()
	if !ok {
		return nil, er.New(er.ContainerDoesNotExist, "netclass.Stats", "no traffic class for container %d", containerID)
	}

	out := map[string]ClassStats{}
	for iface, handle := range node.perIface {
		stats, err := m.driver.ClassStats(iface, handle)
		if err != nil {
			log.Warnf("netclass: %s class stats unavailable, falling back to host counters: %v", iface, err)
			stats = hostFallbackStats(iface)
		}
		out[iface] = stats
	}
	return out, nil
}

func hostFallbackStats(iface string) ClassStats {
	counters, err := net.IOCounters(true)
	if err != nil {
		return ClassStats{}
	}
	for _, c := range counters {
		if c.Name != iface {
			continue
		}
		return ClassStats{
			Packets: c.PacketsRecv + c.PacketsSent,
			Bytes:   c.BytesRecv + c.BytesSent,
			Drops:   c.Dropin + c.Dropout,
		}
	}
	return ClassStats{}
}

// UpdateInterfaces refreshes the prepared-interface set when links are
// added or removed: classes on removed interfaces are forgotten, and new
// interfaces get the default/porto-root classes installed, per spec.md
// §4.4 update_interfaces().
func (m *Manager) UpdateInterfaces() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.driver.Interfaces()
	if err != nil {
		return er.Wrap("netclass.UpdateInterfaces", err)
	}
	currentSet := map[string]bool{}
	for _, iface := range current {
		currentSet[iface] = true
		if !m.ifaces[iface] {
			if err := m.prepareInterfaceLocked(iface); err != nil {
				return err
			}
		}
	}

	for iface := range m.ifaces {
		if currentSet[iface] {
			continue
		}
		delete(m.ifaces, iface)
		for _, node := range m.nodes {
			delete(node.perIface, iface)
		}
	}
	return nil
}
