// Package registry implements the Container Registry & Tree (spec.md
// §4.5): an arena-indexed id→slot table plus a name→id map, a
// registry-wide holder lock, an id allocator (a counter plus a stack of
// freed ids; the most recently freed id is reused first, not the lowest
// free one), and the
// acquire/release advisory-flag mechanism.
//
// The teacher's pkg/micantainer/sandbox.go Sandbox struct holds
// containers in one map[string]*Container behind one sync.Mutex; this
// package generalizes that into the two-level map (name->id, id->slot)
// called for by Design Notes §9's arena-indexed-tree redesign, which
// replaces shared/weak pointers between containers with plain int ids.
package registry

import (
	"sort"
	"sync"

	er "porto/errors"
)

// Container is the subset of pkg/container's Container type the registry
// needs to see in order to link the tree and route operations. Declared
// here (not imported from pkg/container) so pkg/container can depend on
// pkg/registry without a cycle; pkg/container's Container satisfies this
// interface.
type Container interface {
	ID() int
	Name() string
	ParentID() int
}

type slot struct {
	id       int
	name     string
	parentID int
	children map[int]bool
	container Container
	mu       sync.Mutex
	acquired bool
}

// Registry owns every container by id. parent/child links are ids;
// looking a container up returns its id, which the caller locks via
// Lock/Unlock before touching the container.
type Registry struct {
	holder sync.RWMutex // the holder lock, spec.md §4.5/§5

	byID   map[int]*slot
	byName map[string]int
	nextID int
	freed  []int // ids freed by Destroy, reused before nextID advances
}

// New returns an empty Registry. Ids start at defs.FirstUserID by
// convention (0 and 1 are reserved for host-root/porto-root); Create
// never hands out 0 or 1, so no container in a Registry holds them.
func New() *Registry {
	return &Registry{
		byID:   map[int]*slot{},
		byName: map[string]int{},
		nextID: 2,
	}
}

func (r *Registry) allocID() int {
	if n := len(r.freed); n > 0 {
		id := r.freed[n-1]
		r.freed = r.freed[:n-1]
		return id
	}
	id := r.nextID
	r.nextID++
	return id
}

// Create allocates an id for name, links it under parentName's child
// list (empty parentName means top-level), and returns the new id. The
// caller is responsible for constructing the Container and calling Bind
// once it exists — Create and Bind are split because the Container often
// needs its own id before it can be constructed.
func (r *Registry) Create(name, parentName string) (id int, err error) {
	r.holder.Lock()
	defer r.holder.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, er.ErrAlreadyExists
	}

	parentID := 0
	if parentName != "" {
		pid, ok := r.byName[parentName]
		if !ok {
			return 0, er.New(er.ContainerDoesNotExist, "registry.Create", "parent %q not found", parentName)
		}
		parentID = pid
	}

	id = r.allocID()
	s := &slot{id: id, name: name, parentID: parentID, children: map[int]bool{}}
	r.byID[id] = s
	r.byName[name] = id
	if parentID != 0 {
		r.byID[parentID].children[id] = true
	}
	return id, nil
}

// Bind attaches the constructed Container to its already-allocated slot.
func (r *Registry) Bind(id int, c Container) error {
	r.holder.Lock()
	defer r.holder.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return er.ErrContainerNotFound
	}
	s.container = c
	return nil
}

// Get returns the Container bound to name.
func (r *Registry) Get(name string) (Container, error) {
	r.holder.RLock()
	defer r.holder.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, er.ErrContainerNotFound
	}
	return r.byID[id].container, nil
}

// GetByID returns the Container bound to id.
func (r *Registry) GetByID(id int) (Container, error) {
	r.holder.RLock()
	defer r.holder.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, er.ErrContainerNotFound
	}
	return s.container, nil
}

// List returns every registered container name, sorted.
func (r *Registry) List() []string {
	r.holder.RLock()
	defer r.holder.RUnlock()

	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListChildren returns the direct children of name, sorted by id.
func (r *Registry) ListChildren(name string) ([]Container, error) {
	r.holder.RLock()
	defer r.holder.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, er.ErrContainerNotFound
	}
	ids := make([]int, 0, len(r.byID[id].children))
	for cid := range r.byID[id].children {
		ids = append(ids, cid)
	}
	sort.Ints(ids)

	out := make([]Container, 0, len(ids))
	for _, cid := range ids {
		out = append(out, r.byID[cid].container)
	}
	return out, nil
}

// Ancestors returns name's ancestor chain, immediate parent first, for
// the hierarchical validation and Paused-ancestor checks in pkg/container.
func (r *Registry) Ancestors(name string) ([]Container, error) {
	r.holder.RLock()
	defer r.holder.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, er.ErrContainerNotFound
	}

	var out []Container
	cur := r.byID[id].parentID
	for cur != 0 {
		s, ok := r.byID[cur]
		if !ok {
			break
		}
		out = append(out, s.container)
		cur = s.parentID
	}
	return out, nil
}

// Lock/Unlock take the per-container lock for name, per spec.md §5's
// holder-lock -> per-container-lock ordering: callers must not be
// holding the holder lock exclusively when calling Lock.
func (r *Registry) Lock(name string) error {
	r.holder.RLock()
	id, ok := r.byName[name]
	s := r.byID[id]
	r.holder.RUnlock()
	if !ok {
		return er.ErrContainerNotFound
	}
	s.mu.Lock()
	return nil
}

func (r *Registry) Unlock(name string) {
	r.holder.RLock()
	id, ok := r.byName[name]
	var s *slot
	if ok {
		s = r.byID[id]
	}
	r.holder.RUnlock()
	if s != nil {
		s.mu.Unlock()
	}
}

// Acquire sets the advisory "acquired" marker used by multi-step client
// operations to keep other clients out — it is a flag, not a lock
// (spec.md §5): concurrent holders of the per-container lock still block
// each other normally, but code paths that only check IsAcquired are
// cooperatively excluded.
func (r *Registry) Acquire(name string) error {
	r.holder.Lock()
	defer r.holder.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return er.ErrContainerNotFound
	}
	r.byID[id].acquired = true
	return nil
}

func (r *Registry) Release(name string) error {
	r.holder.Lock()
	defer r.holder.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return er.ErrContainerNotFound
	}
	r.byID[id].acquired = false
	return nil
}

// IsAcquired reports whether name or any of its ancestors is acquired:
// "acquisition of a container is also conceptually held on all
// descendants (is_acquired walks upward)" (spec.md §4.5).
func (r *Registry) IsAcquired(name string) bool {
	r.holder.RLock()
	defer r.holder.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return false
	}

	for {
		s, ok := r.byID[id]
		if !ok {
			return false
		}
		if s.acquired {
			return true
		}
		if s.parentID == 0 {
			return false
		}
		id = s.parentID
	}
}

// Remove deletes name from the registry (called after a successful
// Destroy has already torn down the container's resources), freeing its
// id for reuse and unlinking it from its parent's child list.
func (r *Registry) Remove(name string) error {
	r.holder.Lock()
	defer r.holder.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return er.ErrContainerNotFound
	}
	s := r.byID[id]
	if len(s.children) > 0 {
		return er.New(er.InvalidState, "registry.Remove", "%q still has children", name)
	}

	if s.parentID != 0 {
		if parent, ok := r.byID[s.parentID]; ok {
			delete(parent.children, id)
		}
	}
	delete(r.byID, id)
	delete(r.byName, name)
	r.freed = append(r.freed, id)
	return nil
}

// WithHolderLock runs fn while holding the holder lock exclusively, for
// operations that must serialize across multiple containers (recursive
// Stop, Destroy, Pause-subtree — spec.md §4.5).
func (r *Registry) WithHolderLock(fn func() error) error {
	r.holder.Lock()
	defer r.holder.Unlock()
	return fn()
}
