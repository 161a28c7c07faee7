// Package property implements the per-container property and data maps
// (spec.md §4.2): typed, validated, named attributes gated by container
// state and flagged for persistence, visibility, and ownership.
//
// The teacher's pkg/micantainer/container_resources.go exposes one Go
// method per OCI-backed property (cpuCapacity, memoryLimitMB, ...); this
// package generalizes that into a single data-driven table of Spec
// records so adding a property is adding a row, not a method, per Design
// Notes §9's property-polymorphism redesign.
package property

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	er "porto/errors"
)

// Type is the value kind a property or data field carries.
type Type int

const (
	TypeString Type = iota
	TypeBool
	TypeInt
	TypeUint
	TypeStringList
	TypeUintMap
)

// Flags is a bitfield of property modifiers, per spec.md §4.2.
type Flags uint32

const (
	Persistent Flags = 1 << iota
	Hidden
	SuperuserOnly
	RestrictedRootOnly
	ParentRO
	ParentDef
	OSMode
	Path
)

// State names the five container lifecycle states a property's legality
// is gated against. Declared here (not imported from pkg/container) so
// this package has no dependency on the state machine; pkg/container
// imports property, not the reverse.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateMeta    State = "meta"
	StateDead    State = "dead"
)

var AllStates = []State{StateStopped, StateRunning, StatePaused, StateMeta, StateDead}
var DynamicStates = []State{StateStopped, StateRunning, StatePaused, StateMeta}
var StaticStates = []State{StateStopped}

// Value is the typed, boxed value of a property or data field.
type Value struct {
	Type      Type
	Str       string
	Bool      bool
	Int       int64
	Uint      uint64
	StrList   []string
	UintMap   map[string]uint64
}

func StringValue(s string) Value            { return Value{Type: TypeString, Str: s} }
func BoolValue(b bool) Value                { return Value{Type: TypeBool, Bool: b} }
func IntValue(i int64) Value                { return Value{Type: TypeInt, Int: i} }
func UintValue(u uint64) Value              { return Value{Type: TypeUint, Uint: u} }
func StringListValue(l []string) Value      { return Value{Type: TypeStringList, StrList: append([]string(nil), l...)} }
func UintMapValue(m map[string]uint64) Value {
	cp := make(map[string]uint64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{Type: TypeUintMap, UintMap: cp}
}

// Marshal renders a Value to its KV-store string form.
func (v Value) Marshal() string {
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeUint:
		return strconv.FormatUint(v.Uint, 10)
	case TypeStringList:
		return strings.Join(v.StrList, ";")
	case TypeUintMap:
		keys := make([]string, 0, len(v.UintMap))
		for k := range v.UintMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+strconv.FormatUint(v.UintMap[k], 10))
		}
		return strings.Join(parts, ";")
	default:
		return v.Str
	}
}

// Unmarshal parses s into a Value of the given type. PATH-flagged
// properties are always TypeString on disk; re-rooting into the caller's
// namespace happens at the RPC boundary, not in this package.
func Unmarshal(t Type, s string) (Value, error) {
	switch t {
	case TypeString:
		return StringValue(s), nil
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, er.New(er.InvalidValue, "unmarshal", "not a bool: %q", s)
		}
		return BoolValue(b), nil
	case TypeInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, er.New(er.InvalidValue, "unmarshal", "not an int: %q", s)
		}
		return IntValue(i), nil
	case TypeUint:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Value{}, er.New(er.InvalidValue, "unmarshal", "not a uint: %q", s)
		}
		return UintValue(u), nil
	case TypeStringList:
		if s == "" {
			return StringListValue(nil), nil
		}
		return StringListValue(strings.Split(s, ";")), nil
	case TypeUintMap:
		m := map[string]uint64{}
		if s != "" {
			for _, part := range strings.Split(s, ";") {
				kv := strings.SplitN(part, ":", 2)
				if len(kv) != 2 {
					return Value{}, er.New(er.InvalidValue, "unmarshal", "malformed map entry: %q", part)
				}
				u, err := strconv.ParseUint(kv[1], 10, 64)
				if err != nil {
					return Value{}, er.New(er.InvalidValue, "unmarshal", "not a uint: %q", kv[1])
				}
				m[kv[0]] = u
			}
		}
		return UintMapValue(m), nil
	default:
		return Value{}, er.New(er.InvalidProperty, "unmarshal", "unknown type %d", t)
	}
}

// Spec is one row of the property/data table: name, type, flags, legal
// states, default, and the hooks that back get/set.
type Spec struct {
	Name        string
	Type        Type
	Flags       Flags
	LegalStates []State // states in which Set is permitted; nil means data field (read-only)
	Default     func(ctx *Map) Value
	Validate    func(ctx *Map, v Value) error
	// Get overrides reading the stored value (used for computed data
	// fields); nil means "return the stored value".
	Get func(ctx *Map) (Value, error)
	// Set overrides storing the value (used for properties with kernel
	// side-effects applied at a higher layer); nil means "store it".
	Set func(ctx *Map, v Value) error
}

func (s *Spec) legalIn(state State) bool {
	if s.LegalStates == nil {
		return false
	}
	for _, st := range s.LegalStates {
		if st == state {
			return true
		}
	}
	return false
}

// Table is an ordered, name-indexed set of Specs, built once at startup
// and shared read-only across every container.
type Table struct {
	specs []*Spec
	byName map[string]*Spec
	aliases map[string]string
}

// NewTable builds a Table from specs, plus a fixed alias rewrite table for
// legacy property names.
func NewTable(specs []*Spec, aliases map[string]string) *Table {
	t := &Table{
		specs:   specs,
		byName:  make(map[string]*Spec, len(specs)),
		aliases: aliases,
	}
	for _, s := range specs {
		t.byName[s.Name] = s
	}
	return t
}

func (t *Table) resolve(name string) (string, *Spec) {
	if canon, ok := t.aliases[name]; ok {
		name = canon
	}
	return name, t.byName[name]
}

func (t *Table) Names() []string {
	names := make([]string, 0, len(t.specs))
	for _, s := range t.specs {
		if s.Flags&Hidden != 0 {
			continue
		}
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Map is one container's live property/data values, backed by a shared
// Table. Subscripted access (name[key]) is handled by SetKey/GetKey for
// TypeUintMap properties.
type Map struct {
	table  *Table
	mu     sync.RWMutex
	values map[string]Value
	state  State
	// Dirty collects PERSISTENT changes since the last Flush, in
	// append order, for the caller to hand to kvstore.Append.
	Dirty []KVChange
}

// KVChange is one pending persisted write.
type KVChange struct {
	Key   string
	Value string
}

// NewMap constructs an empty Map over table, with the container starting
// in StateStopped.
func NewMap(table *Table) *Map {
	return &Map{table: table, values: map[string]Value{}, state: StateStopped}
}

// SetState updates the state used for write-gating; called by the state
// machine on every transition.
func (m *Map) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Map) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Get returns the current value of name, applying its Default hook if
// nothing has been set yet.
func (m *Map) Get(name string) (Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(name)
}

func (m *Map) get(name string) (Value, error) {
	_, spec := m.table.resolve(name)
	if spec == nil {
		return Value{}, er.New(er.InvalidProperty, "get", "unknown property %q", name)
	}
	if spec.Get != nil {
		return spec.Get(m)
	}
	if v, ok := m.values[spec.Name]; ok {
		return v, nil
	}
	if spec.Default != nil {
		return spec.Default(m), nil
	}
	return Value{Type: spec.Type}, nil
}

// Set validates and stores v for name, respecting state gating and the
// property's Validate hook. PERSISTENT changes are recorded in Dirty for
// the caller to flush to the KV store.
func (m *Map) Set(name string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, spec := m.table.resolve(name)
	if spec == nil {
		return er.New(er.InvalidProperty, "set", "unknown property %q", name)
	}
	if spec.LegalStates == nil {
		return er.New(er.InvalidProperty, "set", "%q is a read-only data field", name)
	}
	if !spec.legalIn(m.state) {
		return er.New(er.InvalidState, "set", "%q cannot be set in state %s", name, m.state)
	}
	if v.Type != spec.Type {
		return er.New(er.InvalidValue, "set", "%q expects type %d, got %d", name, spec.Type, v.Type)
	}
	if spec.Validate != nil {
		if err := spec.Validate(m, v); err != nil {
			return err
		}
	}

	// Idempotence: setting a dynamic property to its current value is a
	// no-op — no kernel write, no KV append (spec.md §8).
	if cur, ok := m.values[spec.Name]; ok && cur.Marshal() == v.Marshal() {
		return nil
	}

	if spec.Set != nil {
		if err := spec.Set(m, v); err != nil {
			return err
		}
	}
	m.values[spec.Name] = v

	if spec.Flags&Persistent != 0 {
		m.Dirty = append(m.Dirty, KVChange{Key: spec.Name, Value: v.Marshal()})
	}
	return nil
}

// SetData writes a read-only data field directly, bypassing the
// LegalStates/Validate gate that Set enforces for client-settable
// properties. Used by the state machine to record computed fields
// (current state, exit status, respawn count, ...) that clients may
// only read.
func (m *Map) SetData(name string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, spec := m.table.resolve(name)
	if spec == nil {
		return er.New(er.InvalidProperty, "setData", "unknown data field %q", name)
	}
	if spec.LegalStates != nil {
		return er.New(er.InvalidProperty, "setData", "%q is a client-settable property, not a data field", name)
	}
	if v.Type != spec.Type {
		return er.New(er.InvalidValue, "setData", "%q expects type %d, got %d", name, spec.Type, v.Type)
	}

	m.values[spec.Name] = v
	if spec.Flags&Persistent != 0 {
		m.Dirty = append(m.Dirty, KVChange{Key: spec.Name, Value: v.Marshal()})
	}
	return nil
}

// GetKey reads a single entry of a TypeUintMap property (the name[key]
// subscripted-access form from spec.md §4.2).
func (m *Map) GetKey(name, key string) (uint64, error) {
	v, err := m.Get(name)
	if err != nil {
		return 0, err
	}
	if v.Type != TypeUintMap {
		return 0, er.New(er.InvalidProperty, "get", "%q is not a map property", name)
	}
	return v.UintMap[key], nil
}

// SetKey writes a single entry of a TypeUintMap property without
// disturbing the rest of the map.
func (m *Map) SetKey(name, key string, val uint64) error {
	m.mu.Lock()
	cur, err := m.get(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if cur.Type != TypeUintMap {
		return er.New(er.InvalidProperty, "set", "%q is not a map property", name)
	}
	updated := map[string]uint64{}
	for k, v := range cur.UintMap {
		updated[k] = v
	}
	updated[key] = val
	return m.Set(name, UintMapValue(updated))
}

// Restore reconstructs the map from a last-write-wins KV node load,
// skipping values for names no longer in the table. Validators are not
// re-run here, and restore does not re-run them either; pkg/container
// re-checks hierarchical values at the container's next Start.
func (m *Map) Restore(kv map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, spec := range m.table.specs {
		raw, ok := kv[spec.Name]
		if !ok {
			continue
		}
		v, err := Unmarshal(spec.Type, raw)
		if err != nil {
			return er.Wrap("Restore", err)
		}
		m.values[spec.Name] = v
	}
	return nil
}

// Flush returns and clears the pending persisted changes, for the caller
// to append to the KV store atomically with the triggering operation.
func (m *Map) Flush() []KVChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.Dirty
	m.Dirty = nil
	return d
}

// Snapshot returns every non-hidden property/data name and its current
// marshaled value, for listing to clients.
func (m *Map) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[string]string{}
	for _, spec := range m.table.specs {
		if spec.Flags&Hidden != 0 {
			continue
		}
		v, err := m.get(spec.Name)
		if err != nil {
			continue
		}
		out[spec.Name] = v.Marshal()
	}
	return out
}
