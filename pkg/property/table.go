package property

import (
	defs "porto/definitions"
	er "porto/errors"
	"porto/pkg/cpuset"
)

// Canonical property and data names (spec.md §4.2).
const (
	PropCommand      = "command"
	PropCwd          = "cwd"
	PropRoot         = "root"
	PropRootRdonly   = "root_rdonly"
	PropUser         = "user"
	PropGroup        = "group"
	PropEnv          = "env"
	PropHostname     = "hostname"
	PropIsolate      = "isolate"
	PropStdoutPath   = "stdout_path"
	PropStderrPath   = "stderr_path"
	PropStdoutLimit  = "stdout_limit"
	PropMaxLogSize   = "max_log_size"
	PropBindMounts   = "bind_mounts"
	PropCapabilities = "capabilities"
	PropDevices      = "devices"
	PropIP           = "ip"

	PropMemoryLimit      = "memory_limit"
	PropMemoryGuarantee  = "memory_guarantee"
	PropCPULimit         = "cpu_limit"
	PropCPUGuarantee     = "cpu_guarantee"
	PropCPUPolicy        = "cpu_policy"
	PropCPUSet           = "cpu_set"
	PropIOLimit          = "io_limit"

	PropNetGuarantee = "net_guarantee"
	PropNetLimit     = "net_limit"
	PropNetPriority  = "net_priority"

	PropRespawn        = "respawn"
	PropMaxRespawns    = "max_respawns"
	PropRespawnDelayMs = "respawn_delay_ms"
	PropVirtMode       = "virt_mode"

	DataState        = "state"
	DataExitStatus   = "exit_status"
	DataOOMKilled    = "oom_killed"
	DataRespawnCount = "respawn_count"
	DataStartTime    = "start_time"
	DataDeathTime    = "death_time"
	DataRunningChild = "running_children"

	// Hidden data, not enumerated to clients (spec.md §2 expansion).
	DataMemoryLimitBound     = "memory_limit_bound"
	DataMemoryGuaranteeBound = "memory_guarantee_bound"
	DataLoopDev              = "raw_loop_dev"
	DataRawPid               = "raw_root_pid"
	DataLostAndRestored      = "lost_and_restored"
)

func zero(t Type) func(*Map) Value {
	return func(*Map) Value {
		switch t {
		case TypeBool:
			return BoolValue(false)
		case TypeInt:
			return IntValue(0)
		case TypeUint:
			return UintValue(0)
		case TypeStringList:
			return StringListValue(nil)
		case TypeUintMap:
			return UintMapValue(nil)
		default:
			return StringValue("")
		}
	}
}

func constant(v Value) func(*Map) Value {
	return func(*Map) Value { return v }
}

// BuiltinSpecs returns the full property/data table for the engine.
// Hierarchical uint properties (memory/cpu/net guarantee+limit) are
// validated for type/range here only; the parent/child sum invariant
// from spec.md §4.6 is enforced by pkg/container, which has the tree
// context this package intentionally lacks.
func BuiltinSpecs() []*Spec {
	return []*Spec{
		{Name: PropCommand, Type: TypeString, Flags: Persistent, LegalStates: StaticStates, Default: zero(TypeString)},
		{Name: PropCwd, Type: TypeString, Flags: Persistent | Path, LegalStates: StaticStates, Default: constant(StringValue("/"))},
		{Name: PropRoot, Type: TypeString, Flags: Persistent | Path, LegalStates: StaticStates, Default: constant(StringValue("/"))},
		{Name: PropRootRdonly, Type: TypeBool, Flags: Persistent, LegalStates: StaticStates, Default: constant(BoolValue(false))},
		{Name: PropUser, Type: TypeString, Flags: Persistent, LegalStates: StaticStates, Default: constant(StringValue("root"))},
		{Name: PropGroup, Type: TypeString, Flags: Persistent, LegalStates: StaticStates, Default: constant(StringValue("root"))},
		{Name: PropEnv, Type: TypeStringList, Flags: Persistent, LegalStates: StaticStates, Default: zero(TypeStringList)},
		{Name: PropHostname, Type: TypeString, Flags: Persistent | ParentDef, LegalStates: StaticStates, Default: zero(TypeString)},
		{Name: PropIsolate, Type: TypeBool, Flags: Persistent, LegalStates: StaticStates, Default: constant(BoolValue(false))},

		{Name: PropStdoutPath, Type: TypeString, Flags: Persistent | Path, LegalStates: StaticStates, Default: zero(TypeString)},
		{Name: PropStderrPath, Type: TypeString, Flags: Persistent | Path, LegalStates: StaticStates, Default: zero(TypeString)},
		{Name: PropStdoutLimit, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates,
			Default:  constant(UintValue(uint64(defs.DefaultMaxLogSizeBytes))),
			Validate: func(_ *Map, v Value) error {
				if v.Uint == 0 {
					return er.New(er.InvalidValue, "validate", "stdout_limit must be > 0")
				}
				return nil
			}},
		{Name: PropMaxLogSize, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates,
			Default: constant(UintValue(uint64(defs.DefaultMaxLogSizeBytes)))},

		{Name: PropBindMounts, Type: TypeStringList, Flags: Persistent, LegalStates: StaticStates, Default: zero(TypeStringList)},
		{Name: PropCapabilities, Type: TypeStringList, Flags: Persistent | SuperuserOnly, LegalStates: StaticStates, Default: zero(TypeStringList)},
		{Name: PropDevices, Type: TypeStringList, Flags: Persistent | SuperuserOnly, LegalStates: StaticStates, Default: zero(TypeStringList)},
		{Name: PropIP, Type: TypeStringList, Flags: Persistent, LegalStates: StaticStates, Default: zero(TypeStringList)},

		{Name: PropMemoryLimit, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates, Default: zero(TypeUint)},
		{Name: PropMemoryGuarantee, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates, Default: zero(TypeUint)},
		{Name: PropCPULimit, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates, Default: zero(TypeUint)},
		{Name: PropCPUGuarantee, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates, Default: zero(TypeUint)},
		{Name: PropCPUPolicy, Type: TypeString, Flags: Persistent, LegalStates: DynamicStates, Default: constant(StringValue("normal")),
			Validate: func(_ *Map, v Value) error {
				switch v.Str {
				case "normal", "rt", "idle":
					return nil
				default:
					return er.New(er.InvalidValue, "validate", "cpu_policy must be normal|rt|idle, got %q", v.Str)
				}
			}},
		{Name: PropCPUSet, Type: TypeString, Flags: Persistent, LegalStates: DynamicStates, Default: zero(TypeString),
			Validate: func(_ *Map, v Value) error {
				if v.Str == "" {
					return nil
				}
				if _, err := cpuset.Parse(v.Str); err != nil {
					return er.New(er.InvalidValue, "validate", "cpu_set: %v", err)
				}
				return nil
			}},
		{Name: PropIOLimit, Type: TypeUint, Flags: Persistent, LegalStates: DynamicStates, Default: zero(TypeUint)},

		{Name: PropNetGuarantee, Type: TypeUintMap, Flags: Persistent, LegalStates: DynamicStates,
			Default: constant(UintMapValue(map[string]uint64{"default": defs.DefaultNetGuaranteeBits}))},
		{Name: PropNetLimit, Type: TypeUintMap, Flags: Persistent, LegalStates: DynamicStates,
			Default: constant(UintMapValue(map[string]uint64{"default": defs.DefaultNetLimitBits}))},
		{Name: PropNetPriority, Type: TypeInt, Flags: Persistent, LegalStates: DynamicStates,
			Default:  constant(IntValue(int64(defs.DefaultNetPriority))),
			Validate: func(_ *Map, v Value) error {
				if v.Int < 0 || v.Int > 7 {
					return er.New(er.InvalidValue, "validate", "net_priority must be 0..7, got %d", v.Int)
				}
				return nil
			}},

		{Name: PropRespawn, Type: TypeBool, Flags: Persistent, LegalStates: AllStates, Default: constant(BoolValue(false))},
		{Name: PropMaxRespawns, Type: TypeInt, Flags: Persistent, LegalStates: AllStates, Default: constant(IntValue(-1))},
		{Name: PropRespawnDelayMs, Type: TypeUint, Flags: Persistent, LegalStates: AllStates,
			Default: constant(UintValue(uint64(defs.DefaultRespawnDelayMs)))},
		{Name: PropVirtMode, Type: TypeString, Flags: Persistent, LegalStates: StaticStates, Default: constant(StringValue("os"))},

		// Data: read-only, LegalStates nil.
		{Name: DataState, Type: TypeString, Flags: Persistent, Default: constant(StringValue(string(StateStopped)))},
		{Name: DataExitStatus, Type: TypeInt, Flags: Persistent, Default: constant(IntValue(-1))},
		{Name: DataOOMKilled, Type: TypeBool, Default: zero(TypeBool)},
		{Name: DataRespawnCount, Type: TypeUint, Flags: Persistent, Default: zero(TypeUint)},
		{Name: DataStartTime, Type: TypeUint, Flags: Persistent, Default: zero(TypeUint)},
		{Name: DataDeathTime, Type: TypeUint, Flags: Persistent, Default: zero(TypeUint)},
		{Name: DataRunningChild, Type: TypeUint, Default: zero(TypeUint)},

		{Name: DataMemoryLimitBound, Type: TypeUint, Flags: Persistent | Hidden, Default: zero(TypeUint)},
		{Name: DataMemoryGuaranteeBound, Type: TypeUint, Flags: Persistent | Hidden, Default: zero(TypeUint)},
		{Name: DataLoopDev, Type: TypeInt, Flags: Persistent | Hidden, Default: constant(IntValue(-1))},
		{Name: DataRawPid, Type: TypeInt, Flags: Persistent | Hidden, Default: constant(IntValue(0))},
		{Name: DataLostAndRestored, Type: TypeBool, Flags: Persistent | Hidden, Default: zero(TypeBool)},
	}
}

// legacyAliases rewrites a small set of deprecated property names to their
// canonical form on get/set, per spec.md §4.2's alias table.
func legacyAliases() map[string]string {
	return map[string]string{
		"memory_guarantee_bytes": PropMemoryGuarantee,
		"memory_limit_bytes":     PropMemoryLimit,
		"cpu_limit_bw":           PropCPULimit,
	}
}

// NewBuiltinTable builds the default Table used by the engine.
func NewBuiltinTable() *Table {
	return NewTable(BuiltinSpecs(), legacyAliases())
}
