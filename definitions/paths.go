// Package defs holds process-wide constants: filesystem layout, cgroup
// roots, and default tunables referenced throughout the engine.
package defs

import "os"

const (
	// PortoRootName is the reserved name of container id 1, the parent of
	// every user container.
	PortoRootName = "porto"
	// HostRootName is the reserved name of container id 0.
	HostRootName = "/"

	// HostRootID and PortoRootID are the two reserved container ids.
	HostRootID  = 0
	PortoRootID = 1
	// FirstUserID is the first id handed out to a user container.
	FirstUserID = 2

	DirMode  = os.FileMode(0700) | os.ModeDir
	FileMode = os.FileMode(0644)
)

const (
	// KVTmpfsPath is where the daemon mounts its private tmpfs for the KV store.
	KVTmpfsPath = "/tmp/porto"
	// KVTmpfsSize is the tmpfs size, in bytes (32 MiB per spec §6).
	KVTmpfsSize = 32 * 1024 * 1024
	// KVDir is the subdirectory of the tmpfs holding one file per container.
	KVDir = "kv"
)

const (
	// CgroupRoot is the filesystem mountpoint under which each controller's
	// hierarchy is rooted, e.g. /sys/fs/cgroup/memory.
	CgroupRoot = "/sys/fs/cgroup"
)

const (
	PortoConfDir    = "/etc/porto"
	PortoConfDropin = PortoConfDir + "/conf.d"
	PortoConfEnv    = "PORTO_CONF_FILE"
	PortoConfDirEnv = "PORTO_CONF_DIR"
	DefaultPortoConf = "porto.conf"
)

// Default tunables, overridable via configuration (spec.md §6).
const (
	DefaultKillTimeoutMs    = 5000
	DefaultStopTimeoutMs    = 10000
	DefaultRespawnDelayMs   = 1000
	DefaultMaxLogSizeBytes  = 8 * 1024 * 1024
	DefaultAgingTimeSeconds = 60
	DefaultSoftLimitMiB     = 64
	MinSoftLimitMiB         = 1
	// DefaultLogRotateIntervalSeconds is how often pkg/eventloop sweeps
	// running containers' stdout/stderr files for truncation.
	DefaultLogRotateIntervalSeconds = 30
	// DefaultAgingSweepIntervalSeconds is how often pkg/eventloop checks
	// Dead containers against aging_time for automatic removal.
	DefaultAgingSweepIntervalSeconds = 10
)

// Network defaults (spec.md §6 network.default_*).
const (
	DefaultNetPriority      = 3
	DefaultNetGuaranteeBits = 1 << 20 // 1 Mbit
	DefaultNetLimitBits     = 1 << 30 // 1 Gbit
	// HTBMajor is the fixed major handle number for the root HTB qdisc.
	HTBMajor = 0x1
)
