package config

import (
	"strconv"
	"strings"

	defs "porto/definitions"
	log "porto/logger"

	"github.com/gookit/ini/v2"
)

// Config mirrors the daemon.* and container.* and network.* keys listed in
// spec.md §6. Every field has a zero-value-safe default so a daemon with no
// config file at all still boots.
type Config struct {
	TmpDir           string
	KillTimeoutMs    int
	StopTimeoutMs    int
	RespawnDelayMs   int
	MaxLogSize       int64
	StdoutLimit      int64
	UseHierarchy     bool
	AgingTimeSeconds int
	SoftLimitMiB     uint64

	NetworkEnabled        bool
	NetDefaultPriority    int
	NetDefaultGuarantee   uint64
	NetDefaultMaxGuarantee uint64
	NetDefaultLimit       uint64

	MemoryGuaranteeReserve uint64

	TraceEndpoint string
	TraceInsecure bool

	Log log.Config
}

// Default returns the configuration the engine boots with before any file
// is applied.
func Default() *Config {
	return &Config{
		TmpDir:                 defs.KVTmpfsPath,
		KillTimeoutMs:          defs.DefaultKillTimeoutMs,
		StopTimeoutMs:          defs.DefaultStopTimeoutMs,
		RespawnDelayMs:         defs.DefaultRespawnDelayMs,
		MaxLogSize:             defs.DefaultMaxLogSizeBytes,
		StdoutLimit:            defs.DefaultMaxLogSizeBytes,
		UseHierarchy:           true,
		AgingTimeSeconds:       defs.DefaultAgingTimeSeconds,
		SoftLimitMiB:           uint64(defs.DefaultSoftLimitMiB),
		NetworkEnabled:         true,
		NetDefaultPriority:     defs.DefaultNetPriority,
		NetDefaultGuarantee:    defs.DefaultNetGuaranteeBits,
		NetDefaultMaxGuarantee: defs.DefaultNetLimitBits,
		NetDefaultLimit:        defs.DefaultNetLimitBits,
	}
}

// Stack applies config layers in order: defaults, then each discovered
// file in priority order. Grounded on the teacher's oci.RuntimeStack, which
// applied default -> file -> annotation layers the same way.
type Stack struct {
	base *Config
}

func NewStack() *Stack {
	return &Stack{base: Default()}
}

func (s *Stack) Config() *Config {
	if s.base == nil {
		s.base = Default()
	}
	return s.base
}

// ApplyFiles merges each discovered INI file into the stack, in order, so
// that later files win.
func (s *Stack) ApplyFiles(files []File) {
	if s.base == nil {
		s.base = Default()
	}
	for _, f := range files {
		if err := applyFile(s.base, f); err != nil {
			log.Warnf("failed to apply porto config %s: %v", f.Path, err)
		}
	}
}

func applyFile(cfg *Config, f File) error {
	i := ini.New()
	if err := i.LoadExists(f.Path); err != nil {
		return err
	}

	if v, ok := i.GetValue("container.tmp_dir"); ok {
		cfg.TmpDir = v
	}
	if v, ok := intValue(i, "container.kill_timeout_ms"); ok {
		cfg.KillTimeoutMs = v
	}
	if v, ok := intValue(i, "container.stop_timeout_ms"); ok {
		cfg.StopTimeoutMs = v
	}
	if v, ok := intValue(i, "container.respawn_delay_ms"); ok {
		cfg.RespawnDelayMs = v
	}
	if v, ok := intValue(i, "container.max_log_size"); ok {
		cfg.MaxLogSize = int64(v)
	}
	if v, ok := intValue(i, "container.stdout_limit"); ok {
		cfg.StdoutLimit = int64(v)
	}
	if v, ok := boolValue(i, "container.use_hierarchy"); ok {
		cfg.UseHierarchy = v
	}
	if v, ok := intValue(i, "container.soft_limit_mib"); ok {
		cfg.SoftLimitMiB = uint64(v)
	}
	if v, ok := boolValue(i, "network.enabled"); ok {
		cfg.NetworkEnabled = v
	}
	if v, ok := intValue(i, "network.default_prio"); ok {
		cfg.NetDefaultPriority = v
	}
	if v, ok := intValue(i, "network.default_guarantee"); ok {
		cfg.NetDefaultGuarantee = uint64(v)
	}
	if v, ok := intValue(i, "network.default_max_guarantee"); ok {
		cfg.NetDefaultMaxGuarantee = uint64(v)
	}
	if v, ok := intValue(i, "network.default_limit"); ok {
		cfg.NetDefaultLimit = uint64(v)
	}
	if v, ok := intValue(i, "daemon.memory_guarantee_reserve"); ok {
		cfg.MemoryGuaranteeReserve = uint64(v)
	}
	if v, ok := i.GetValue("daemon.trace_endpoint"); ok {
		cfg.TraceEndpoint = v
	}
	if v, ok := boolValue(i, "daemon.trace_insecure"); ok {
		cfg.TraceInsecure = v
	}
	if v, ok := i.GetValue("daemon.log_level"); ok {
		cfg.Log.Level = v
	}
	if v, ok := i.GetValue("daemon.log_format"); ok {
		cfg.Log.Format = v
	}
	if v, ok := boolValue(i, "daemon.debug"); ok {
		cfg.Log.Debug = v
	}

	return nil
}

func intValue(i *ini.Ini, key string) (int, bool) {
	v, ok := i.GetValue(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warnf("porto config: %s is not an integer: %q", key, v)
		return 0, false
	}
	return n, true
}

func boolValue(i *ini.Ini, key string) (bool, bool) {
	v, ok := i.GetValue(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Warnf("porto config: %s is not a boolean: %q", key, v)
		return false, false
	}
	return b, true
}

// Load discovers config files and returns the merged Config, ready to hand
// to engine.New.
func Load() (*Config, error) {
	stack := NewStack()
	files, err := Discover()
	if err != nil {
		return nil, err
	}
	stack.ApplyFiles(files)
	return stack.Config(), nil
}
