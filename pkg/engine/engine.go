// Package engine wires together every collaborator package into one
// daemon context: configuration, the KV store, the property table, the
// cgroup and traffic-class drivers, the container registry and state
// machine, the task launcher, and the event loop. Design Notes §9 calls
// for replacing the teacher's package-level singletons with an explicit
// context object threaded through main; Engine is that object, grounded
// on the shape of the teacher's pkg/oci runtime-stack bootstrap (build
// the layered config, then construct every collaborator from it once,
// rather than reaching for package globals from inside business logic).
package engine

import (
	"context"
	"time"

	defs "porto/definitions"
	er "porto/errors"
	log "porto/logger"
	"porto/pkg/cgroup"
	"porto/pkg/config"
	"porto/pkg/container"
	"porto/pkg/eventloop"
	"porto/pkg/kvstore"
	"porto/pkg/launcher"
	"porto/pkg/netclass"
	"porto/pkg/property"
	"porto/pkg/registry"
	"porto/pkg/tracer"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Engine owns every long-lived collaborator for one daemon process.
type Engine struct {
	cfg *config.Config

	kv       *kvstore.Store
	reg      *registry.Registry
	table    *property.Table
	cgroups  *cgroup.Driver
	netmgr   *netclass.Manager
	launcher *launcher.Launcher
	mgr      *container.Manager
	loop     *eventloop.Loop
	tracer   *sdktrace.TracerProvider
}

// New constructs an Engine from cfg but does not yet start its
// goroutines or restore any persisted container — call Run for that.
func New(cfg *config.Config) (*Engine, error) {
	if err := log.Init(&cfg.Log); err != nil {
		return nil, er.Wrap("engine.New", err)
	}

	kv, err := kvstore.Open(cfg.TmpDir)
	if err != nil {
		return nil, er.Wrap("engine.New", err)
	}

	table := property.NewBuiltinTable()
	reg := registry.New()
	cgroups := cgroup.New()

	var netmgr *netclass.Manager
	var tcm container.TrafficClassManager
	if cfg.NetworkEnabled {
		netmgr = netclass.New(netclass.NewTCDriver())
		if err := netmgr.Prepare(); err != nil {
			log.Warnf("engine: network preparation failed, continuing without traffic classes: %v", err)
			netmgr = nil
		} else {
			tcm = netmgr
		}
	}

	lnch := launcher.New()

	mgr := container.NewManager(reg, table, kv, cgroups, tcm, lnch, container.Config{
		NetworkEnabled: cfg.NetworkEnabled && netmgr != nil,
		KillTimeoutMs:  cfg.KillTimeoutMs,
		StopTimeoutMs:  cfg.StopTimeoutMs,
		RespawnDelayMs: cfg.RespawnDelayMs,
		SoftLimitMiB:   cfg.SoftLimitMiB,
	})

	rotateInterval := time.Duration(defs.DefaultLogRotateIntervalSeconds) * time.Second
	loop, err := eventloop.New(mgr, rotateInterval, int64(cfg.AgingTimeSeconds))
	if err != nil {
		return nil, er.Wrap("engine.New", err)
	}

	var tp *sdktrace.TracerProvider
	if cfg.TraceEndpoint != "" {
		tcfg := tracer.NewConfig("porto")
		tcfg.Endpoint = cfg.TraceEndpoint
		tcfg.Insecure = cfg.TraceInsecure
		tp, err = tracer.NewTracerProvider(context.Background(), tcfg)
		if err != nil {
			log.Warnf("engine: tracer provider setup failed, continuing untraced: %v", err)
			tp = nil
		}
	}

	return &Engine{
		cfg:      cfg,
		kv:       kv,
		reg:      reg,
		table:    table,
		cgroups:  cgroups,
		netmgr:   netmgr,
		launcher: lnch,
		mgr:      mgr,
		loop:     loop,
		tracer:   tp,
	}, nil
}

// Manager returns the underlying container state machine, for callers
// (an RPC front end, a CLI) that need the full Set/Get/Create/Destroy
// surface beyond the lifecycle wrappers below.
func (e *Engine) Manager() *container.Manager { return e.mgr }

// Config returns the configuration this Engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Run restores every persisted container from the KV store and starts
// the event loop's goroutines. It returns once restoration completes;
// the event loop keeps running until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.mgr.RestoreAll(); err != nil {
		return er.Wrap("engine.Run", err)
	}
	e.loop.Run(ctx)
	for _, name := range e.mgr.ListRunning() {
		if err := e.loop.WatchOOM(name); err != nil {
			log.Warnf("engine: watch oom for restored container %s: %v", name, err)
		}
	}
	return nil
}

// Close stops the event loop and flushes the tracer provider, if one was
// configured. The registry and container state are left as-is; a restart
// restores them from the KV store via Run.
func (e *Engine) Close() error {
	err := e.loop.Close()
	if e.tracer != nil {
		if shutdownErr := e.tracer.Shutdown(context.Background()); shutdownErr != nil {
			log.Warnf("engine: tracer shutdown: %v", shutdownErr)
		}
	}
	return err
}

// Start launches name's task and, once running, registers it with the
// event loop's OOM watcher. pkg/container itself never imports
// pkg/eventloop (that would cycle back through Manager), so this
// wrapper is where the two are joined, per spec.md §4.7's OOM-watch
// lifecycle.
func (e *Engine) Start(name string) error {
	if err := e.mgr.Start(name); err != nil {
		return err
	}
	if err := e.loop.WatchOOM(name); err != nil {
		log.Warnf("engine: watch oom for %s: %v", name, err)
	}
	return nil
}

// Stop unregisters name from the OOM watcher before stopping its task,
// so a SIGKILL-induced OOM race never fires against a container already
// mid-Stop.
func (e *Engine) Stop(name string) error {
	e.loop.UnwatchOOM(name)
	return e.mgr.Stop(name)
}

// Destroy unregisters name from the OOM watcher (idempotent if it was
// never watched, e.g. a Stopped container) and removes it from the
// registry and KV store.
func (e *Engine) Destroy(name string) error {
	e.loop.UnwatchOOM(name)
	return e.mgr.Destroy(name)
}

// Wait blocks until name departs a task-owning state, or ctx is done.
func (e *Engine) Wait(ctx context.Context, name string) error {
	select {
	case <-e.loop.Wait(name):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
