// Package orchestrator owns the probe handle, the strategy, the
// logger, and the tick ticker, and drives the single serial tick loop
// described in spec.md 4.K: snapshot, tick the strategy, poll probes,
// lower, gate, apply, log, sleep to the next boundary.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/workload-tuner/tuner/internal/applier"
	"github.com/workload-tuner/tuner/internal/capabilities"
	"github.com/workload-tuner/tuner/internal/gate"
	"github.com/workload-tuner/tuner/internal/model"
	"github.com/workload-tuner/tuner/internal/observer"
	"github.com/workload-tuner/tuner/internal/output"
	"github.com/workload-tuner/tuner/internal/planner"
	"github.com/workload-tuner/tuner/internal/policy"
	"github.com/workload-tuner/tuner/internal/probe"
	"github.com/workload-tuner/tuner/internal/snapshot"
	"github.com/workload-tuner/tuner/internal/topology"
)

// Strategy is the tagged-variant interface spec.md 9 describes:
// tick(*Snapshot) -> []Action, on_event(*Event) -> Option<Action>,
// name() -> string. internal/policy.Learned is the only implementation
// today; the interface exists so `--strategy` has somewhere to grow.
type Strategy interface {
	Name() string
	Tick(snap model.Snapshot, now time.Time) []model.Action
	OnEvent(ev model.Event) (model.Action, bool)
}

// Config bundles every CLI/env-sourced knob the orchestrator needs.
type Config struct {
	TargetPID       int
	IntervalMs      uint64
	WithDescendants bool
	FollowNew       bool
	AttachSockops   bool
	NoCpuset        bool
	DryRun          bool
	LogJSONPath     string
	Quiet           bool

	ProcRoot string
	SysRoot  string

	ProbeObjectDir string
}

// DefaultConfig mirrors the reference agent's CLI defaults (spec.md 6).
func DefaultConfig() Config {
	return Config{
		IntervalMs:      500,
		WithDescendants: true,
		FollowNew:       true,
		AttachSockops:   false,
		ProcRoot:        "/proc",
		SysRoot:         "/sys",
		ProbeObjectDir:  "probes",
	}
}

// Status is the latest-tick snapshot exposed to introspection tools
// (the mcp server's get_status tool).
type Status struct {
	UpdatedAtMs int64          `json:"updated_at_ms"`
	Strategy    string         `json:"strategy"`
	GateReason  string         `json:"gate_reason"`
	Snapshot    model.Snapshot `json:"snapshot"`
	ActionKeys  []string       `json:"action_keys"`
}

// StatusStore is a thread-safe holder of the most recent Status,
// updated once per tick and read concurrently by the mcp server.
type StatusStore struct {
	mu     sync.RWMutex
	status Status
}

// Get returns a copy of the latest Status.
func (s *StatusStore) Get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *StatusStore) set(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Orchestrator drives the tick loop for one target process.
type Orchestrator struct {
	cfg      Config
	handle   *probe.Handle
	strategy Strategy
	builder  *snapshot.Builder
	planner  *planner.Planner
	gate     *gate.Gate
	applier  *applier.Applier
	tracker  *observer.SelfTracker
	progress *output.Progress
	status   *StatusStore

	logFile *os.File
}

// New loads the probe handle and every supporting component, and
// returns an Orchestrator ready for Run. On any error it closes
// whatever was already opened before returning.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.TargetPID <= 0 {
		return nil, fmt.Errorf("orchestrator: target pid must be positive, got %d", cfg.TargetPID)
	}

	topo, err := topology.Discover(cfg.SysRoot)
	if err != nil {
		return nil, fmt.Errorf("discover topology: %w", err)
	}

	probeCfg := probe.DefaultConfig()
	probeCfg.TargetPID = cfg.TargetPID
	probeCfg.WithDescendants = cfg.WithDescendants
	probeCfg.FollowNew = cfg.FollowNew
	probeCfg.AttachSockops = cfg.AttachSockops
	if cfg.ProbeObjectDir != "" {
		probeCfg.TunerObject = cfg.ProbeObjectDir + "/tuner.o"
		probeCfg.SockopsObject = cfg.ProbeObjectDir + "/sockops.o"
		probeCfg.PrefetchObject = cfg.ProbeObjectDir + "/prefetch.o"
		// Trust the configured install directory in addition to
		// probe.AllowedObjectDirs, so a custom ProbeObjectDir still
		// passes object verification.
		probeCfg.ExtraAllowedDirs = []string{cfg.ProbeObjectDir}
	}

	progress := output.NewProgress(!cfg.Quiet)

	caps := capabilities.Detect()
	progress.Log("eBPF readiness: %s (tier %d)", caps.LevelName, caps.Level)

	handle, err := probe.Load(probeCfg)
	if err != nil {
		return nil, fmt.Errorf("load probes: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		handle:   handle,
		strategy: policy.New(policy.DefaultConfig()),
		builder:  snapshot.NewBuilder(cfg.ProcRoot, cfg.SysRoot, "", model.DefaultConfig()),
		planner:  planner.New(cfg.ProcRoot, topo),
		gate:     gate.New(gate.DefaultConfig()),
		applier: applier.New(applier.Config{
			ProcRoot: cfg.ProcRoot,
			Topology: topo,
			DryRun:   cfg.DryRun,
			NoCpuset: cfg.NoCpuset,
		}),
		tracker:  observer.NewSelfTracker(),
		progress: progress,
		status:   &StatusStore{},
	}

	if cfg.LogJSONPath != "" {
		f, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("open log file: %w", err)
		}
		o.logFile = f
	}

	return o, nil
}

// Status returns the live status store, for wiring into the mcp server.
func (o *Orchestrator) Status() *StatusStore { return o.status }

// Close releases the probe handle, the applier's cached descriptors,
// and the log file. Safe to call once, after Run returns.
func (o *Orchestrator) Close() {
	o.handle.Close()
	o.applier.Close()
	if o.logFile != nil {
		o.logFile.Close()
	}
}

// Run drives the tick loop until ctx is cancelled or SIGINT/SIGTERM is
// received. It always returns nil on a clean shutdown; only a
// construction-time error is ever propagated (see New).
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			o.progress.Log("received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	o.tracker.SnapshotBefore()
	defer o.emitOverhead()

	interval := time.Duration(o.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	o.progress.Log("starting tick loop: pid=%d interval=%s dry_run=%v",
		o.cfg.TargetPID, interval, o.cfg.DryRun)

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		o.tick(ctx, time.Now())

		// Sleep to the next tick boundary (spec.md 4.K step 8). If a
		// tick ran long enough to miss one or more boundaries, skip
		// the missed ones rather than bursting to catch up.
		next = next.Add(interval)
		now := time.Now()
		if next.Before(now) {
			next = now.Add(interval)
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return nil
		}
	}
}

// tick performs one full snapshot->policy->probe->plan->gate->apply
// cycle and emits the structured log line.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	snapCh := make(chan model.Snapshot, 1)
	go func() {
		snapCh <- o.builder.Build(o.cfg.TargetPID, o.handle)
	}()

	var snap model.Snapshot
	select {
	case snap = <-snapCh:
	case <-ctx.Done():
		return
	}

	actions := o.strategy.Tick(snap, now)

	o.handle.Poll()
	for _, ev := range o.handle.DrainPrefetchEvents() {
		if act, ok := o.strategy.OnEvent(ev); ok {
			actions = append(actions, act)
		}
	}

	actions = o.planner.Lower(actions, snap)
	actions, reason := o.gate.Filter(snap, actions, now)

	o.applier.Apply(actions, o.cfg.TargetPID)

	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, gate.StableKey(a))
	}

	o.status.set(Status{
		UpdatedAtMs: now.UnixMilli(),
		Strategy:    o.strategy.Name(),
		GateReason:  reason,
		Snapshot:    snap,
		ActionKeys:  keys,
	})

	o.writeLogLine(model.TickLogRecord{
		TSMs:       now.UnixMilli(),
		Strategy:   o.strategy.Name(),
		GateReason: reason,
		Snapshot:   snap,
		ActionKeys: keys,
		DryRun:     o.cfg.DryRun,
	})
}

func (o *Orchestrator) writeLogLine(v any) {
	if o.logFile == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		o.progress.Log("marshal log line: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := o.logFile.Write(data); err != nil {
		o.progress.Log("write log line: %v", err)
	}
}

func (o *Orchestrator) emitOverhead() {
	summary := o.tracker.SnapshotAfter()
	o.writeLogLine(model.OverheadLogRecord{
		TSMs:            time.Now().UnixMilli(),
		SelfPID:         summary.SelfPID,
		CPUUserMs:       summary.CPUUserMs,
		CPUSystemMs:     summary.CPUSystemMs,
		MemoryRSSBytes:  summary.MemoryRSSBytes,
		DiskReadBytes:   summary.DiskReadBytes,
		DiskWriteBytes:  summary.DiskWriteBytes,
		ContextSwitches: summary.ContextSwitches,
	})
	o.progress.Log("self overhead: cpu_user=%dms cpu_sys=%dms rss=%dB",
		summary.CPUUserMs, summary.CPUSystemMs, summary.MemoryRSSBytes)
}
