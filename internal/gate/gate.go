// Package gate suppresses actions while the target looks idle and
// rate-limits repeated application of the same action via a
// per-action-key cooldown.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/workload-tuner/tuner/internal/model"
	"github.com/workload-tuner/tuner/internal/topology"
)

// Config bundles the gate's tunables.
type Config struct {
	IdleLimit      int           // consecutive idle ticks before suppressing, default 6
	Cooldown       time.Duration // per-action-key cooldown, default 5s
	IdleUsPerThread float64      // idle_us_per_thread threshold, default 50
}

// DefaultConfig mirrors the reference gate's defaults.
func DefaultConfig() Config {
	return Config{IdleLimit: 6, Cooldown: 5 * time.Second, IdleUsPerThread: 50}
}

// Gate holds the per-tick mutable state: the last-applied timestamp
// per stable action key and the running idle-tick counter.
type Gate struct {
	cfg Config

	lastApplied map[string]time.Time
	idleTicks   int
}

// New returns a Gate with an empty cooldown table.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, lastApplied: map[string]time.Time{}}
}

// Filter drops actions while the target is idle or a same-keyed action
// is within its cooldown window, and returns the surviving actions
// plus a reason string for logging ("psi-idle", "idle", "cooldown", or
// "ok").
func (g *Gate) Filter(snap model.Snapshot, actions []model.Action, now time.Time) ([]model.Action, string) {
	threads := snap.Threads
	if threads < 1 {
		threads = 1
	}
	totalLoad := snap.RunqEwmaUsMean + snap.FutexEwmaUsMean
	idleThresh := g.cfg.IdleUsPerThread * float64(threads)

	psiIdle := false
	if snap.PSI != nil {
		psiIdle = snap.PSI.SomeAvg10 < 0.5 && snap.PSI.FullAvg10 < 0.1
	}
	idleLike := psiIdle && totalLoad < idleThresh

	if idleLike {
		g.idleTicks++
	} else {
		g.idleTicks = 0
	}

	if g.idleTicks >= g.cfg.IdleLimit {
		if psiIdle {
			return nil, "psi-idle"
		}
		return nil, "idle"
	}

	out := make([]model.Action, 0, len(actions))
	dropped := false
	for _, a := range actions {
		key := StableKey(a)
		if last, seen := g.lastApplied[key]; seen && now.Sub(last) < g.cfg.Cooldown {
			dropped = true
			continue
		}
		g.lastApplied[key] = now
		out = append(out, a)
	}
	if dropped {
		return out, "cooldown"
	}
	return out, "ok"
}

// StableKey computes a component-specific canonical key for an
// action, used both for cooldown tracking and for the tick log's
// action-key list.
func StableKey(a model.Action) string {
	switch a.Kind {
	case model.ActionSetCpuset:
		return fmt.Sprintf("cpuset:%s:%s", a.Cgroup, topology.FormatCPUList(a.CPUs))
	case model.ActionSetCpuWeight:
		return fmt.Sprintf("cpuweight:%d", a.Weight)
	case model.ActionSetNice:
		return fmt.Sprintf("nice:%d", a.Nice)
	case model.ActionSetIOPriority:
		return fmt.Sprintf("ioprio:%s:%d", a.IOClass, a.IOPrio)
	case model.ActionSetSchedBatch:
		return fmt.Sprintf("schedbatch:%v", a.SchedBatch)
	case model.ActionCompactWithinNUMA:
		node := "auto"
		if a.Node != nil {
			node = fmt.Sprintf("%d", *a.Node)
		}
		return "plan_compact:" + node
	case model.ActionSpreadAcrossNUMA:
		return fmt.Sprintf("plan_spread:%d", a.Width)
	case model.ActionPrefetch:
		return fmt.Sprintf("prefetch:%d:%d:%d", a.PrefetchTGID, a.PrefetchDev, a.PrefetchIno)
	default:
		return "unknown:" + strings.ToLower(string(a.Kind))
	}
}
