// Package policy implements the learned strategy: LinUCB arm
// selection over a small, masked arm set, with an idle guard,
// dwell-time/cooldown discipline against NUMA-arm thrashing, and a
// delayed-reward queue that credits an arm only after its effects have
// had time to manifest.
package policy

import (
	"math/rand"
	"time"

	"github.com/workload-tuner/tuner/internal/bandit"
	"github.com/workload-tuner/tuner/internal/model"
	"github.com/workload-tuner/tuner/internal/prefetch"
)

const (
	numaArmCompact = 3
	numaArmSpread  = 4

	effectDelayTicks = 4

	smoothingAlpha = 0.2

	epsilon = 0.05
)

// Config bundles the policy's tunable thresholds.
type Config struct {
	AllowCPUWeight       bool
	MinThreadsForNUMA    int
	MinDwell             time.Duration
	CPUWeightValue       int
	NiceValue            int
}

// DefaultConfig mirrors the reference policy's defaults.
func DefaultConfig() Config {
	return Config{
		AllowCPUWeight:    true,
		MinThreadsForNUMA: 2,
		MinDwell:          5 * time.Second,
		CPUWeightValue:    160,
		NiceValue:         -1,
	}
}

// pending is one entry in the delayed-reward queue.
type pending struct {
	arm      int
	x        [bandit.Dim]float64
	due      int
	baseline float64
}

// Learned is the tagged-variant strategy described in spec.md §9:
// tick(*Snapshot) -> []Action, on_event(*Event) -> Option<Action>,
// name() -> string. It owns the bandit, the prefetch detector, the
// smoothing state, the dwell tracker, and the pending-reward queue —
// single-owner state, never a package-level singleton.
type Learned struct {
	cfg    Config
	bd     *bandit.Bandit
	stride *prefetch.Detector

	smRunq  float64
	smFutex float64

	pendingQueue []pending

	lastArm          int
	lastSwitch       time.Time
	ticksSinceSwitch int

	rng *rand.Rand
}

// New returns a Learned policy with a fresh bandit and stride
// detector.
func New(cfg Config) *Learned {
	return &Learned{
		cfg:     cfg,
		bd:      bandit.New(),
		stride:  prefetch.New(),
		lastArm: -1,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name returns the strategy name carried on every tick log line.
func (l *Learned) Name() string { return "learned" }

// Tick consumes one Snapshot and returns the actions to apply this
// tick, after masking, selection, dwell tracking, and delayed-reward
// bookkeeping.
func (l *Learned) Tick(snap model.Snapshot, now time.Time) []model.Action {
	x, score := l.features(snap)

	// The idle guard takes priority over delayed-reward bookkeeping:
	// per spec, when it fires this tick contributes no pending entry
	// and no bandit update at all, so pending due-counters are left
	// untouched rather than decremented.
	if l.idleGuard(snap) {
		return nil
	}

	l.drainPending(score)

	allowed := l.allowedArms(snap, now)
	arm := l.selectArm(x, allowed)

	if arm != 0 {
		l.pendingQueue = append(l.pendingQueue, pending{arm: arm, x: x, due: effectDelayTicks, baseline: score})
	}

	isNuma := arm == numaArmCompact || arm == numaArmSpread
	if isNuma && arm != l.lastArm {
		l.lastSwitch = now
		l.ticksSinceSwitch = 0
	} else {
		l.ticksSinceSwitch++
	}
	l.lastArm = arm

	return l.actionsForArm(arm, snap)
}

// OnEvent handles a PrefetchFault by running the stride detector;
// other event kinds are ignored here, matching spec.md §4.G.
func (l *Learned) OnEvent(ev model.Event) (model.Action, bool) {
	if ev.Kind != model.EventPrefetchFault {
		return model.Action{}, false
	}
	key := prefetch.Key{TGID: ev.TGID, Dev: ev.Dev, Ino: ev.Ino}
	return l.stride.OnFault(key, ev.PgOff)
}

// drainPending decrements every pending entry's due counter and
// credits the bandit for any that reach zero this tick, using current
// as this tick's score for the improvement calculation.
func (l *Learned) drainPending(current float64) {
	remaining := l.pendingQueue[:0]
	for _, p := range l.pendingQueue {
		p.due--
		if p.due <= 0 {
			improv := (p.baseline - current) / maxFloat(1, p.baseline)
			l.bd.Update(p.arm, p.x, bandit.Clamp(improv))
			continue
		}
		remaining = append(remaining, p)
	}
	l.pendingQueue = remaining
}

// features computes x = [1, clamp(runq/1e5,0,1), futex_share,
// clamp(threads/total_cpus,0,1)] with EWMA-smoothed inputs, and the
// scalar score used both for arm scoring and reward baselines.
func (l *Learned) features(snap model.Snapshot) ([bandit.Dim]float64, float64) {
	l.smRunq = smoothingAlpha*snap.RunqEwmaUsMean + (1-smoothingAlpha)*l.smRunq
	l.smFutex = smoothingAlpha*snap.FutexEwmaUsMean + (1-smoothingAlpha)*l.smFutex

	runq := l.smRunq
	futex := l.smFutex
	futexShare := 0.0
	if runq+futex > 0 {
		futexShare = futex / (runq + futex)
	}

	totalCPUs := snap.TotalCPUs
	if totalCPUs < 1 {
		totalCPUs = 1
	}

	x := [bandit.Dim]float64{
		1,
		clamp01(runq / 1e5),
		futexShare,
		clamp01(float64(snap.Threads) / float64(totalCPUs)),
	}

	score := (runq+1.4*futex)/(runq+futex+1) + 0.1*futexShare
	if snap.PSI != nil {
		score += 0.5*pct(snap.PSI.SomeAvg10) + 1.0*pct(snap.PSI.FullAvg10)
	}
	if snap.PSIMem != nil {
		score += 0.7*pct(snap.PSIMem.SomeAvg10) + 1.3*pct(snap.PSIMem.FullAvg10)
	}

	return x, score
}

// idleGuard reports whether the target is quiet enough that the tick
// should produce no actions and skip all bandit bookkeeping.
func (l *Learned) idleGuard(snap model.Snapshot) bool {
	if snap.PSI == nil || snap.PSIMem == nil {
		return false
	}
	return snap.PSI.SomeAvg10 < 0.002 &&
		snap.PSI.FullAvg10 < 0.0005 &&
		snap.PSIMem.SomeAvg10 < 0.002 &&
		snap.PSIMem.FullAvg10 < 0.0005 &&
		(l.smRunq+l.smFutex) < 200
}

// allowedArms applies spec.md §4.G's masking rules in order: base
// eligibility, NUMA dwell restriction, and the "never strand the
// policy on arm 0 alone" fallback.
func (l *Learned) allowedArms(snap model.Snapshot, now time.Time) []int {
	allowed := []int{0}
	if l.cfg.AllowCPUWeight {
		allowed = append(allowed, 1)
	}
	allowed = append(allowed, 2)

	numaEligible := snap.TotalCPUs >= 2 && snap.Threads >= l.cfg.MinThreadsForNUMA
	if numaEligible {
		allowed = append(allowed, numaArmCompact)

		spreadOK := true
		if snap.PSIMem != nil && (snap.PSIMem.SomeAvg10 > 0.005 || snap.PSIMem.FullAvg10 > 0.0005) {
			spreadOK = false
		}
		if spreadOK {
			allowed = append(allowed, numaArmSpread)
		}
	}

	if !l.lastSwitch.IsZero() && now.Sub(l.lastSwitch) < l.cfg.MinDwell {
		allowed = restrictTo(allowed, []int{0, numaArmCompact, numaArmSpread})
	}

	if len(allowed) == 1 && allowed[0] == 0 {
		if l.cfg.AllowCPUWeight {
			return []int{0, 1}
		}
		return []int{0, 2}
	}

	return allowed
}

func restrictTo(allowed, keep []int) []int {
	keepSet := map[int]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	out := make([]int, 0, len(allowed))
	for _, a := range allowed {
		if keepSet[a] {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return []int{0}
	}
	return out
}

// selectArm is epsilon-greedy over the bandit's UCB selection: with
// probability epsilon, pick uniformly from allowed using a weak
// time-based randomizer rather than the bandit.
func (l *Learned) selectArm(x [bandit.Dim]float64, allowed []int) int {
	if l.rng.Float64() < epsilon {
		return allowed[l.rng.Intn(len(allowed))]
	}
	return l.bd.Select(x, allowed)
}

// actionsForArm maps a chosen arm index to its concrete/abstract
// action, per spec.md §4.G's arm table.
func (l *Learned) actionsForArm(arm int, snap model.Snapshot) []model.Action {
	switch arm {
	case 0:
		return nil
	case 1:
		return []model.Action{{Kind: model.ActionSetCpuWeight, Weight: l.cfg.CPUWeightValue}}
	case 2:
		return []model.Action{{Kind: model.ActionSetNice, Nice: l.cfg.NiceValue}}
	case numaArmCompact:
		return []model.Action{{Kind: model.ActionCompactWithinNUMA}}
	case numaArmSpread:
		width := snap.Threads
		if width < 1 {
			width = 1
		}
		if snap.TotalCPUs > 0 && width > snap.TotalCPUs {
			width = snap.TotalCPUs
		}
		return []model.Action{{Kind: model.ActionSpreadAcrossNUMA, Width: width}}
	default:
		return nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// pct treats a PSI average (already a percentage, e.g. 1.2 meaning
// 1.2%) as a fraction for the scoring formula.
func pct(avg float64) float64 { return avg / 100 }

// ArmDescription documents one bandit arm for introspection tools
// (the mcp server's list_arms tool, `tuner capabilities`-adjacent
// debugging).
type ArmDescription struct {
	Arm         int    `json:"arm"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ArmDescriptions returns the fixed arm table from spec.md 4.G.
func ArmDescriptions() []ArmDescription {
	return []ArmDescription{
		{Arm: 0, Name: "noop", Description: "no action this tick"},
		{Arm: 1, Name: "cpuweight", Description: "raise the target cgroup's cpu.weight"},
		{Arm: 2, Name: "nice", Description: "lower the target's nice value"},
		{Arm: numaArmCompact, Name: "compact", Description: "confine the target to its dominant NUMA node"},
		{Arm: numaArmSpread, Name: "spread", Description: "spread the target's threads across NUMA nodes"},
	}
}
