package policy

import (
	"testing"
	"time"

	"github.com/workload-tuner/tuner/internal/bandit"
	"github.com/workload-tuner/tuner/internal/model"
)

func quietSnapshot() model.Snapshot {
	return model.Snapshot{
		TargetPID: 1,
		Threads:   1,
		TotalCPUs: 4,
		PSI:       &model.Psi{SomeAvg10: 0.001, FullAvg10: 0.0001},
		PSIMem:    &model.Psi{SomeAvg10: 0.001, FullAvg10: 0.0001},
	}
}

func busySnapshot() model.Snapshot {
	return model.Snapshot{
		TargetPID:       1,
		Threads:         4,
		TotalCPUs:       8,
		RunqEwmaUsMean:  50000,
		FutexEwmaUsMean: 20000,
		PSI:             &model.Psi{SomeAvg10: 10, FullAvg10: 2},
		PSIMem:          &model.Psi{SomeAvg10: 0, FullAvg10: 0},
	}
}

func TestTickIdleGuardSuppressesActionsAndBookkeeping(t *testing.T) {
	l := New(DefaultConfig())
	now := time.Now()

	out := l.Tick(quietSnapshot(), now)
	if out != nil {
		t.Fatalf("expected nil actions on idle tick, got %v", out)
	}
	if len(l.pendingQueue) != 0 {
		t.Fatalf("expected no pending entry to be created on an idle tick, got %v", l.pendingQueue)
	}
}

func TestTickIdleGuardDoesNotFireWithoutPSIData(t *testing.T) {
	l := New(DefaultConfig())
	snap := model.Snapshot{TargetPID: 1, Threads: 1, TotalCPUs: 4}

	// No PSI/PSIMem at all: idleGuard must return false regardless of load.
	if l.idleGuard(snap) {
		t.Fatalf("expected idleGuard to be false when PSI data is absent")
	}
}

func TestFeaturesSmoothsAndClamps(t *testing.T) {
	l := New(DefaultConfig())
	snap := model.Snapshot{
		Threads:         100,
		TotalCPUs:       4,
		RunqEwmaUsMean:  1e7,
		FutexEwmaUsMean: 1e7,
	}

	x, score := l.features(snap)
	if x[0] != 1 {
		t.Fatalf("expected bias term 1, got %v", x[0])
	}
	if x[1] < 0 || x[1] > 1 {
		t.Fatalf("expected clamped runq feature in [0,1], got %v", x[1])
	}
	if x[3] != 1 {
		t.Fatalf("expected threads/total_cpus clamped to 1 when threads >> total_cpus, got %v", x[3])
	}
	if score <= 0 {
		t.Fatalf("expected positive score for a busy snapshot, got %v", score)
	}
}

func TestAllowedArmsBaseSetWithoutCPUWeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowCPUWeight = false
	l := New(cfg)

	snap := model.Snapshot{Threads: 1, TotalCPUs: 1}
	allowed := l.allowedArms(snap, time.Now())

	want := map[int]bool{0: true, 2: true}
	if len(allowed) != len(want) {
		t.Fatalf("allowed = %v, want exactly %v", allowed, want)
	}
	for _, a := range allowed {
		if !want[a] {
			t.Fatalf("unexpected arm %d in %v", a, allowed)
		}
	}
}

func TestAllowedArmsNeverStrandsOnArmZeroAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowCPUWeight = false
	l := New(cfg)
	l.lastSwitch = time.Now()
	l.lastArm = numaArmCompact

	// Single-CPU, single-thread target: NUMA never eligible. With
	// CPUWeight disallowed, the base set would be only {0, 2}; the
	// dwell restriction (still active since MinDwell hasn't elapsed)
	// would otherwise collapse it to {0} alone, which allowedArms must
	// never return.
	snap := model.Snapshot{Threads: 1, TotalCPUs: 1}
	allowed := l.allowedArms(snap, l.lastSwitch.Add(time.Millisecond))

	if len(allowed) == 1 && allowed[0] == 0 {
		t.Fatalf("allowedArms must never strand the policy on arm 0 alone, got %v", allowed)
	}
}

func TestAllowedArmsIncludesNUMAWhenEligible(t *testing.T) {
	l := New(DefaultConfig())
	snap := model.Snapshot{Threads: 4, TotalCPUs: 8, PSIMem: &model.Psi{SomeAvg10: 0, FullAvg10: 0}}

	allowed := l.allowedArms(snap, time.Now())
	has := map[int]bool{}
	for _, a := range allowed {
		has[a] = true
	}
	if !has[numaArmCompact] || !has[numaArmSpread] {
		t.Fatalf("expected both NUMA arms eligible, got %v", allowed)
	}
}

func TestAllowedArmsDropsSpreadWhenMemoryPressureHigh(t *testing.T) {
	l := New(DefaultConfig())
	snap := model.Snapshot{Threads: 4, TotalCPUs: 8, PSIMem: &model.Psi{SomeAvg10: 1.0, FullAvg10: 0}}

	allowed := l.allowedArms(snap, time.Now())
	for _, a := range allowed {
		if a == numaArmSpread {
			t.Fatalf("expected spread arm dropped under memory pressure, got %v", allowed)
		}
	}
}

func TestAllowedArmsRestrictsDuringDwell(t *testing.T) {
	l := New(DefaultConfig())
	now := time.Now()
	l.lastArm = numaArmCompact
	l.lastSwitch = now

	snap := model.Snapshot{Threads: 4, TotalCPUs: 8, PSIMem: &model.Psi{SomeAvg10: 0, FullAvg10: 0}}
	allowed := l.allowedArms(snap, now.Add(time.Second))

	want := map[int]bool{0: true, numaArmCompact: true, numaArmSpread: true}
	for _, a := range allowed {
		if !want[a] {
			t.Fatalf("expected only {0, compact, spread} during dwell, got %v", allowed)
		}
	}
}

func TestAllowedArmsUnrestrictedAfterDwellElapses(t *testing.T) {
	l := New(DefaultConfig())
	now := time.Now()
	l.lastArm = numaArmCompact
	l.lastSwitch = now

	snap := model.Snapshot{Threads: 4, TotalCPUs: 8, PSIMem: &model.Psi{SomeAvg10: 0, FullAvg10: 0}}
	allowed := l.allowedArms(snap, now.Add(l.cfg.MinDwell+time.Second))

	has := map[int]bool{}
	for _, a := range allowed {
		has[a] = true
	}
	if !has[1] || !has[2] {
		t.Fatalf("expected arms 1 and 2 available once dwell has elapsed, got %v", allowed)
	}
}

func TestSelectArmRespectsAllowedSet(t *testing.T) {
	l := New(DefaultConfig())
	x := [bandit.Dim]float64{1, 0, 0, 0}

	for i := 0; i < 50; i++ {
		arm := l.selectArm(x, []int{2})
		if arm != 2 {
			t.Fatalf("selectArm with a single allowed arm must return it, got %d", arm)
		}
	}
}

func TestDrainPendingCreditsArmAtZeroDue(t *testing.T) {
	l := New(DefaultConfig())
	x := [bandit.Dim]float64{1, 0.5, 0.2, 0.3}
	l.pendingQueue = []pending{{arm: 1, x: x, due: 1, baseline: 10}}

	l.drainPending(4) // improvement: (10-4)/10 = 0.6, should update arm 1

	if len(l.pendingQueue) != 0 {
		t.Fatalf("expected pending entry drained once due reaches zero, got %v", l.pendingQueue)
	}

	// Arm 1's bandit state should have moved off the identity prior: with
	// reward 0.6 its score at x is ~0.92, above untouched arm 0's ~0.88.
	if l.bd == nil {
		t.Fatalf("bandit must not be nil")
	}
	if got := l.bd.Select(x, []int{0, 1}); got != 1 {
		t.Fatalf("expected credited arm 1 to outscore untouched arm 0, got %d", got)
	}
}

func TestDrainPendingLeavesNotYetDueEntries(t *testing.T) {
	l := New(DefaultConfig())
	x := [bandit.Dim]float64{1, 0, 0, 0}
	l.pendingQueue = []pending{{arm: 1, x: x, due: 3, baseline: 10}}

	l.drainPending(10)

	if len(l.pendingQueue) != 1 {
		t.Fatalf("expected entry to remain pending, got %v", l.pendingQueue)
	}
	if l.pendingQueue[0].due != 2 {
		t.Fatalf("expected due decremented to 2, got %d", l.pendingQueue[0].due)
	}
}

func TestTickNonNoopArmEnqueuesPending(t *testing.T) {
	l := New(DefaultConfig())
	snap := busySnapshot()
	now := time.Now()

	_ = l.Tick(snap, now)
	if l.lastArm != 0 {
		if len(l.pendingQueue) != 1 {
			t.Fatalf("expected exactly one pending entry after selecting arm %d, got %v", l.lastArm, l.pendingQueue)
		}
	} else if len(l.pendingQueue) != 0 {
		t.Fatalf("expected no pending entry after selecting the noop arm, got %v", l.pendingQueue)
	}
}

func TestTickTracksDwellSwitchOnlyForNUMAArms(t *testing.T) {
	l := New(DefaultConfig())
	now := time.Now()
	l.lastArm = 1

	before := l.lastSwitch
	_ = l.Tick(busySnapshot(), now)
	// lastSwitch only moves when a NUMA arm is newly selected; the pick
	// is random, so the expectation depends on which arm was chosen.
	if l.lastSwitch.Before(before) {
		t.Fatalf("lastSwitch must never move backwards")
	}
	isNUMA := l.lastArm == numaArmCompact || l.lastArm == numaArmSpread
	if isNUMA && !l.lastSwitch.Equal(now) {
		t.Fatalf("expected lastSwitch = now after switching to NUMA arm %d", l.lastArm)
	}
	if !isNUMA && !l.lastSwitch.Equal(before) {
		t.Fatalf("lastSwitch moved after selecting non-NUMA arm %d", l.lastArm)
	}
}

func TestOnEventIgnoresNonPrefetchEvents(t *testing.T) {
	l := New(DefaultConfig())
	_, ok := l.OnEvent(model.Event{Kind: model.EventFutexSpike, Us: 500})
	if ok {
		t.Fatalf("expected futex_spike events to be ignored by OnEvent")
	}
}

func TestOnEventRunsStrideDetectorOnPrefetchFault(t *testing.T) {
	l := New(DefaultConfig())

	// Feed an arithmetic sequence of page-fault offsets for the same
	// key; after enough history the detector should eventually emit a
	// Prefetch action (exact tick is an internal detail of the stride
	// detector, already covered by internal/prefetch's own tests, so
	// here we only assert OnEvent routes PrefetchFault events to it).
	var lastOK bool
	for i := uint64(0); i < 10; i++ {
		ev := model.Event{Kind: model.EventPrefetchFault, TGID: 7, Dev: 1, Ino: 2, PgOff: i * 3}
		_, ok := l.OnEvent(ev)
		if ok {
			lastOK = true
		}
	}
	if !lastOK {
		t.Fatalf("expected OnEvent to eventually emit a prefetch action for a strided access pattern")
	}
}
