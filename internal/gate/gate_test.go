package gate

import (
	"testing"
	"time"

	"github.com/workload-tuner/tuner/internal/model"
)

func idleSnapshot() model.Snapshot {
	return model.Snapshot{
		Threads: 4,
		PSI:     &model.Psi{SomeAvg10: 0.1, FullAvg10: 0.01},
	}
}

func TestFilterIdleSuppressesAfterLimit(t *testing.T) {
	g := New(Config{IdleLimit: 3, Cooldown: time.Second, IdleUsPerThread: 50})
	now := time.Now()

	// Ticks are spaced beyond the 1s cooldown so only the idle counter
	// can suppress the repeated action.
	for i := 0; i < 2; i++ {
		out, reason := g.Filter(idleSnapshot(), []model.Action{{Kind: model.ActionSetNice}}, now.Add(time.Duration(i)*2*time.Second))
		if reason != "ok" {
			t.Fatalf("tick %d: reason = %q, want ok (below idle limit)", i, reason)
		}
		if len(out) != 1 {
			t.Fatalf("tick %d: expected action to pass, got %v", i, out)
		}
	}

	out, reason := g.Filter(idleSnapshot(), []model.Action{{Kind: model.ActionSetNice}}, now)
	if reason != "psi-idle" {
		t.Fatalf("reason = %q, want psi-idle", reason)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty actions once idle limit reached, got %v", out)
	}
}

func TestFilterIdleReasonWhenLoadLowButPSIHigh(t *testing.T) {
	g := New(Config{IdleLimit: 1, Cooldown: time.Second, IdleUsPerThread: 1e9})
	now := time.Now()
	snap := model.Snapshot{Threads: 1, PSI: &model.Psi{SomeAvg10: 0.9, FullAvg10: 0.9}}

	// Not idle-like (PSI too high), so idle_ticks stays 0 and actions pass.
	_, reason := g.Filter(snap, nil, now)
	if reason != "ok" {
		t.Fatalf("reason = %q, want ok", reason)
	}
}

func TestFilterCooldownDropsRepeatedKey(t *testing.T) {
	g := New(Config{IdleLimit: 100, Cooldown: 5 * time.Second, IdleUsPerThread: 1})
	now := time.Now()
	snap := model.Snapshot{Threads: 1, RunqEwmaUsMean: 1e6, PSI: &model.Psi{SomeAvg10: 0.9, FullAvg10: 0.9}}

	a := model.Action{Kind: model.ActionSetNice, Nice: -1}

	out1, reason1 := g.Filter(snap, []model.Action{a}, now)
	if reason1 != "ok" || len(out1) != 1 {
		t.Fatalf("first application should pass: reason=%q out=%v", reason1, out1)
	}

	out2, reason2 := g.Filter(snap, []model.Action{a}, now.Add(time.Second))
	if reason2 != "cooldown" || len(out2) != 0 {
		t.Fatalf("second application within cooldown should be dropped: reason=%q out=%v", reason2, out2)
	}

	out3, reason3 := g.Filter(snap, []model.Action{a}, now.Add(6*time.Second))
	if reason3 != "ok" || len(out3) != 1 {
		t.Fatalf("application after cooldown elapses should pass: reason=%q out=%v", reason3, out3)
	}
}

func TestStableKeyDistinguishesActionVariants(t *testing.T) {
	a := model.Action{Kind: model.ActionSetCpuWeight, Weight: 160}
	b := model.Action{Kind: model.ActionSetCpuWeight, Weight: 200}
	if StableKey(a) == StableKey(b) {
		t.Fatalf("expected different weights to produce different keys")
	}

	cpuset := model.Action{Kind: model.ActionSetCpuset, Cgroup: "/sys/fs/cgroup/x", CPUs: []int{0, 1, 2}}
	if StableKey(cpuset) != "cpuset:/sys/fs/cgroup/x:0-2" {
		t.Fatalf("unexpected cpuset key: %q", StableKey(cpuset))
	}
}
