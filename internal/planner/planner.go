// Package planner lowers the abstract NUMA actions the policy emits
// (CompactWithinNUMA, SpreadAcrossNUMA) into concrete SetCpuset
// actions, using the live topology and the target's dominant node.
package planner

import (
	"github.com/workload-tuner/tuner/internal/model"
	"github.com/workload-tuner/tuner/internal/topology"
)

// Planner resolves NUMA plans against a topology snapshot and the
// target process's dominant node.
type Planner struct {
	procRoot string
	topo     topology.Topology
}

// New returns a Planner reading numa_maps under procRoot and using
// the given (already-discovered) topology.
func New(procRoot string, topo topology.Topology) *Planner {
	return &Planner{procRoot: procRoot, topo: topo}
}

// Lower walks actions, replacing each NUMA plan with at most one
// SetCpuset action and passing every other action through unchanged.
// A CompactWithinNUMA plan that cannot resolve a dominant node (no
// explicit node and no numa_maps data) is dropped silently, per
// spec.md §9's open-question resolution: "no dominant node" means "no
// compaction available" rather than a guess.
func (p *Planner) Lower(actions []model.Action, snap model.Snapshot) []model.Action {
	out := make([]model.Action, 0, len(actions))
	for _, a := range actions {
		switch a.Kind {
		case model.ActionCompactWithinNUMA:
			if lowered, ok := p.lowerCompact(a, snap); ok {
				out = append(out, lowered)
			}
		case model.ActionSpreadAcrossNUMA:
			if lowered, ok := p.lowerSpread(a, snap); ok {
				out = append(out, lowered)
			}
		default:
			out = append(out, a)
		}
	}
	return out
}

func (p *Planner) lowerCompact(a model.Action, snap model.Snapshot) (model.Action, bool) {
	node := 0
	haveNode := false
	if a.Node != nil {
		node = *a.Node
		haveNode = true
	} else if n, ok := topology.DominantNodeForPID(p.procRoot, snap.TargetPID); ok {
		node = n
		haveNode = true
	}
	if !haveNode {
		return model.Action{}, false
	}

	need := snap.Threads
	if avail := len(p.topo[node]); avail < need {
		need = avail
	}
	cpus := p.topo.PickCompact(node, need)
	if len(cpus) == 0 {
		return model.Action{}, false
	}
	return model.Action{Kind: model.ActionSetCpuset, Cgroup: "", CPUs: cpus}, true
}

func (p *Planner) lowerSpread(a model.Action, snap model.Snapshot) (model.Action, bool) {
	k := a.Width
	if k < 1 {
		k = 1
	}
	if k > snap.TotalCPUs {
		k = snap.TotalCPUs
	}
	cpus := p.topo.PickSpread(k)
	if len(cpus) == 0 {
		return model.Action{}, false
	}
	return model.Action{Kind: model.ActionSetCpuset, Cgroup: "", CPUs: cpus}, true
}
